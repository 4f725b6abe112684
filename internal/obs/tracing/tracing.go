// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracing bootstraps the OpenTelemetry TracerProvider consumed by
// internal/lifecycle's span instrumentation. Without an explicit provider
// registered here, otel.Tracer() resolves to the global no-op implementation
// and every span recorded by the lifecycle runtime is silently discarded.
package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config controls which exporter backs the TracerProvider.
type Config struct {
	// ServiceName identifies this process in exported spans.
	ServiceName string

	// Exporter selects the span exporter: "stdout" or "none". "none" leaves
	// the global no-op provider in place and Init is a no-op.
	Exporter string
}

// ConfigFromEnv resolves Config from DAOKIT_TRACE_* environment variables,
// mirroring the env-over-default layering internal/config uses for the
// rest of the runtime's settings.
func ConfigFromEnv() Config {
	cfg := Config{
		ServiceName: "daokit",
		Exporter:    "none",
	}
	if v := os.Getenv("DAOKIT_TRACE_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv("DAOKIT_TRACE_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	return cfg
}

// Init installs a TracerProvider for cfg.Exporter and returns a shutdown
// function the caller must invoke before process exit to flush pending
// spans. Callers that never call Init get the default no-op provider,
// so lifecycle spans remain safe to record unconditionally.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	switch cfg.Exporter {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
		// handled below
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: create stdout exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
