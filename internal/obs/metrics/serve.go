// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConfigFromEnv resolves the /metrics listen address from DAOKIT_METRICS_ADDR,
// mirroring the env-over-default layering internal/obs/tracing uses. An
// empty address leaves metrics unserved: Serve becomes a no-op and
// RunMetrics still collect in-process, just unscraped.
func ConfigFromEnv(getenv func(string) string) string {
	return getenv("DAOKIT_METRICS_ADDR")
}

// Serve starts an HTTP listener exposing reg via promhttp at addr and
// returns a shutdown function the caller must invoke before process exit.
// An empty addr is a no-op: Init-style callers get a safe shutdown func
// without a listener ever binding.
func Serve(addr string, reg *prometheus.Registry) (shutdown func(context.Context) error, err error) {
	if addr == "" {
		return func(context.Context) error { return nil }, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	handlerFor := promhttp.Handler()
	if reg != nil {
		handlerFor = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	mux.Handle("/metrics", handlerFor)
	srv := &http.Server{Handler: mux}

	go func() {
		_ = srv.Serve(ln)
	}()

	return srv.Shutdown, nil
}
