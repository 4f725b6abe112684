// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides the terminal styling shared by the CLI's
// human-readable (non-JSON) output modes.
package ux

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/daokit/daokit/internal/contracts"
)

var (
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#2C4A54")
	ColorAccent  = lipgloss.Color("#20B9B4")
)

var Styles = struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 1),
}

// StepIcon renders a status-appropriate glyph for a step's current status.
func StepIcon(status contracts.StepStatus) string {
	switch status {
	case contracts.StepAccepted, contracts.StepDone:
		return Styles.Success.Render("✓")
	case contracts.StepFailed:
		return Styles.Error.Render("✗")
	case contracts.StepRunning:
		return Styles.Warning.Render("●")
	default:
		return Styles.Muted.Render("○")
	}
}

// PipelineIcon renders a status-appropriate glyph for a run's overall status.
func PipelineIcon(status contracts.PipelineStatus) string {
	switch status {
	case contracts.StatusDone:
		return Styles.Success.Render("✓")
	case contracts.StatusBlocked:
		return Styles.Error.Render("✗")
	case contracts.StatusDraining:
		return Styles.Warning.Render("⚠")
	default:
		return Styles.Muted.Render("●")
	}
}

// Heading prints a bold titled section header.
func Heading(text string) {
	fmt.Println(Styles.Title.Render(text))
}

// Line prints a muted key: value line.
func Line(key, value string) {
	fmt.Printf("  %s %s\n", Styles.Muted.Render(key+":"), value)
}
