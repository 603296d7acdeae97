// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package deadletterfeed renders dead-lettered pipeline steps in a scrollable
// viewport. Used by the dev TUI to watch the dead-letter queue while testing
// retry behavior.
package deadletterfeed

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/specforge/specforge/internal/orchestrator/models"
)

// Model represents the dead-letter feed component
type Model struct {
	events   []models.DeadLetterEvent
	viewport viewport.Model
	ready    bool
}

// New creates a new dead-letter feed
func New(width, height int) Model {
	vp := viewport.New(width, height)
	return Model{
		viewport: vp,
		ready:    true,
	}
}

// SetEvents replaces the displayed events and re-renders the viewport
func (m Model) SetEvents(events []models.DeadLetterEvent) Model {
	m.events = events
	m.viewport.SetContent(m.renderEvents())
	return m
}

// SetSize updates the feed dimensions
func (m *Model) SetSize(width, height int) {
	m.viewport.Width = width
	m.viewport.Height = height
}

// Init initializes the feed
func (m Model) Init() tea.Cmd {
	return nil
}

// Update forwards scroll input to the viewport
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the feed
func (m Model) View() string {
	title := lipgloss.NewStyle().
		Foreground(lipgloss.Color("196")).
		Bold(true).
		Render(fmt.Sprintf("Dead letters (%d)", len(m.events)))

	body := m.viewport.View()
	if len(m.events) == 0 {
		empty := lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
		body = empty.Render("No dead-letter events.")
	}

	return title + "\n" + body
}

func (m Model) renderEvents() string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	id := lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	reason := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	badge := lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	var lines []string
	for _, evt := range m.events {
		header := fmt.Sprintf("%s %s %s",
			dim.Render(evt.CreatedAt.Local().Format(time.Stamp)),
			id.Render(shortID(evt.PipelineRunID)),
			badge.Render(fmt.Sprintf("retries=%d", evt.RetryCount)))
		lines = append(lines, header)

		if step, ok := evt.Context["step_type"].(string); ok && step != "" {
			lines = append(lines, "  "+dim.Render("step: ")+step)
		}
		lines = append(lines, "  "+reason.Render(cleanString(evt.FailureReason)))
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func cleanString(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
