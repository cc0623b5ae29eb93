package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"grid/pkg/event"
	"grid/pkg/server"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	accentColor  = lipgloss.Color("#50FA7B")
	dangerColor  = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	borderColor  = lipgloss.Color("#00d2d3")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(14)

	valueStyle = lipgloss.NewStyle().Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func field(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

func renderKeyPanel(path, keyID, publicKey string) string {
	body := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Signing key"),
		field("File", path),
		field("Key ID", keyID),
		field("Public key", publicKey),
	)
	return panelStyle.Render(body)
}

func renderAuthorization(auth event.Authorization) string {
	if auth.Allowed() {
		return lipgloss.NewStyle().Foreground(accentColor).Render("accepted ") + auth.EventID
	}
	verdict := "denied"
	if !auth.Valid {
		verdict = "invalid"
	}
	return lipgloss.NewStyle().Foreground(dangerColor).Render(verdict+" ") +
		auth.EventID + lipgloss.NewStyle().Foreground(mutedColor).Render(" ("+auth.Reason+")")
}

func renderState(resp server.StateResponse) string {
	header := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(resp.Channel),
		field("Version", resp.Version),
		field("Head", resp.Head),
		field("Extremities", strings.Join(resp.Extremities, ", ")),
	)

	t := newTable("TYPE", "SCOPE", "SENDER", "CONTENT")
	for _, raw := range resp.Events {
		ev, err := event.Parse(raw)
		if err != nil {
			continue
		}
		scope := ""
		if ev.Scope != nil {
			scope = *ev.Scope
		}
		t.Row(ev.Type, scope, ev.Sender, compact(ev.Content, 48))
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, t.Render())
}

func renderSync(resp server.SyncResponse) string {
	t := newTable("POS", "CHANNEL", "TYPE", "SENDER", "CONTENT")
	for _, e := range resp.Events {
		ev, err := event.Parse(e.Event)
		if err != nil {
			continue
		}
		t.Row(fmt.Sprintf("%d", e.Position), e.Channel, ev.Type, ev.Sender, compact(ev.Content, 40))
	}
	return t.Render()
}

// compact renders JSON content on one line, truncated to limit runes
func compact(content json.RawMessage, limit int) string {
	s := strings.Join(strings.Fields(string(content)), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-1]) + "…"
	}
	return s
}
