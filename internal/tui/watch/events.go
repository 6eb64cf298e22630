package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/switchboard/internal/events"
)

// maxStreamLines is how many events the stream panel shows.
const maxStreamLines = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("ACTIVITY"),
			theme.Dim.Render("  Waiting for deliveries..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= maxStreamLines {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("ACTIVITY"),
		body,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeProcessed:
		typeStyle = theme.StatusOK
	case events.TypeDuplicate:
		typeStyle = theme.StatusWarn
	case events.TypeRejected:
		typeStyle = theme.StatusFailed
	default:
		typeStyle = theme.Dim
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-18s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

// describeEvent summarizes the payload as "[receipt] provider/tenant detail".
func describeEvent(e events.Event) string {
	a := decodeActivity(e)
	if a.Provider == "" {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	var parts []string
	if id := a.ReceiptID; id != "" {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, "["+id+"]")
	}
	parts = append(parts, a.Provider+"/"+a.TenantID)
	if a.EventType != "" {
		parts = append(parts, a.EventType)
	}
	if a.Reason != "" {
		parts = append(parts, a.Reason)
	}
	if a.Inline {
		parts = append(parts, "inline")
	}
	return strings.Join(parts, " ")
}
