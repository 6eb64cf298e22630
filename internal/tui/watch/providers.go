package watch

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/switchboard/internal/events"
)

// ProviderState tallies deliveries seen for one provider since the watch
// started.
type ProviderState struct {
	Name       string
	Processed  int
	Duplicates int
	Rejected   int
	LastReason string
	LastSeen   time.Time
}

// activityData is the payload the gateway attaches to each event.
type activityData struct {
	ReceiptID string `json:"receipt_id"`
	Provider  string `json:"provider"`
	TenantID  string `json:"tenant_id"`
	EventType string `json:"event_type"`
	Reason    string `json:"reason"`
	Inline    bool   `json:"inline"`
}

func decodeActivity(e events.Event) activityData {
	var a activityData
	_ = json.Unmarshal(e.Data, &a)
	return a
}

// updateProviderState folds one event into the tallies.
func updateProviderState(providers map[string]*ProviderState, e events.Event, now time.Time) {
	a := decodeActivity(e)
	if a.Provider == "" {
		return
	}
	p, ok := providers[a.Provider]
	if !ok {
		p = &ProviderState{Name: a.Provider}
		providers[a.Provider] = p
	}
	p.LastSeen = now

	switch e.Type {
	case events.TypeProcessed:
		p.Processed++
	case events.TypeDuplicate:
		p.Duplicates++
	case events.TypeRejected:
		p.Rejected++
		p.LastReason = a.Reason
	}
}

func newProviderTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Provider", Width: 10},
			{Title: "Processed", Width: 10},
			{Title: "Duplicate", Width: 10},
			{Title: "Rejected", Width: 10},
			{Title: "Last reason", Width: 20},
			{Title: "Last seen", Width: 10},
		}),
		table.WithHeight(5),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)
	return t
}

// providerRows renders the tallies in stable name order.
func providerRows(providers map[string]*ProviderState, now time.Time) []table.Row {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		p := providers[name]
		reason := p.LastReason
		if reason == "" {
			reason = "-"
		}
		rows = append(rows, table.Row{
			p.Name,
			strconv.Itoa(p.Processed),
			strconv.Itoa(p.Duplicates),
			strconv.Itoa(p.Rejected),
			reason,
			formatAgo(now.Sub(p.LastSeen)),
		})
	}
	return rows
}

func renderProviders(t table.Model, empty bool, theme Theme, width int) string {
	innerWidth := width - 4
	if empty {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("PROVIDERS"),
			theme.Dim.Render("  No deliveries yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("PROVIDERS"),
		t.View(),
	)
	return theme.Border.Width(innerWidth).Render(content)
}
