package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/switchboard/internal/events"
)

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{ err error }

type reconnectMsg struct{}

// subscribeToEvents streams /events into ch until the connection drops.
// lastID resumes after the newest event already shown.
func subscribeToEvents(apiURL, apiKey string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events", nil)
		if err != nil {
			return errMsg(err)
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{err: fmt.Errorf("events: status %d", resp.StatusCode)}
		}

		return sseDisconnectedMsg{err: readStream(resp.Body, ch)}
	}
}

// readStream parses SSE frames from r and sends each as an event.
func readStream(r io.Reader, ch chan<- events.Event) error {
	scanner := bufio.NewScanner(r)
	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if cur.Data != nil {
				cur.At = time.Now()
				ch <- cur
			}
			cur = events.Event{}
			continue
		}

		field, value, _ := strings.Cut(line, ": ")
		switch field {
		case "id":
			if id, err := strconv.ParseInt(value, 10, 64); err == nil {
				cur.ID = id
			}
		case "event":
			cur.Type = value
		case "data":
			cur.Data = []byte(value)
		}
	}
	return scanner.Err()
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return healthMsg{Status: "unhealthy"}
	}
	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
