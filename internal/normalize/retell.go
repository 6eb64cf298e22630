package normalize

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mattjoyce/switchboard/internal/idempotency"
	"github.com/mattjoyce/switchboard/internal/provider"
)

// Retell event names.
const (
	RetellCallInbound  = "call_inbound"
	RetellCallStarted  = "call_started"
	RetellCallEnded    = "call_ended"
	RetellCallAnalyzed = "call_analyzed"
)

// RetellEvent is a Retell webhook or inbound-call request.
type RetellEvent struct {
	Event   string
	Call    RetellCall
	Inbound *RetellInbound
	// contentID identifies call_inbound requests, which carry no call id.
	contentID string
}

// RetellCall is the call object of lifecycle events.
type RetellCall struct {
	CallID              string  `json:"call_id"`
	AgentID             string  `json:"agent_id"`
	FromNumber          string  `json:"from_number"`
	ToNumber            string  `json:"to_number"`
	Direction           string  `json:"direction"`
	CallStatus          string  `json:"call_status"`
	StartTimestamp      int64   `json:"start_timestamp"`
	EndTimestamp        int64   `json:"end_timestamp"`
	Transcript          string  `json:"transcript"`
	RecordingURL        string  `json:"recording_url"`
	DisconnectionReason string  `json:"disconnection_reason"`
	CallCost            *struct {
		CombinedCost float64 `json:"combined_cost"`
	} `json:"call_cost"`
}

// RetellInbound is the body of a call_inbound request.
type RetellInbound struct {
	AgentID    string `json:"agent_id"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
}

func (RetellEvent) Provider() provider.ID { return provider.Retell }
func (RetellEvent) sealed()               {}
func (p RetellEvent) EventType() string   { return p.Event }
func (p RetellEvent) Ident() Ident {
	if p.Event == RetellCallInbound {
		return Ident{NativeID: p.contentID, Subtype: p.Event}
	}
	return Ident{NativeID: p.Call.CallID, Subtype: p.Event}
}

// InlineDecision reports whether the event requires a decision in the
// webhook response.
func (p RetellEvent) InlineDecision() bool { return p.Event == RetellCallInbound }

func decodeRetell(body []byte) (Payload, error) {
	var env struct {
		Event       string         `json:"event"`
		Call        RetellCall     `json:"call"`
		CallInbound *RetellInbound `json:"call_inbound"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, errors.New("missing event")
	}
	p := RetellEvent{Event: env.Event, Call: env.Call, Inbound: env.CallInbound}
	if p.Event == RetellCallInbound {
		if p.Inbound == nil {
			return nil, errors.New("call_inbound without call_inbound object")
		}
		// A retried request has an identical body, so its digest is stable.
		p.contentID = idempotency.ContentID(body)
		return p, nil
	}
	if p.Call.CallID == "" {
		return nil, errors.New("missing call.call_id")
	}
	return p, nil
}

var retellStatuses = map[string]string{
	RetellCallStarted:  StatusInProgress,
	RetellCallEnded:    StatusCompleted,
	RetellCallAnalyzed: StatusCompleted,
	RetellCallInbound:  StatusRinging,
}

func retellEvent(p RetellEvent, now time.Time) Event {
	if p.Event == RetellCallInbound {
		return Event{
			EventType: p.Event,
			Direction: DirectionInbound,
			From:      p.Inbound.FromNumber,
			To:        p.Inbound.ToNumber,
			Status:    StatusRinging,
			Timestamp: now,
			AgentRef:  p.Inbound.AgentID,
		}
	}

	c := p.Call
	ev := Event{
		EventType:      p.Event,
		Direction:      DirectionInbound,
		From:           c.FromNumber,
		To:             c.ToNumber,
		Status:         mapStatus(retellStatuses, p.Event),
		Transcript:     c.Transcript,
		RecordingURL:   c.RecordingURL,
		Timestamp:      now,
		Record:         RecordCall,
		RecordNativeID: c.CallID,
		AgentRef:       c.AgentID,
	}
	if strings.EqualFold(c.Direction, "outbound") {
		ev.Direction = DirectionOutbound
	}
	if ev.Status == StatusCompleted && strings.HasPrefix(c.DisconnectionReason, "error") {
		ev.Status = StatusFailed
	}
	switch {
	case c.EndTimestamp > 0:
		ev.Timestamp = time.UnixMilli(c.EndTimestamp).UTC()
	case c.StartTimestamp > 0:
		ev.Timestamp = time.UnixMilli(c.StartTimestamp).UTC()
	}
	if c.StartTimestamp > 0 && c.EndTimestamp > c.StartTimestamp {
		ev.DurationSeconds = floatPtr(float64(c.EndTimestamp-c.StartTimestamp) / 1000)
	}
	if c.CallCost != nil {
		// combined_cost is in cents.
		ev.CostAmount = floatPtr(c.CallCost.CombinedCost / 100)
	}
	return ev
}
