package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/switchboard/internal/provider"
)

// TelnyxEvent is a v2 webhook envelope for messaging and call control.
type TelnyxEvent struct {
	ID         string
	Type       string
	OccurredAt time.Time
	Payload    TelnyxPayload
}

// TelnyxPayload is the union of the message and call payload fields used.
type TelnyxPayload struct {
	// Messaging.
	MessageID string        `json:"id"`
	Direction string        `json:"direction"`
	From      telnyxNumbers `json:"from"`
	To        telnyxNumbers `json:"to"`
	Cost      *struct {
		Amount string `json:"amount"`
	} `json:"cost"`
	Errors []struct {
		Code string `json:"code"`
	} `json:"errors"`

	// Call control.
	CallControlID string `json:"call_control_id"`
	CallSessionID string `json:"call_session_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	RecordingURLs struct {
		MP3 string `json:"mp3"`
		WAV string `json:"wav"`
	} `json:"recording_urls"`
	PublicRecordingURLs struct {
		MP3 string `json:"mp3"`
		WAV string `json:"wav"`
	} `json:"public_recording_urls"`
}

// telnyxNumbers accepts "+1555…", {"phone_number":"+1555…","status":"…"} or
// a list of those objects.
type telnyxNumbers []telnyxNumber

type telnyxNumber struct {
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
}

func (n *telnyxNumbers) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*n = nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = telnyxNumbers{{PhoneNumber: s}}
	case b[0] == '{':
		var one telnyxNumber
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*n = telnyxNumbers{one}
	default:
		var many []telnyxNumber
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*n = many
	}
	return nil
}

func (n telnyxNumbers) first() telnyxNumber {
	if len(n) == 0 {
		return telnyxNumber{}
	}
	return n[0]
}

func (TelnyxEvent) Provider() provider.ID { return provider.Telnyx }
func (TelnyxEvent) sealed()               {}
func (p TelnyxEvent) EventType() string   { return p.Type }
func (p TelnyxEvent) Ident() Ident {
	return Ident{NativeID: p.ID, Subtype: p.Type}
}

func (p TelnyxEvent) isMessage() bool { return strings.HasPrefix(p.Type, "message.") }

func decodeTelnyx(body []byte) (Payload, error) {
	var env struct {
		Data struct {
			ID         string        `json:"id"`
			EventType  string        `json:"event_type"`
			OccurredAt string        `json:"occurred_at"`
			Payload    TelnyxPayload `json:"payload"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Data.ID == "" || env.Data.EventType == "" {
		return nil, errors.New("missing data.id or data.event_type")
	}
	ev := TelnyxEvent{ID: env.Data.ID, Type: env.Data.EventType, Payload: env.Data.Payload}
	if t, err := time.Parse(time.RFC3339Nano, env.Data.OccurredAt); err == nil {
		ev.OccurredAt = t
	}
	return ev, nil
}

var telnyxDeliveryStatuses = map[string]string{
	"delivered":            StatusDelivered,
	"delivery_failed":      StatusFailed,
	"sending_failed":       StatusFailed,
	"delivery_unconfirmed": StatusFailed,
	"webhook_delivered":    StatusReceived,
}

var telnyxEventStatuses = map[string]string{
	"call.initiated":       StatusRinging,
	"call.answered":        StatusInProgress,
	"call.hangup":          StatusCompleted,
	"call.recording.saved": StatusCompleted,
	"message.received":     StatusReceived,
	"message.finalized":    StatusSent,
	"message.sent":         StatusSent,
}

func telnyxEventToCanonical(p TelnyxEvent, now time.Time) Event {
	pl := p.Payload
	ev := Event{
		EventType: p.Type,
		Direction: DirectionOutbound,
		From:      pl.From.first().PhoneNumber,
		To:        pl.To.first().PhoneNumber,
		Timestamp: p.OccurredAt,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if strings.EqualFold(pl.Direction, "inbound") || strings.EqualFold(pl.Direction, "incoming") {
		ev.Direction = DirectionInbound
	}

	if p.isMessage() {
		ev.Record = RecordMessage
		ev.RecordNativeID = pl.MessageID
		ev.Status = mapStatus(telnyxEventStatuses, p.Type)
		if ds := pl.To.first().Status; ds != "" {
			if s, ok := telnyxDeliveryStatuses[ds]; ok {
				ev.Status = s
			}
		}
		if ev.Status == StatusReceived {
			ev.Direction = DirectionInbound
		}
		if ev.Status == StatusDelivered {
			t := ev.Timestamp
			ev.DeliveredAt = &t
		}
		if pl.Cost != nil {
			if f, err := strconv.ParseFloat(pl.Cost.Amount, 64); err == nil {
				ev.CostAmount = floatPtr(f)
			}
		}
		if len(pl.Errors) > 0 {
			ev.ErrorCode = pl.Errors[0].Code
		}
		return ev
	}

	ev.Record = RecordCall
	ev.RecordNativeID = firstNonEmpty(pl.CallSessionID, pl.CallControlID)
	ev.Status = mapStatus(telnyxEventStatuses, p.Type)
	ev.RecordingURL = firstNonEmpty(pl.RecordingURLs.MP3, pl.RecordingURLs.WAV,
		pl.PublicRecordingURLs.MP3, pl.PublicRecordingURLs.WAV)
	start, err1 := time.Parse(time.RFC3339Nano, pl.StartTime)
	end, err2 := time.Parse(time.RFC3339Nano, pl.EndTime)
	if err1 == nil && err2 == nil && end.After(start) {
		ev.DurationSeconds = floatPtr(end.Sub(start).Seconds())
	}
	return ev
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
