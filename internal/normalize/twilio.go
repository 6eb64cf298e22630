package normalize

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/switchboard/internal/provider"
)

// TwilioMessageStatus is a messaging status callback.
type TwilioMessageStatus struct {
	MessageSID string
	Status     string
	From       string
	To         string
	ErrorCode  string
	Price      string
	AccountSID string
}

// TwilioCallStatus is a voice status or recording callback.
type TwilioCallStatus struct {
	CallSID      string
	Status       string
	From         string
	To           string
	Direction    string
	Duration     string
	RecordingURL string
	RecordingSID string
	Price        string
	AccountSID   string
}

func (TwilioMessageStatus) Provider() provider.ID { return provider.Twilio }
func (TwilioMessageStatus) sealed()               {}
func (p TwilioMessageStatus) EventType() string   { return "message." + p.Status }
func (p TwilioMessageStatus) Ident() Ident {
	return Ident{NativeID: p.MessageSID, Subtype: p.Status}
}

func (TwilioCallStatus) Provider() provider.ID { return provider.Twilio }
func (TwilioCallStatus) sealed()               {}
func (p TwilioCallStatus) EventType() string {
	if p.RecordingSID != "" {
		return "call.recording"
	}
	return "call." + p.Status
}
func (p TwilioCallStatus) Ident() Ident {
	if p.RecordingSID != "" {
		return Ident{NativeID: p.CallSID, Subtype: "recording." + p.RecordingSID}
	}
	return Ident{NativeID: p.CallSID, Subtype: p.Status}
}

func decodeTwilio(body []byte) (Payload, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(form.Get(k)); v != "" {
				return v
			}
		}
		return ""
	}

	if sid := first("MessageSid", "SmsSid"); sid != "" {
		return TwilioMessageStatus{
			MessageSID: sid,
			Status:     strings.ToLower(first("MessageStatus", "SmsStatus")),
			From:       first("From"),
			To:         first("To"),
			ErrorCode:  first("ErrorCode"),
			Price:      first("Price"),
			AccountSID: first("AccountSid"),
		}, nil
	}
	if sid := first("CallSid"); sid != "" {
		return TwilioCallStatus{
			CallSID:      sid,
			Status:       strings.ToLower(first("CallStatus")),
			From:         first("From", "Caller"),
			To:           first("To", "Called"),
			Direction:    first("Direction"),
			Duration:     first("CallDuration", "RecordingDuration"),
			RecordingURL: first("RecordingUrl"),
			RecordingSID: first("RecordingSid"),
			Price:        first("Price"),
			AccountSID:   first("AccountSid"),
		}, nil
	}
	return nil, errors.New("no MessageSid or CallSid")
}

var twilioMessageStatuses = map[string]string{
	"delivered":   StatusDelivered,
	"failed":      StatusFailed,
	"undelivered": StatusFailed,
	"received":    StatusReceived,
	"receiving":   StatusReceived,
}

var twilioCallStatuses = map[string]string{
	"completed":   StatusCompleted,
	"busy":        StatusFailed,
	"failed":      StatusFailed,
	"no-answer":   StatusFailed,
	"canceled":    StatusFailed,
	"ringing":     StatusRinging,
	"in-progress": StatusInProgress,
}

func twilioMessageEvent(p TwilioMessageStatus, now time.Time) Event {
	status := mapStatus(twilioMessageStatuses, p.Status)
	ev := Event{
		EventType:      p.EventType(),
		Direction:      DirectionOutbound,
		From:           p.From,
		To:             p.To,
		Status:         status,
		Timestamp:      now,
		Record:         RecordMessage,
		RecordNativeID: p.MessageSID,
		ErrorCode:      p.ErrorCode,
		CostAmount:     parseCost(p.Price),
	}
	if status == StatusReceived {
		ev.Direction = DirectionInbound
	}
	if status == StatusDelivered {
		t := now
		ev.DeliveredAt = &t
	}
	return ev
}

func twilioCallEvent(p TwilioCallStatus, now time.Time) Event {
	ev := Event{
		EventType:      p.EventType(),
		Direction:      DirectionOutbound,
		From:           p.From,
		To:             p.To,
		Status:         mapStatus(twilioCallStatuses, p.Status),
		Timestamp:      now,
		Record:         RecordCall,
		RecordNativeID: p.CallSID,
		RecordingURL:   p.RecordingURL,
		CostAmount:     parseCost(p.Price),
	}
	if strings.HasPrefix(p.Direction, "inbound") {
		ev.Direction = DirectionInbound
	}
	if p.RecordingSID != "" && p.Status == "" {
		ev.Status = StatusCompleted
	}
	if d, err := strconv.ParseFloat(p.Duration, 64); err == nil {
		ev.DurationSeconds = floatPtr(d)
	}
	return ev
}

// parseCost reads Twilio's signed price strings ("-0.00750").
func parseCost(s string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return floatPtr(math.Abs(f))
}

// mapStatus looks up a vendor status; anything unmapped is sent.
func mapStatus(table map[string]string, vendor string) string {
	if s, ok := table[strings.ToLower(strings.TrimSpace(vendor))]; ok {
		return s
	}
	return StatusSent
}
