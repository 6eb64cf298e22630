package normalize

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/switchboard/internal/idempotency"
	"github.com/mattjoyce/switchboard/internal/provider"
)

// Vapi server message types.
const (
	VapiAssistantRequest   = "assistant-request"
	VapiToolCalls          = "tool-calls"
	VapiFunctionCall       = "function-call"
	VapiTransferRequest    = "transfer-destination-request"
	VapiStatusUpdate       = "status-update"
	VapiEndOfCallReport    = "end-of-call-report"
	VapiTranscript         = "transcript"
	VapiConversationUpdate = "conversation-update"
)

// VapiMessage is a Vapi server message.
type VapiMessage struct {
	Type         string
	Status       string
	EndedReason  string
	Call         VapiCall
	Customer     string
	PhoneNumber  string
	Transcript   string
	RecordingURL string
	Cost         *float64
	Duration     *float64
	TimestampMS  int64
	ToolCalls    []VapiToolCall
	FunctionCall *VapiFunction
	fallbackID   string
}

// VapiCall is the call object embedded in every message.
type VapiCall struct {
	ID            string     `json:"id"`
	AssistantID   string     `json:"assistantId"`
	PhoneNumberID string     `json:"phoneNumberId"`
	Type          string     `json:"type"`
	Customer      vapiNumber `json:"customer"`
}

type vapiNumber struct {
	Number string `json:"number"`
}

// VapiToolCall is one entry of toolCallList.
type VapiToolCall struct {
	ID       string       `json:"id"`
	Function VapiFunction `json:"function"`
}

// VapiFunction names a function and its arguments.
type VapiFunction struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

func (VapiMessage) Provider() provider.ID { return provider.Vapi }
func (VapiMessage) sealed()               {}
func (p VapiMessage) EventType() string   { return p.Type }

// Ident keys on the call id. Tool calls key on the first tool call id and
// status updates include the status so each transition is distinct.
func (p VapiMessage) Ident() Ident {
	subtype := p.Type
	if p.Type == VapiStatusUpdate && p.Status != "" {
		subtype += "." + p.Status
	}
	if p.Type == VapiToolCalls && len(p.ToolCalls) > 0 && p.ToolCalls[0].ID != "" {
		return Ident{NativeID: p.ToolCalls[0].ID, Subtype: subtype}
	}
	if p.Type == VapiFunctionCall && p.FunctionCall != nil {
		subtype += "." + p.FunctionCall.Name
	}
	if p.Call.ID == "" {
		return Ident{NativeID: p.fallbackID, Subtype: subtype, Fallback: true}
	}
	return Ident{NativeID: p.Call.ID, Subtype: subtype}
}

// InlineDecision reports whether the message type requires a decision in the
// webhook response.
func (p VapiMessage) InlineDecision() bool {
	switch p.Type {
	case VapiAssistantRequest, VapiToolCalls, VapiFunctionCall, VapiTransferRequest:
		return true
	}
	return false
}

func decodeVapi(body []byte, now time.Time) (Payload, error) {
	var env struct {
		Message struct {
			Type         string      `json:"type"`
			Status       string      `json:"status"`
			EndedReason  string      `json:"endedReason"`
			Call         VapiCall    `json:"call"`
			Customer     *vapiNumber `json:"customer"`
			PhoneNumber  *vapiNumber `json:"phoneNumber"`
			Transcript   string      `json:"transcript"`
			RecordingURL string      `json:"recordingUrl"`
			Artifact     struct {
				Transcript   string `json:"transcript"`
				RecordingURL string `json:"recordingUrl"`
			} `json:"artifact"`
			Cost            *float64       `json:"cost"`
			DurationSeconds *float64       `json:"durationSeconds"`
			Timestamp       int64          `json:"timestamp"`
			ToolCallList    []VapiToolCall `json:"toolCallList"`
			ToolCalls       []VapiToolCall `json:"toolCalls"`
			FunctionCall    *VapiFunction  `json:"functionCall"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	m := env.Message
	if m.Type == "" {
		return nil, errors.New("missing message.type")
	}

	p := VapiMessage{
		Type:         m.Type,
		Status:       m.Status,
		EndedReason:  m.EndedReason,
		Call:         m.Call,
		Customer:     m.Call.Customer.Number,
		Transcript:   firstNonEmpty(m.Artifact.Transcript, m.Transcript),
		RecordingURL: firstNonEmpty(m.Artifact.RecordingURL, m.RecordingURL),
		Cost:         m.Cost,
		Duration:     m.DurationSeconds,
		TimestampMS:  m.Timestamp,
		ToolCalls:    m.ToolCallList,
		FunctionCall: m.FunctionCall,
	}
	if len(p.ToolCalls) == 0 {
		p.ToolCalls = m.ToolCalls
	}
	if m.Customer != nil && m.Customer.Number != "" {
		p.Customer = m.Customer.Number
	}
	if m.PhoneNumber != nil {
		p.PhoneNumber = m.PhoneNumber.Number
	}
	if p.Call.ID == "" {
		p.fallbackID = idempotency.FallbackID(now)
	}
	return p, nil
}

var vapiStatuses = map[string]string{
	"ended":       StatusCompleted,
	"in-progress": StatusInProgress,
	"ringing":     StatusRinging,
	"queued":      StatusRinging,
}

func vapiEvent(p VapiMessage, now time.Time) Event {
	ev := Event{
		EventType:       p.Type,
		Direction:       DirectionInbound,
		From:            p.Customer,
		To:              p.PhoneNumber,
		Status:          StatusSent,
		Transcript:      p.Transcript,
		RecordingURL:    p.RecordingURL,
		CostAmount:      p.Cost,
		DurationSeconds: p.Duration,
		Timestamp:       now,
		Record:          RecordCall,
		RecordNativeID:  p.Call.ID,
		AgentRef:        p.Call.AssistantID,
	}
	if p.TimestampMS > 0 {
		ev.Timestamp = time.UnixMilli(p.TimestampMS).UTC()
	}
	if p.Call.Type == "outboundPhoneCall" {
		ev.Direction = DirectionOutbound
		ev.From, ev.To = p.PhoneNumber, p.Customer
	}
	switch p.Type {
	case VapiStatusUpdate:
		ev.Status = mapStatus(vapiStatuses, p.Status)
	case VapiEndOfCallReport:
		ev.Status = StatusCompleted
	}
	if p.Call.ID == "" {
		ev.Record = RecordNone
	}
	return ev
}
