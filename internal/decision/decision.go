// Package decision builds the synchronous response a provider receives in
// the body of its own webhook request.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/mattjoyce/switchboard/internal/normalize"
	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

// ToolUnavailable is the result of a tool call with no registered handler.
const ToolUnavailable = "unavailable"

// TransferMessage is spoken to the caller before a transfer.
const TransferMessage = "Please hold while I transfer your call."

// Decision is a ready-to-write response body.
type Decision struct {
	ContentType string
	Body        []byte
}

// Write sends the decision with status 200.
func (d Decision) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", d.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.Body)
}

// Ack returns the provider's plain acknowledgement.
func Ack(id provider.ID) Decision {
	if id == provider.Twilio {
		return Decision{ContentType: "text/xml", Body: []byte(`<?xml version="1.0" encoding="UTF-8"?><Response/>`)}
	}
	return Decision{ContentType: "application/json", Body: []byte(`{"received":true}`)}
}

// AgentLookup finds agents by number within one integration.
type AgentLookup interface {
	AgentByPhone(ctx context.Context, integrationID, phone string) (*tenant.Agent, error)
}

// Tool answers one named tool or function call. args is the raw JSON the
// provider sent. A redelivered request runs its tools again, so a tool must
// be idempotent: read-only, or keyed on its arguments.
type Tool func(ctx context.Context, in *tenant.Resolved, args json.RawMessage) (string, error)

// Builder classifies payloads and builds inline decisions. Decisions depend
// only on the payload and read-only lookups, so a redelivered request gets
// the same answer as the first one.
type Builder struct {
	agents AgentLookup
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]Tool
}

func NewBuilder(agents AgentLookup, logger *slog.Logger) *Builder {
	return &Builder{agents: agents, logger: logger, tools: make(map[string]Tool)}
}

// RegisterTool adds or replaces the handler for a tool name.
func (b *Builder) RegisterTool(name string, fn Tool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tools[name] = fn
}

// Tools lists registered tool names.
func (b *Builder) Tools() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.tools))
	for name := range b.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Builder) tool(name string) (Tool, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.tools[name]
	return fn, ok
}

// Build returns the inline decision for p. The bool is false for payloads
// that are acknowledged instead.
func (b *Builder) Build(ctx context.Context, in *tenant.Resolved, p normalize.Payload) (Decision, bool, error) {
	var (
		body any
		err  error
	)
	switch v := p.(type) {
	case normalize.VapiMessage:
		if !v.InlineDecision() {
			return Decision{}, false, nil
		}
		body, err = b.vapi(ctx, in, v)
	case normalize.RetellEvent:
		if !v.InlineDecision() {
			return Decision{}, false, nil
		}
		body, err = b.retellInbound(ctx, in, v)
	default:
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, true, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Decision{}, true, fmt.Errorf("marshal decision: %w", err)
	}
	return Decision{ContentType: "application/json", Body: raw}, true, nil
}

type errorBody struct {
	Error string `json:"error"`
}

type assistantBody struct {
	AssistantID string `json:"assistantId"`
}

type toolResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
}

type toolResultsBody struct {
	Results []toolResult `json:"results"`
}

type functionResultBody struct {
	Result string `json:"result"`
}

type destination struct {
	Type    string `json:"type"`
	Number  string `json:"number"`
	Message string `json:"message"`
}

type transferBody struct {
	Destination destination `json:"destination"`
}

func (b *Builder) vapi(ctx context.Context, in *tenant.Resolved, m normalize.VapiMessage) (any, error) {
	switch m.Type {
	case normalize.VapiAssistantRequest:
		agent, err := b.agents.AgentByPhone(ctx, in.ID, m.PhoneNumber)
		if err != nil {
			return nil, err
		}
		if agent != nil && agent.ProviderAgentID != "" {
			return assistantBody{AssistantID: agent.ProviderAgentID}, nil
		}
		if in.Credentials.DefaultAssistantID != "" {
			return assistantBody{AssistantID: in.Credentials.DefaultAssistantID}, nil
		}
		return errorBody{Error: "no assistant is configured for this number"}, nil

	case normalize.VapiToolCalls:
		out := toolResultsBody{Results: make([]toolResult, 0, len(m.ToolCalls))}
		for _, tc := range m.ToolCalls {
			out.Results = append(out.Results, toolResult{
				ToolCallID: tc.ID,
				Result:     b.runTool(ctx, in, tc.Function.Name, tc.Function.Arguments),
			})
		}
		return out, nil

	case normalize.VapiFunctionCall:
		if m.FunctionCall == nil {
			return functionResultBody{Result: ToolUnavailable}, nil
		}
		return functionResultBody{Result: b.runTool(ctx, in, m.FunctionCall.Name, m.FunctionCall.Parameters)}, nil

	case normalize.VapiTransferRequest:
		number := in.Credentials.TransferNumber
		agent, err := b.agents.AgentByPhone(ctx, in.ID, m.PhoneNumber)
		if err != nil {
			return nil, err
		}
		if agent != nil && agent.TransferNumber != "" {
			number = agent.TransferNumber
		}
		if number == "" {
			return errorBody{Error: "no transfer destination is configured"}, nil
		}
		return transferBody{Destination: destination{Type: "number", Number: number, Message: TransferMessage}}, nil
	}
	return nil, fmt.Errorf("vapi message %q has no inline decision", m.Type)
}

// runTool never fails the whole response: a failing or missing tool yields
// ToolUnavailable for that call only.
func (b *Builder) runTool(ctx context.Context, in *tenant.Resolved, name string, args json.RawMessage) string {
	fn, ok := b.tool(name)
	if !ok {
		return ToolUnavailable
	}
	result, err := fn(ctx, in, args)
	if err != nil {
		b.logger.Warn("tool call failed", "tool", name, "integration_id", in.ID, "error", err)
		return ToolUnavailable
	}
	return result
}

type inboundOverride struct {
	OverrideAgentID  string            `json:"override_agent_id,omitempty"`
	DynamicVariables map[string]string `json:"dynamic_variables"`
}

type inboundBody struct {
	CallInbound inboundOverride `json:"call_inbound"`
}

func (b *Builder) retellInbound(ctx context.Context, in *tenant.Resolved, e normalize.RetellEvent) (any, error) {
	out := inboundOverride{DynamicVariables: map[string]string{
		"caller_number": e.Inbound.FromNumber,
		"tenant_id":     in.TenantID,
	}}
	agent, err := b.agents.AgentByPhone(ctx, in.ID, e.Inbound.ToNumber)
	if err != nil {
		return nil, err
	}
	if agent != nil {
		out.OverrideAgentID = agent.ProviderAgentID
		if agent.Name != "" {
			out.DynamicVariables["agent_name"] = agent.Name
		}
	}
	return inboundBody{CallInbound: out}, nil
}
