package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattjoyce/switchboard/internal/tenant"
)

// LookupAgentTool is the name the lookup_agent tool is registered under.
const LookupAgentTool = "lookup_agent"

// UnknownAgent is the lookup_agent result for a number with no agent.
const UnknownAgent = "unknown"

// LookupAgent answers lookup_agent with the name of the integration's agent
// on {"phone_number": "..."}. Vapi may send the arguments as a JSON-encoded
// string.
func LookupAgent(agents AgentLookup) Tool {
	return func(ctx context.Context, in *tenant.Resolved, args json.RawMessage) (string, error) {
		var raw string
		if json.Unmarshal(args, &raw) == nil {
			args = json.RawMessage(raw)
		}
		var a struct {
			PhoneNumber string `json:"phone_number"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return "", fmt.Errorf("decode %s arguments: %w", LookupAgentTool, err)
		}
		if a.PhoneNumber == "" {
			return "", errors.New("phone_number is required")
		}
		agent, err := agents.AgentByPhone(ctx, in.ID, a.PhoneNumber)
		if err != nil {
			return "", err
		}
		if agent == nil || agent.Name == "" {
			return UnknownAgent, nil
		}
		return agent.Name, nil
	}
}
