package decision

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/provider"
	"github.com/mattjoyce/switchboard/internal/tenant"
)

func TestLookupAgent(t *testing.T) {
	agents := fakeAgents{byPhone: map[string]*tenant.Agent{
		"i1|+15550002": {ID: "a1", Name: "Front desk"},
		"i1|+15550003": {ID: "a2"},
	}}
	fn := LookupAgent(agents)
	in := resolved(tenant.Credentials{})

	tests := []struct {
		name    string
		args    string
		want    string
		wantErr bool
	}{
		{"object arguments", `{"phone_number":"+15550002"}`, "Front desk", false},
		{"string arguments", `"{\"phone_number\":\"+15550002\"}"`, "Front desk", false},
		{"agent without name", `{"phone_number":"+15550003"}`, UnknownAgent, false},
		{"no agent", `{"phone_number":"+15559999"}`, UnknownAgent, false},
		{"missing number", `{}`, "", true},
		{"malformed", `[1]`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fn(context.Background(), in, json.RawMessage(tt.args))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := LookupAgent(fakeAgents{err: errors.New("db down")})(context.Background(), in, json.RawMessage(`{"phone_number":"+1"}`))
	assert.Error(t, err)
}

func TestLookupAgentThroughToolCalls(t *testing.T) {
	agents := fakeAgents{byPhone: map[string]*tenant.Agent{"i1|+15550002": {ID: "a1", Name: "Front desk"}}}
	b := NewBuilder(agents, log.Discard())
	b.RegisterTool(LookupAgentTool, LookupAgent(agents))

	p := decode(t, provider.Vapi, `{"message":{"type":"tool-calls","call":{"id":"c1"},"toolCallList":[
		{"id":"tc1","function":{"name":"lookup_agent","arguments":{"phone_number":"+15550002"}}}]}}`)

	first := build(t, b, resolved(tenant.Credentials{}), p)
	assert.Equal(t, map[string]any{"results": []any{
		map[string]any{"toolCallId": "tc1", "result": "Front desk"},
	}}, first)
	assert.Equal(t, first, build(t, b, resolved(tenant.Credentials{}), p), "a redelivery gets the same answer")
}
