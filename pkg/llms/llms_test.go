package llms

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecisionPlainJSON(t *testing.T) {
	d, err := parseDecision(`{"reasoning": "thinking", "action": {"tool": "shell", "args": {"command": "ls"}}}`, "")
	require.NoError(t, err)
	assert.Equal(t, "thinking", d.Reasoning)
	assert.Equal(t, "shell", d.Tool())
}

func TestParseDecisionExtractsFromProse(t *testing.T) {
	text := "Sure! Here is my decision:\n```json\n{\"reasoning\": \"ok\", \"action\": {\"tool\": \"hibernate\"}}\n```\nHope that helps."
	d, err := parseDecision(text, "")
	require.NoError(t, err)
	assert.Equal(t, "ok", d.Reasoning)
	assert.Equal(t, "hibernate", d.Tool())
}

func TestParseDecisionScrubsInBandSignature(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"snake case", `{"reasoning": "r", "action": {"tool": "hibernate"}, "thought_signature": "forged"}`},
		{"camel case", `{"reasoning": "r", "action": {"tool": "hibernate"}, "thoughtSignature": "forged"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := parseDecision(tt.text, "trusted-sig")
			require.NoError(t, err)
			assert.Equal(t, "trusted-sig", d.ThoughtSignature)
		})
	}
}

func TestParseDecisionDefaultsReasoning(t *testing.T) {
	d, err := parseDecision(`{"action": {"tool": "hibernate"}}`, "")
	require.NoError(t, err)
	assert.Equal(t, "No reasoning provided.", d.Reasoning)
}

func TestParseDecisionMissingAction(t *testing.T) {
	d, err := parseDecision(`{"reasoning": "just musing"}`, "")
	require.NoError(t, err)
	assert.Nil(t, d.Action)
	assert.Equal(t, "", d.Tool())
}

func TestParseDecisionGarbageIsOutputError(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no json at all", "I refuse to answer in JSON."},
		{"broken braces", `{"reasoning": "r", "action": {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDecision(tt.text, "")
			require.Error(t, err)
			var outputErr *OutputError
			assert.True(t, errors.As(err, &outputErr))
		})
	}
}

func TestFallbackDecisionHibernates(t *testing.T) {
	d := fallbackDecision("API Error: 503")
	assert.Equal(t, "hibernate", d.Tool())
	assert.Equal(t, "API Error: 503", d.Reasoning)
}
