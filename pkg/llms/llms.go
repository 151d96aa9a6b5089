package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/indoria/guppi/pkg/config"
)

// apiTimeout covers one full generation call, including long Pro reasoning.
const apiTimeout = 300 * time.Second

// Decision is a parsed model response: what the agent thought and what it
// wants to do next.
type Decision struct {
	Reasoning        string
	Action           map[string]interface{}
	ThoughtSignature string
}

// Tool returns the tool name of the decided action, or "" when absent.
func (d Decision) Tool() string {
	if d.Action == nil {
		return ""
	}
	name, _ := d.Action["tool"].(string)
	return name
}

// OutputError signals that the model produced text json.Unmarshal hates.
// The caller retries once with the stronger model before giving up.
type OutputError struct {
	Cause error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("invalid model output: %v", e.Cause)
}

func (e *OutputError) Unwrap() error { return e.Cause }

// Provider is a single generation call against one model.
type Provider interface {
	Generate(ctx context.Context, model, prompt string) (Decision, error)
}

// NewProvider picks the configured backend. Anything other than "openrouter"
// falls through to Google.
func NewProvider(cfg *config.Config) Provider {
	if cfg.LLMProvider == "openrouter" {
		return newOpenRouter(cfg)
	}
	return newGemini(cfg)
}

var jsonBlock = regexp.MustCompile(`(?s)\{.*\}`)

// parseDecision extracts the outermost JSON object from raw model text.
// Any thought signature the model echoed in-band is scrubbed; only the
// out-of-band signature from response metadata is trusted.
func parseDecision(text, thoughtSig string) (Decision, error) {
	clean := text
	if match := jsonBlock.FindString(text); match != "" {
		clean = match
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(clean), &parsed); err != nil {
		return Decision{}, &OutputError{Cause: err}
	}

	delete(parsed, "thought_signature")
	delete(parsed, "thoughtSignature")

	d := Decision{ThoughtSignature: thoughtSig}
	d.Reasoning, _ = parsed["reasoning"].(string)
	if d.Reasoning == "" {
		d.Reasoning = "No reasoning provided."
	}
	d.Action, _ = parsed["action"].(map[string]interface{})
	return d, nil
}

// fallbackDecision is returned instead of an error when the API itself
// fails; the agent goes back to sleep rather than crash-looping.
func fallbackDecision(reason string) Decision {
	return Decision{
		Reasoning: reason,
		Action:    map[string]interface{}{"tool": "hibernate"},
	}
}
