package inbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies a normalized inbox payload: signal (human/chat) versus
// noise (system/scribe).
type Kind string

const (
	KindHumanMessage      Kind = "HumanMessage"
	KindScribeResult      Kind = "ScribeResult"
	KindSystemEvent       Kind = "SystemEvent"
	KindStructuredMessage Kind = "StructuredMessage"
	KindRawMessage        Kind = "RawMessage"
	KindUnknown           Kind = "Unknown"
)

// Observed is the envelope extracted from a raw inbox payload. It is passed
// verbatim into the think cycle so the model sees sender and metadata.
type Observed struct {
	Raw       interface{}            `json:"raw"`
	EventType string                 `json:"event_type,omitempty"`
	From      string                 `json:"from,omitempty"`
	Meta      map[string]interface{} `json:"meta"`
	Content   interface{}            `json:"content,omitempty"`
	ActionID  string                 `json:"action_id,omitempty"`
}

// Normalized is the typed observation derived from one inbox item.
type Normalized struct {
	Observed Observed
	Kind     Kind
	Inferred bool
}

// Normalize turns a raw inbox payload into a typed observation.
// Classification (first match wins):
//
//	NewInboxMessage|NewChatMessage -> HumanMessage
//	TaskCompleted|ScribeResult     -> ScribeResult
//	SystemAlert|AlarmClock         -> SystemEvent
//	any other dict                 -> StructuredMessage
//	unparseable string             -> RawMessage
func Normalize(raw string) Normalized {
	norm := Normalized{
		Observed: Observed{Raw: raw, Meta: map[string]interface{}{}},
		Kind:     KindUnknown,
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || parsed == nil {
		norm.Observed.Content = raw
		norm.Kind = KindRawMessage
		norm.Inferred = true
		return norm
	}

	norm.Observed.Raw = parsed
	norm.Observed.EventType = stringField(parsed, "event_type", "event")
	norm.Observed.From = stringField(parsed, "from")
	if meta, ok := parsed["meta"].(map[string]interface{}); ok {
		norm.Observed.Meta = meta
	}
	norm.Observed.Content = parsed["content"]
	if norm.Observed.Content == nil {
		norm.Observed.Content = parsed["results"]
	}
	norm.Observed.ActionID = extractActionID(parsed, norm.Observed.Content, norm.Observed.Meta)

	switch norm.Observed.EventType {
	case "NewInboxMessage", "NewChatMessage":
		norm.Kind = KindHumanMessage
	case "TaskCompleted", "ScribeResult":
		norm.Kind = KindScribeResult
	case "SystemAlert", "AlarmClock":
		norm.Kind = KindSystemEvent
	default:
		norm.Kind = KindStructuredMessage
	}
	return norm
}

// extractActionID searches top level, then content/results, then meta.
// Finding the UUID anywhere prevents identical results from being deduped
// as duplicates of each other.
func extractActionID(top map[string]interface{}, content interface{}, meta map[string]interface{}) string {
	if id := stringField(top, "action_id"); id != "" {
		return strings.TrimSpace(id)
	}
	if c, ok := content.(map[string]interface{}); ok {
		if id := stringField(c, "action_id", "actionId", "task_id", "id"); id != "" {
			return strings.TrimSpace(id)
		}
	}
	if id := stringField(meta, "action_id"); id != "" {
		return strings.TrimSpace(id)
	}
	return ""
}

// IsMaintenance reports whether the payload is background work reporting
// completion. Maintenance messages must always run: they bypass dedupe and
// never trigger an LLM call.
func (n Normalized) IsMaintenance() bool {
	meta := n.Observed.Meta
	if meta == nil {
		return false
	}
	if b, ok := meta["maintenance"].(bool); ok && b {
		return true
	}
	if _, ok := meta["source_tier_1"]; ok {
		return true
	}
	if mode, ok := meta["mode"].(string); ok && mode == "summarize" {
		return true
	}
	return false
}

// Envelope renders the observation as the map the think cycle receives, so
// the model sees sender, metadata and the raw payload together.
func (n Normalized) Envelope() map[string]interface{} {
	env := map[string]interface{}{
		"raw":  n.Observed.Raw,
		"meta": n.Observed.Meta,
	}
	if n.Observed.EventType != "" {
		env["event_type"] = n.Observed.EventType
	}
	if n.Observed.From != "" {
		env["from"] = n.Observed.From
	}
	if n.Observed.Content != nil {
		env["content"] = n.Observed.Content
	}
	if n.Observed.ActionID != "" {
		env["action_id"] = n.Observed.ActionID
	}
	return env
}

// ContentString renders the observed content as text.
func (n Normalized) ContentString() string {
	switch c := n.Observed.Content.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(b)
	}
}

func stringField(m map[string]interface{}, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
