package cognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/indoria/guppi/pkg/bus"
	"github.com/indoria/guppi/pkg/journal"
	"github.com/indoria/guppi/pkg/llms"
	"github.com/indoria/guppi/pkg/prompt"
	"github.com/indoria/guppi/pkg/tools"
)

// flashForbidden lists tools the cheap chat tier may never run. Choosing one
// escalates the cycle to Pro instead of executing.
var flashForbidden = map[string]bool{
	"shell":        true,
	"write_file":   true,
	"spawn_agent":  true,
	"remote_exec":  true,
	"spawn_scribe": true,
}

// Cycle is one think-cycle request.
type Cycle struct {
	Event         map[string]interface{}
	ParentEventID string
	ForceModel    string
	SystemNotice  string
	Orientation   *prompt.Orientation

	retryCount int
}

// Thinker runs the perceive-think-act contract: governor check, model
// selection, LLM call with JSON repair, escalation, journalling, dispatch.
type Thinker struct {
	modelPro   string
	modelFlash string
	provider   llms.Provider
	assembler  *prompt.Assembler
	journal    *journal.Journal
	toolbox    *tools.Toolbox
	governor   *Governor
	busClient  bus.Client
	retry      bus.RetryPolicy
	agentName  func() string
}

type Options struct {
	ModelPro   string
	ModelFlash string
	Provider   llms.Provider
	Assembler  *prompt.Assembler
	Journal    *journal.Journal
	Toolbox    *tools.Toolbox
	Governor   *Governor
	Bus        bus.Client
	Retry      bus.RetryPolicy
	AgentName  func() string
}

func NewThinker(opts Options) *Thinker {
	return &Thinker{
		modelPro:   opts.ModelPro,
		modelFlash: opts.ModelFlash,
		provider:   opts.Provider,
		assembler:  opts.Assembler,
		journal:    opts.Journal,
		toolbox:    opts.Toolbox,
		governor:   opts.Governor,
		busClient:  opts.Bus,
		retry:      opts.Retry,
		agentName:  opts.AgentName,
	}
}

// Run executes one think cycle. It returns true when the Governor tripped,
// so the scheduler can impose its penalty cooldown.
func (t *Thinker) Run(ctx context.Context, c Cycle) (governorTripped bool) {
	urgent := isUrgent(c)
	if !urgent && !t.governor.Allow() {
		slog.Warn("governor limit reached, circuit breaker active")
		t.governor.SetStatus(ctx, "hibernating", "rate_limit")
		t.journal.AppendEvent(ctx, "SystemAlert", "Rate Limit Exceeded - Forcing 60s Cooldown", "GUPPI")
		return true
	}

	t.governor.SetStatus(ctx, "thinking", "")
	defer t.governor.SetStatus(ctx, "idle", "")

	// Deadman switch: if this cycle ends without reaching dispatch or a
	// crash report, something silenced us mid-thought. Tell the next cycle.
	cycleSuccess := false
	defer func() {
		if r := recover(); r != nil {
			slog.Error("think cycle panicked", "panic", r)
		}
		if !cycleSuccess {
			cycleID, _ := c.Event["id"].(string)
			slog.Error("cycle ghosted: event consumed with no outcome", "cycle_id", cycleID)
			t.pushSelfAlert(ctx, "AgentGhosted", fmt.Sprintf(
				"I stopped processing event %s without a crash log. I may have been silenced or timed out silently.", cycleID))
		}
	}()

	eventKind, _ := c.Event["event"].(string)
	isChat := eventKind == "Chat"

	model := c.ForceModel
	if model == "" {
		if isChat {
			model = t.modelFlash
		} else {
			model = t.modelPro
		}
	}
	isFlash := model == t.modelFlash
	slog.Info("think cycle", "event", eventKind, "model", model, "urgent", urgent)

	promptText := t.assembler.Build(ctx, c.Event, c.SystemNotice, c.Orientation)

	decision, err := t.provider.Generate(ctx, model, promptText)
	if err != nil {
		var outputErr *llms.OutputError
		if errors.As(err, &outputErr) {
			if c.retryCount < 1 {
				slog.Warn("malformed JSON from model, escalating for repair", "model", model)
				repair := c
				repair.ForceModel = t.modelPro
				repair.SystemNotice = fmt.Sprintf(
					"SYSTEM ALERT: Your last response was invalid JSON. The error was: %v. "+
						"You must fix the JSON syntax. Check for unescaped quotes in the log data.", outputErr)
				repair.retryCount = c.retryCount + 1
				cycleSuccess = true
				return t.Run(ctx, repair)
			}
			slog.Error("JSON repair failed after retry, giving up")
			decision = llms.Decision{
				Reasoning: "JSON Repair Failed twice. Safety Shutdown.",
				Action:    map[string]interface{}{"tool": "hibernate"},
			}
		} else {
			// Transport-level failure: record it and go back to sleep.
			slog.Error("LLM call failed", "error", err)
			failID := "fail-" + uuid.New().String()
			t.journal.AppendIntent(ctx, failID, c.ParentEventID,
				fmt.Sprintf("Error: %v", err), map[string]interface{}{"tool": "hibernate"}, "")
			t.pushSelfAlert(ctx, "CrashReport", fmt.Sprintf(
				"Use of LLM failed. Error: %s. Check logs.", truncateErr(err, 200)))
			cycleSuccess = true
			return false
		}
	}

	action := decision.Action
	if action == nil {
		action = map[string]interface{}{"tool": "hibernate"}
	}
	tool := decision.Tool()

	if isFlash && flashForbidden[tool] {
		slog.Warn("escalation: flash attempted forbidden tool", "tool", tool)
		t.journal.AppendEvent(ctx, "EscalationTrigger", "Denied Flash tool: "+tool, "GUPPI")

		escalated := c
		escalated.ForceModel = t.modelPro
		escalated.SystemNotice = fmt.Sprintf(
			"[SYSTEM NOTICE] Your chat layer (Flash) attempted to run '%s' but was denied. "+
				"You are now awake (Pro). Review the context and decide if this action is required.", tool)
		escalated.retryCount = 0
		cycleSuccess = true
		return t.Run(ctx, escalated)
	}

	turnID := "turn-" + uuid.New().String()
	t.journal.AppendIntent(ctx, turnID, c.ParentEventID, decision.Reasoning, action, decision.ThoughtSignature)
	t.toolbox.Dispatch(ctx, turnID, action)
	cycleSuccess = true
	return false
}

// isUrgent exempts a cycle from the Governor: emergency chat, system
// notices, alarms, and the agent's own task completions must always think.
func isUrgent(c Cycle) bool {
	if channel, _ := c.Event["channel"].(string); channel == "chat:synchronous" {
		return true
	}
	if c.SystemNotice != "" {
		return true
	}
	if eventKind, _ := c.Event["event"].(string); eventKind == "Alarm" {
		return true
	}
	return originalEventType(c.Event) == "TaskCompleted"
}

// originalEventType digs through the envelope layers for the underlying
// event signature.
func originalEventType(event map[string]interface{}) string {
	payload, _ := event["payload"].(map[string]interface{})
	if payload != nil {
		if et, _ := payload["event_type"].(string); et != "" {
			return et
		}
		if et, _ := payload["event"].(string); et != "" {
			return et
		}
		if raw, _ := payload["raw"].(map[string]interface{}); raw != nil {
			if et, _ := raw["event"].(string); et != "" {
				return et
			}
		}
	}
	et, _ := event["event"].(string)
	return et
}

func (t *Thinker) pushSelfAlert(ctx context.Context, event, content string) {
	msg, _ := json.Marshal(map[string]interface{}{
		"type":    "SystemAlert",
		"event":   event,
		"content": content,
	})
	err := bus.Retry(ctx, t.retry, func() error {
		return t.busClient.LPush(ctx, "inbox:"+t.agentName(), string(msg))
	})
	if err != nil {
		slog.Error("failed to push self alert", "event", event, "error", err)
	}
}

func truncateErr(err error, n int) string {
	s := err.Error()
	if len(s) > n {
		return s[:n]
	}
	return s
}
