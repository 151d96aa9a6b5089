package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Tool is one named capability the agent can invoke.
type Tool interface {
	Name() string
	Description() string
	// Execute runs the tool for one turn. A deferred outcome means a
	// background monitor will patch the journal later.
	Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error)
}

// Outcome carries a tool's result and how it completes.
type Outcome struct {
	Result   map[string]interface{}
	Deferred bool
}

func done(result map[string]interface{}) (Outcome, error) {
	return Outcome{Result: result}, nil
}

// Patcher closes a turn with its results. Satisfied by the journal.
type Patcher interface {
	PatchOutcome(ctx context.Context, turnID string, results interface{}, notify bool) error
}

// SubscriptionManager mutates the agent's explicit stream subscriptions.
type SubscriptionManager interface {
	Subscribe(channel string) error
	Unsubscribe(channel string) (bool, error)
}

// quietTools complete without an inbox notification when they succeed.
// Administrative state changes only; chat, email and shell must wake the
// agent back up with their results.
var quietTools = map[string]bool{
	"todo_add":    true,
	"snooze_task": true,
	"hibernate":   true,
	"chat_ignore": true,
}

// Toolbox dispatches actions by tool name and applies the notification
// policy to each outcome.
type Toolbox struct {
	tools   map[string]Tool
	journal Patcher
}

func NewToolbox(journal Patcher) *Toolbox {
	tb := &Toolbox{tools: make(map[string]Tool), journal: journal}
	tb.Register(&helpTool{box: tb})
	return tb
}

func (tb *Toolbox) Register(t Tool) {
	tb.tools[t.Name()] = t
}

// Dispatch executes one decided action and patches the turn's outcome.
// Deferred tools return immediately; their monitor owns the patch.
func (tb *Toolbox) Dispatch(ctx context.Context, turnID string, action map[string]interface{}) {
	name, _ := action["tool"].(string)
	slog.Info("executing tool", "tool", name, "turn_id", turnID)

	tool, ok := tb.tools[name]
	if !ok {
		tb.journal.PatchOutcome(ctx, turnID, map[string]interface{}{
			"status":  "error",
			"message": fmt.Sprintf("Unknown tool: %s", name),
		}, true)
		return
	}

	outcome, err := tool.Execute(ctx, turnID, action)
	if err != nil {
		slog.Error("tool execution failed", "tool", name, "error", err)
		tb.journal.PatchOutcome(ctx, turnID, map[string]interface{}{
			"status":  "error",
			"message": err.Error(),
		}, true)
		return
	}
	if outcome.Deferred {
		return
	}

	result := outcome.Result
	if result == nil {
		result = map[string]interface{}{"status": "success"}
	}

	notify := true
	status, _ := result["status"].(string)
	if quietTools[name] && status != "error" && status != "failed" {
		notify = false
	}
	tb.journal.PatchOutcome(ctx, turnID, result, notify)
}

// helpTool returns the self-documenting tool table.
type helpTool struct {
	box *Toolbox
}

func (h *helpTool) Name() string        { return "help" }
func (h *helpTool) Description() string { return "List available tools. Args: tool_name (optional)" }

func (h *helpTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	if name, _ := args["tool_name"].(string); name != "" {
		desc := "Unknown tool"
		if t, ok := h.box.tools[name]; ok {
			desc = t.Description()
		}
		return done(map[string]interface{}{"status": "success", name: desc})
	}

	names := make([]string, 0, len(h.box.tools))
	for name := range h.box.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	table := make(map[string]interface{}, len(names))
	for _, name := range names {
		table[name] = h.box.tools[name].Description()
	}
	table["status"] = "success"
	return done(table)
}
