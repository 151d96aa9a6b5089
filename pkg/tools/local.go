package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/indoria/guppi/pkg/clipboard"
	"github.com/indoria/guppi/pkg/identity"
	"github.com/indoria/guppi/pkg/memory"
	"github.com/indoria/guppi/pkg/todo"
)

// shellTool runs a local command through the tracked subprocess runner.
type shellTool struct {
	runner *Runner
}

func NewShellTool(runner *Runner) Tool {
	return &shellTool{runner: runner}
}

func (t *shellTool) Name() string        { return "shell" }
func (t *shellTool) Description() string { return "Execute local shell command. Args: command" }

func (t *shellTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return done(map[string]interface{}{"status": "error", "message": "command is required"})
	}
	if err := t.runner.SpawnShell(ctx, turnID, command); err != nil {
		return Outcome{}, err
	}
	return Outcome{Deferred: true}, nil
}

// writeFileTool writes a file, with hot-reload hooks for the identity
// passport and the priors profile.
type writeFileTool struct {
	identity   *identity.Manager
	priorsPath string
	spawner    *Spawner
}

func NewWriteFileTool(id *identity.Manager, priorsPath string, spawner *Spawner) Tool {
	return &writeFileTool{identity: id, priorsPath: priorsPath, spawner: spawner}
}

func (t *writeFileTool) Name() string { return "write_file" }
func (t *writeFileTool) Description() string {
	return "Write a local file. Args: path, content, mode (w|a)"
}

func (t *writeFileTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	rawPath, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if rawPath == "" {
		return done(map[string]interface{}{"status": "error", "message": "path is required"})
	}

	path := expandHome(rawPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Outcome{}, err
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if mode, _ := args["mode"].(string); mode == "a" {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return Outcome{}, err
	}
	if err := f.Close(); err != nil {
		return Outcome{}, err
	}

	result := map[string]interface{}{"status": "success", "path": path}
	switch resolvePath(path) {
	case resolvePath(t.identity.Path()):
		t.identity.Refresh()
		result["note"] = "Identity hot-reloaded. You are now known as: " + t.identity.DisplayName()
	case resolvePath(t.priorsPath):
		if err := t.spawner.CompressPriors(t.priorsPath); err != nil {
			result["note"] = "Priors updated but stub regeneration failed: " + err.Error()
		} else {
			result["note"] = "Priors updated. Scribe spawned to regenerate stub."
		}
	}
	return done(result)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func resolvePath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// clipboardTool edits the persistent scratchpad.
type clipboardTool struct {
	clip *clipboard.Clipboard
}

func NewClipboardTool(clip *clipboard.Clipboard) Tool {
	return &clipboardTool{clip: clip}
}

func (t *clipboardTool) Name() string { return "manage_clipboard" }
func (t *clipboardTool) Description() string {
	return "Manage your persistent scratchpad. actions: 'read', 'add' (requires content), 'remove' (requires index or list of indices), 'clear'. Items here survive log flushing. Use this for temporary constraints, reminders, or scratch notes."
}

func (t *clipboardTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	sub, _ := args["action"].(string)
	switch sub {
	case "", "read":
		return done(map[string]interface{}{"status": "success", "content": t.clip.Read()})
	case "add":
		content, _ := args["content"].(string)
		msg, err := t.clip.Add(content)
		if err != nil {
			return Outcome{}, err
		}
		return done(map[string]interface{}{"status": "success", "message": msg})
	case "remove":
		indices := parseIndices(args["index"], args["indices"])
		if len(indices) == 0 {
			return done(map[string]interface{}{"status": "error", "message": "Missing index"})
		}
		msg, err := t.clip.Remove(indices)
		if err != nil {
			return Outcome{}, err
		}
		return done(map[string]interface{}{"status": "success", "message": msg})
	case "clear":
		msg, err := t.clip.Clear()
		if err != nil {
			return Outcome{}, err
		}
		return done(map[string]interface{}{"status": "success", "message": msg})
	default:
		return done(map[string]interface{}{"status": "error", "message": "Unknown clipboard action: " + sub})
	}
}

func parseIndices(single, multiple interface{}) []int {
	raw := single
	if raw == nil {
		raw = multiple
	}
	switch v := raw.(type) {
	case float64:
		return []int{int(v)}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return []int{n}
		}
	case []interface{}:
		out := make([]int, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, int(n))
			case string:
				if parsed, err := strconv.Atoi(n); err == nil {
					out = append(out, parsed)
				}
			}
		}
		return out
	}
	return nil
}

// todoTool serves todo_list, todo_add, todo_complete and snooze_task from
// one store.
type todoTool struct {
	name  string
	desc  string
	store *todo.Store
}

func NewTodoTools(store *todo.Store) []Tool {
	return []Tool{
		&todoTool{"todo_list", "List tasks. Args: filter (due|upcoming|all)", store},
		&todoTool{"todo_add", "Add task. Args: task, priority, due", store},
		&todoTool{"todo_complete", "Mark a task as completed. Args: task_id", store},
		&todoTool{"snooze_task", "Push a task's due time into the future. Args: task_id, due_in", store},
	}
}

func (t *todoTool) Name() string        { return t.name }
func (t *todoTool) Description() string { return t.desc }

func (t *todoTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	switch t.name {
	case "todo_list":
		filter, _ := args["filter"].(string)
		if filter == "" {
			filter = "due"
		}
		tasks, err := t.store.List(ctx, filter)
		if err != nil {
			return Outcome{}, err
		}
		return done(map[string]interface{}{"status": "success", "tasks": tasks})

	case "todo_add":
		description, _ := args["task"].(string)
		priority := 5
		if p, ok := args["priority"].(float64); ok {
			priority = int(p)
		}
		due, _ := args["due"].(string)
		if due == "" {
			due = "24h"
		}
		task, err := t.store.Add(ctx, description, priority, due)
		if err != nil {
			return Outcome{}, err
		}
		return done(map[string]interface{}{"status": "success", "task_id": task.TaskID})

	case "todo_complete":
		taskID, _ := args["task_id"].(string)
		if err := t.store.Complete(ctx, taskID); err != nil {
			return Outcome{}, err
		}
		return done(map[string]interface{}{"status": "completed", "task_id": taskID})

	case "snooze_task":
		taskID, _ := args["task_id"].(string)
		dueIn, _ := args["due_in"].(string)
		if dueIn == "" {
			dueIn = "1h"
		}
		newDue, err := t.store.Snooze(ctx, taskID, dueIn)
		if err != nil {
			return Outcome{}, err
		}
		return done(map[string]interface{}{"status": "snoozed", "new_due": newDue})
	}
	return Outcome{}, fmt.Errorf("unhandled todo operation %s", t.name)
}

// ragSearchTool queries tier-3 vector memory.
type ragSearchTool struct {
	store *memory.VectorStore
}

func NewRagSearchTool(store *memory.VectorStore) Tool {
	return &ragSearchTool{store: store}
}

func (t *ragSearchTool) Name() string        { return "rag_search" }
func (t *ragSearchTool) Description() string { return "Search vector memory. Args: query" }

func (t *ragSearchTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return done(map[string]interface{}{"status": "error", "message": "query is required"})
	}
	matches, err := t.store.Query(ctx, query, 3)
	if err != nil {
		return done(map[string]interface{}{"status": "error", "message": err.Error()})
	}
	return done(map[string]interface{}{"status": "success", "matches": matches})
}

// hibernateTool is a deliberate no-op: the agent chooses not to wake itself.
type hibernateTool struct{}

func NewHibernateTool() Tool { return &hibernateTool{} }

func (t *hibernateTool) Name() string { return "hibernate" }
func (t *hibernateTool) Description() string {
	return "Go back to sleep without further action. The outcome does not re-wake you."
}

func (t *hibernateTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	return done(map[string]interface{}{"status": "hibernating"})
}
