package cognition

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indoria/guppi/pkg/bus"
	"github.com/indoria/guppi/pkg/bus/bustest"
	"github.com/indoria/guppi/pkg/clipboard"
	"github.com/indoria/guppi/pkg/config"
	"github.com/indoria/guppi/pkg/identity"
	"github.com/indoria/guppi/pkg/journal"
	"github.com/indoria/guppi/pkg/llms"
	"github.com/indoria/guppi/pkg/memory"
	"github.com/indoria/guppi/pkg/prompt"
	"github.com/indoria/guppi/pkg/todo"
	"github.com/indoria/guppi/pkg/tools"
)

// scriptedProvider returns canned responses per model, recording each call.
type scriptedProvider struct {
	responses map[string][]response
	calls     []call
}

type response struct {
	decision llms.Decision
	err      error
}

type call struct {
	model  string
	prompt string
}

func (p *scriptedProvider) Generate(ctx context.Context, model, promptText string) (llms.Decision, error) {
	p.calls = append(p.calls, call{model: model, prompt: promptText})
	queue := p.responses[model]
	if len(queue) == 0 {
		return llms.Decision{Reasoning: "idle", Action: map[string]interface{}{"tool": "hibernate"}}, nil
	}
	next := queue[0]
	p.responses[model] = queue[1:]
	return next.decision, next.err
}

type harness struct {
	thinker  *Thinker
	journal  *journal.Journal
	governor *Governor
	fake     *bustest.Fake
	provider *scriptedProvider
}

func newHarness(t *testing.T, provider *scriptedProvider, governorLimit int) *harness {
	t.Helper()
	dir := t.TempDir()
	fake := bustest.New()
	retry := bus.RetryPolicy{Attempts: 1}
	name := func() string { return "abe" }

	jrnl, err := journal.Open(journal.Options{
		Path:       filepath.Join(dir, "working.log"),
		ArchiveDir: dir,
		Agent:      "abe",
		Bus:        fake,
		Retry:      retry,
	})
	require.NoError(t, err)

	todos, err := todo.Open(filepath.Join(dir, "todo.db"), "abe")
	require.NoError(t, err)
	t.Cleanup(func() { todos.Close() })

	cfg := &config.Config{
		GenesisFile:    filepath.Join(dir, "genesis.md"),
		PriorsStubFile: filepath.Join(dir, "priors.stub"),
		ProtocolsFile:  filepath.Join(dir, "protocols.md"),
		OverflowDir:    dir,
		LogsDir:        dir,
	}
	id := identity.NewManager(filepath.Join(dir, ".agent-identity"))
	clip := clipboard.New(filepath.Join(dir, "clipboard.md"))
	eps := memory.NewEpisodes(dir, "internal:abe", "flash-model", fake, retry)
	assembler := prompt.NewAssembler(cfg, id, clip, eps, jrnl, todos)

	toolbox := tools.NewToolbox(jrnl)
	toolbox.Register(tools.NewHibernateTool())

	governor := NewGovernor(name, fake, retry, governorLimit, 5*time.Minute)

	thinker := NewThinker(Options{
		ModelPro:   "pro-model",
		ModelFlash: "flash-model",
		Provider:   provider,
		Assembler:  assembler,
		Journal:    jrnl,
		Toolbox:    toolbox,
		Governor:   governor,
		Bus:        fake,
		Retry:      retry,
		AgentName:  name,
	})

	return &harness{thinker: thinker, journal: jrnl, governor: governor, fake: fake, provider: provider}
}

func hibernateResponse() response {
	return response{decision: llms.Decision{
		Reasoning: "nothing to do",
		Action:    map[string]interface{}{"tool": "hibernate"},
	}}
}

func TestThinkerSelectsFlashForChat(t *testing.T) {
	p := &scriptedProvider{responses: map[string][]response{"flash-model": {hibernateResponse()}}}
	h := newHarness(t, p, 15)

	tripped := h.thinker.Run(context.Background(), Cycle{Event: map[string]interface{}{"event": "Chat"}})

	assert.False(t, tripped)
	require.Len(t, p.calls, 1)
	assert.Equal(t, "flash-model", p.calls[0].model)
}

func TestThinkerSelectsProForInbox(t *testing.T) {
	p := &scriptedProvider{responses: map[string][]response{"pro-model": {hibernateResponse()}}}
	h := newHarness(t, p, 15)

	h.thinker.Run(context.Background(), Cycle{Event: map[string]interface{}{"event": "Inbox"}})

	require.Len(t, p.calls, 1)
	assert.Equal(t, "pro-model", p.calls[0].model)
}

func TestThinkerGovernorTrips(t *testing.T) {
	p := &scriptedProvider{responses: map[string][]response{}}
	h := newHarness(t, p, 0)

	tripped := h.thinker.Run(context.Background(), Cycle{Event: map[string]interface{}{"event": "Inbox"}})

	assert.True(t, tripped)
	assert.Empty(t, p.calls, "a tripped breaker must not reach the model")

	entries := h.journal.Snapshot(0)
	require.Len(t, entries, 1)
	assert.Equal(t, "SystemAlert", entries[0].EventType)

	raw, ok, _ := h.fake.Get(context.Background(), "status:abe")
	require.True(t, ok)
	var beacon map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &beacon))
	assert.Equal(t, "rate_limit", beacon["reason"])
}

func TestThinkerUrgentBypassesGovernor(t *testing.T) {
	p := &scriptedProvider{responses: map[string][]response{"pro-model": {hibernateResponse()}}}
	h := newHarness(t, p, 0)

	tripped := h.thinker.Run(context.Background(), Cycle{Event: map[string]interface{}{"event": "Alarm"}})

	assert.False(t, tripped)
	assert.Len(t, p.calls, 1)
}

func TestThinkerFlashEscalation(t *testing.T) {
	p := &scriptedProvider{responses: map[string][]response{
		"flash-model": {{decision: llms.Decision{
			Reasoning: "let me just run this",
			Action:    map[string]interface{}{"tool": "shell", "args": map[string]interface{}{"command": "rm -rf /"}},
		}}},
		"pro-model": {hibernateResponse()},
	}}
	h := newHarness(t, p, 15)

	h.thinker.Run(context.Background(), Cycle{Event: map[string]interface{}{"event": "Chat"}})

	require.Len(t, p.calls, 2)
	assert.Equal(t, "flash-model", p.calls[0].model)
	assert.Equal(t, "pro-model", p.calls[1].model)
	assert.Contains(t, p.calls[1].prompt, "was denied")

	var sawEscalation bool
	for _, e := range h.journal.Snapshot(0) {
		if e.EventType == "EscalationTrigger" {
			sawEscalation = true
		}
	}
	assert.True(t, sawEscalation)
}

func TestThinkerJSONRepairRetriesOnPro(t *testing.T) {
	p := &scriptedProvider{responses: map[string][]response{
		"flash-model": {{err: &llms.OutputError{Cause: errors.New("unexpected end of JSON input")}}},
		"pro-model":   {hibernateResponse()},
	}}
	h := newHarness(t, p, 15)

	h.thinker.Run(context.Background(), Cycle{Event: map[string]interface{}{"event": "Chat"}})

	require.Len(t, p.calls, 2)
	assert.Equal(t, "pro-model", p.calls[1].model)
	assert.Contains(t, p.calls[1].prompt, "invalid JSON")

	entries := h.journal.Snapshot(0)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, journal.StatusCompleted, last.Status)
}

func TestThinkerJSONRepairGivesUpAfterTwo(t *testing.T) {
	p := &scriptedProvider{responses: map[string][]response{
		"flash-model": {{err: &llms.OutputError{Cause: errors.New("bad")}}},
		"pro-model":   {{err: &llms.OutputError{Cause: errors.New("still bad")}}},
	}}
	h := newHarness(t, p, 15)

	h.thinker.Run(context.Background(), Cycle{Event: map[string]interface{}{"event": "Chat"}})

	require.Len(t, p.calls, 2)
	entries := h.journal.Snapshot(0)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, "JSON Repair Failed twice. Safety Shutdown.", last.Reasoning)
	assert.Equal(t, "hibernate", last.Action["tool"])
}

func TestThinkerTransportFailureCrashReports(t *testing.T) {
	p := &scriptedProvider{responses: map[string][]response{
		"pro-model": {{err: errors.New("connection refused")}},
	}}
	h := newHarness(t, p, 15)

	tripped := h.thinker.Run(context.Background(), Cycle{Event: map[string]interface{}{"event": "Inbox"}})
	assert.False(t, tripped)

	entries := h.journal.Snapshot(0)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ID, "fail-")
	assert.Equal(t, "hibernate", entries[0].Action["tool"])

	raw, ok, err := h.fake.LPop(context.Background(), "inbox:abe")
	require.NoError(t, err)
	require.True(t, ok)
	var alert map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &alert))
	assert.Equal(t, "CrashReport", alert["event"])
}

func TestIsUrgent(t *testing.T) {
	tests := []struct {
		name   string
		cycle  Cycle
		urgent bool
	}{
		{"synchronous chat", Cycle{Event: map[string]interface{}{"event": "Chat", "channel": "chat:synchronous"}}, true},
		{"general chat", Cycle{Event: map[string]interface{}{"event": "Chat", "channel": "chat:general"}}, false},
		{"system notice", Cycle{Event: map[string]interface{}{"event": "Inbox"}, SystemNotice: "wake up"}, true},
		{"alarm", Cycle{Event: map[string]interface{}{"event": "Alarm"}}, true},
		{"task completed in payload", Cycle{Event: map[string]interface{}{
			"event":   "Inbox",
			"payload": map[string]interface{}{"event_type": "TaskCompleted"},
		}}, true},
		{"task completed in raw", Cycle{Event: map[string]interface{}{
			"event":   "Inbox",
			"payload": map[string]interface{}{"raw": map[string]interface{}{"event": "TaskCompleted"}},
		}}, true},
		{"plain inbox", Cycle{Event: map[string]interface{}{
			"event":   "Inbox",
			"payload": map[string]interface{}{"event_type": "NewInboxMessage"},
		}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.urgent, isUrgent(tt.cycle))
		})
	}
}
