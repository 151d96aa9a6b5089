package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/indoria/guppi/pkg/bus"
)

const (
	// EntryEvent tags an external stimulus observation.
	EntryEvent = "GUPPIEvent"
	// EntryTurn tags an intent and its outcome.
	EntryTurn = "AbeTurn"

	// StatusPending through StatusInterrupted are the only turn states;
	// transitions move forward only.
	StatusPending     = "pending"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"

	// ActionLogStream mirrors every intent and outcome for governance.
	ActionLogStream = "volition:action_log"

	// persistCap is the hard limit on stdout/stderr stored per entry. The
	// Machete already trims at capture; this is the last line of defense
	// before an oversized result reaches disk or the bus.
	persistCap = 20000

	pruneHighWater = 30
	pruneKeep      = 15
)

// Entry is one journal record, either a GUPPIEvent or an AbeTurn.
type Entry struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Agent string `json:"agent"`

	// GUPPIEvent fields
	TimestampEvent string      `json:"timestamp_event,omitempty"`
	EventType      string      `json:"event_type,omitempty"`
	Source         string      `json:"source,omitempty"`
	Content        interface{} `json:"content,omitempty"`

	// AbeTurn fields
	ParentEventID    string                 `json:"parent_event_id,omitempty"`
	TimestampIntent  string                 `json:"timestamp_intent,omitempty"`
	Status           string                 `json:"status,omitempty"`
	Reasoning        string                 `json:"reasoning,omitempty"`
	Action           map[string]interface{} `json:"action,omitempty"`
	Results          interface{}            `json:"results,omitempty"`
	TimestampOutcome string                 `json:"timestamp_outcome,omitempty"`
	ThoughtSignature string                 `json:"thought_signature,omitempty"`
}

// SummarizeFunc spawns the background summarization of an archived log slice.
// The result returns through the agent's inbox as a maintenance message.
type SummarizeFunc func(archivePath string) error

// Journal owns working.log: a durable append-only record of events, intents
// and outcomes with crash recovery and size-bounded rotation.
type Journal struct {
	path       string
	archiveDir string
	agent      string
	bus        bus.Client
	retry      bus.RetryPolicy
	summarize  SummarizeFunc
	wakeup     func()

	mu      sync.Mutex
	buffer  []Entry
	pruning bool
}

// Options wires the journal's collaborators.
type Options struct {
	Path       string
	ArchiveDir string
	Agent      string
	Bus        bus.Client
	Retry      bus.RetryPolicy
	Summarize  SummarizeFunc
	// Wakeup pulses the scheduler's local wakeup after a notify push.
	Wakeup func()
}

// Open loads the working log into memory and runs crash recovery: any turn
// still pending from a previous run is closed as interrupted.
func Open(opts Options) (*Journal, error) {
	j := &Journal{
		path:       opts.Path,
		archiveDir: opts.ArchiveDir,
		agent:      opts.Agent,
		bus:        opts.Bus,
		retry:      opts.Retry,
		summarize:  opts.Summarize,
		wakeup:     opts.Wakeup,
	}
	if j.wakeup == nil {
		j.wakeup = func() {}
	}

	if err := j.load(); err != nil {
		return nil, err
	}
	j.recoverCrash()
	return j, nil
}

func (j *Journal) load() error {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open working log: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			if err == io.EOF {
				break
			}
			// A torn tail line from a crash is expected; keep what parsed.
			slog.Warn("skipping malformed journal tail", "error", err)
			break
		}
		j.buffer = append(j.buffer, entry)
	}
	return nil
}

func (j *Journal) recoverCrash() {
	j.mu.Lock()
	defer j.mu.Unlock()

	recovered := false
	for i := range j.buffer {
		e := &j.buffer[i]
		if e.Type == EntryTurn && e.Status == StatusPending {
			slog.Warn("crash recovery: closing pending turn", "turn_id", e.ID)
			e.Status = StatusInterrupted
			e.Results = map[string]interface{}{"error": "crash/restart detected"}
			e.TimestampOutcome = utcNow()
			recovered = true
		}
	}
	if recovered {
		if err := j.rewriteLocked(); err != nil {
			slog.Error("failed to rewrite log during crash recovery", "error", err)
		}
	}
}

// SetSummarize installs the archive summarizer after construction. The
// summarizer's subprocess runner needs the journal first, so this breaks
// the wiring cycle.
func (j *Journal) SetSummarize(fn SummarizeFunc) {
	j.mu.Lock()
	j.summarize = fn
	j.mu.Unlock()
}

// AppendEvent records an external stimulus and returns its fresh event id.
func (j *Journal) AppendEvent(ctx context.Context, eventType string, content interface{}, source string) (string, error) {
	entry := Entry{
		ID:             "evt-" + uuid.New().String()[:8],
		Type:           EntryEvent,
		Agent:          j.agent,
		TimestampEvent: utcNow(),
		EventType:      eventType,
		Source:         source,
		Content:        content,
	}

	j.mu.Lock()
	j.buffer = append(j.buffer, entry)
	err := j.rewriteLocked()
	j.mu.Unlock()

	if err != nil {
		slog.Error("failed to persist event", "event_id", entry.ID, "error", err)
	}
	return entry.ID, nil
}

// AppendIntent records a pending turn referencing its parent event, and
// mirrors it to the governance stream.
func (j *Journal) AppendIntent(ctx context.Context, turnID, parentEventID, reasoning string, action map[string]interface{}, thoughtSignature string) error {
	entry := Entry{
		ID:               turnID,
		Type:             EntryTurn,
		Agent:            j.agent,
		ParentEventID:    parentEventID,
		TimestampIntent:  utcNow(),
		Status:           StatusPending,
		Reasoning:        reasoning,
		Action:           action,
		ThoughtSignature: thoughtSignature,
	}

	j.mu.Lock()
	j.buffer = append(j.buffer, entry)
	err := j.rewriteLocked()
	j.mu.Unlock()

	if err != nil {
		slog.Error("failed to persist intent", "turn_id", turnID, "error", err)
	}

	j.streamEntry(ctx, entry)
	return nil
}

// PatchOutcome closes a pending turn with its results. An unknown turn id, a
// non-turn entry or a turn already closed is an orphan: logged and dropped,
// so a late or duplicate patch can never reopen a settled state. With notify
// set, a TaskCompleted message is pushed to the agent's own inbox so the
// refractory cycle resumes.
func (j *Journal) PatchOutcome(ctx context.Context, turnID string, results interface{}, notify bool) error {
	capped := capResults(results)

	var snapshot Entry
	found := false

	j.mu.Lock()
	for i := range j.buffer {
		if j.buffer[i].ID == turnID && j.buffer[i].Type == EntryTurn && j.buffer[i].Status == StatusPending {
			j.buffer[i].Status = StatusCompleted
			j.buffer[i].TimestampOutcome = utcNow()
			j.buffer[i].Results = capped
			snapshot = j.buffer[i]
			found = true
			break
		}
	}
	var rewriteErr error
	if found {
		rewriteErr = j.rewriteLocked()
	}
	j.mu.Unlock()

	if !found {
		slog.Warn("orphaned task completion", "turn_id", turnID)
		return nil
	}
	if rewriteErr != nil {
		slog.Error("failed to persist outcome", "turn_id", turnID, "error", rewriteErr)
	}

	j.streamEntry(ctx, snapshot)

	if notify {
		msg := map[string]interface{}{
			"type":      EntryEvent,
			"event":     "TaskCompleted",
			"action_id": turnID,
			"results":   capped,
		}
		payload, _ := json.Marshal(msg)
		err := bus.Retry(ctx, j.retry, func() error {
			return j.bus.LPush(ctx, "inbox:"+j.agent, string(payload))
		})
		if err != nil {
			slog.Error("failed to notify inbox of task completion", "turn_id", turnID, "error", err)
		}
		j.wakeup()
	}
	return nil
}

// Snapshot returns a copy of the last n entries (all when n <= 0).
func (j *Journal) Snapshot(n int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := 0
	if n > 0 && len(j.buffer) > n {
		start = len(j.buffer) - n
	}
	out := make([]Entry, len(j.buffer)-start)
	copy(out, j.buffer[start:])
	return out
}

// Len returns the current buffer size.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// MaybePrune starts a background rotation when the buffer has crossed the
// high-water mark and no prune is in flight.
func (j *Journal) MaybePrune() {
	j.mu.Lock()
	shouldPrune := len(j.buffer) > pruneHighWater && !j.pruning
	if shouldPrune {
		j.pruning = true
	}
	j.mu.Unlock()

	if shouldPrune {
		go j.prune()
	}
}

func (j *Journal) prune() {
	defer func() {
		j.mu.Lock()
		j.pruning = false
		j.mu.Unlock()
	}()

	archivePath := filepath.Join(j.archiveDir, fmt.Sprintf("log-%d.jsonl", time.Now().Unix()))
	if err := copyFile(j.path, archivePath); err != nil {
		slog.Warn("prune: failed to archive working log", "error", err)
	}

	j.mu.Lock()
	summarize := j.summarize
	j.mu.Unlock()
	if summarize != nil {
		if err := summarize(archivePath); err != nil {
			slog.Error("prune: failed to spawn summarizer", "error", err)
		}
	}

	j.mu.Lock()
	if len(j.buffer) > pruneKeep {
		kept := make([]Entry, pruneKeep)
		copy(kept, j.buffer[len(j.buffer)-pruneKeep:])
		j.buffer = kept
	}
	err := j.rewriteLocked()
	j.mu.Unlock()

	if err != nil {
		slog.Error("prune: failed to rewrite truncated log", "error", err)
	} else {
		slog.Info("pruned working log", "kept", pruneKeep, "archive", archivePath)
	}
}

// Rewrite flushes the current buffer to disk. Called once at shutdown.
func (j *Journal) Rewrite() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rewriteLocked()
}

// rewriteLocked persists the buffer via write-to-temp + fsync + rename.
// Callers must hold j.mu.
func (j *Journal) rewriteLocked() error {
	dir := filepath.Dir(j.path)
	tmp, err := os.CreateTemp(dir, ".working-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp log: %w", err)
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	for i := range j.buffer {
		if err := enc.Encode(&j.buffer[i]); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to encode journal entry: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to fsync temp log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace working log: %w", err)
	}
	return nil
}

func (j *Journal) streamEntry(ctx context.Context, entry Entry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	err = bus.Retry(ctx, j.retry, func() error {
		_, xerr := j.bus.XAdd(ctx, ActionLogStream, map[string]interface{}{"entry": string(payload)})
		return xerr
	})
	if err != nil {
		slog.Warn("failed to stream entry to governance log", "entry_id", entry.ID, "error", err)
	}
}

// capResults bounds stdout/stderr strings in a result map before they are
// persisted or pushed to the bus.
func capResults(results interface{}) interface{} {
	m, ok := results.(map[string]interface{})
	if !ok {
		return results
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range []string{"stdout", "stderr"} {
		s, ok := out[k].(string)
		if !ok || len(s) <= persistCap {
			continue
		}
		removed := len(s) - persistCap
		out[k] = s[:persistCap] + fmt.Sprintf("\n... [TRUNCATED BY GUPPI SAFETY: %d chars removed] ...", removed)
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
