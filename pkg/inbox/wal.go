package inbox

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// WAL is the raw-inbox forensic log: every payload is persisted before
// normalization, so a crash between pop and journal append still leaves a
// record of what arrived.
type WAL struct {
	path string
	mu   sync.Mutex
}

func NewWAL(path string) *WAL {
	return &WAL{path: path}
}

type walEntry struct {
	TS      string      `json:"ts"`
	Payload interface{} `json:"payload"`
}

// Persist appends one raw payload, keeping JSON structure when the payload
// parses. The write is fsynced: this line is the only evidence if the
// process dies mid-handling.
func (w *WAL) Persist(raw string) {
	entry := walEntry{TS: time.Now().UTC().Format(time.RFC3339Nano), Payload: raw}

	var parsed interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		switch parsed.(type) {
		case map[string]interface{}, []interface{}:
			entry.Payload = parsed
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		slog.Error("FATAL: failed to encode inbox WAL entry", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("FATAL: failed to open inbox WAL", "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Error("FATAL: failed to persist inbox message", "error", err)
		return
	}
	if err := f.Sync(); err != nil {
		slog.Error("failed to fsync inbox WAL", "error", err)
	}
}
