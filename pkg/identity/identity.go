package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Record is the agent's identity passport loaded from the identity file.
type Record struct {
	Name    string  `json:"name"`
	Persona string  `json:"persona,omitempty"`
	Parent  string  `json:"parent,omitempty"`
	Temp    float64 `json:"temp,omitempty"`
	TopK    float64 `json:"top_k,omitempty"`
}

// Manager owns the in-memory identity and refreshes it from disk. Writes to
// the identity file through the write_file tool call Refresh directly; the
// fsnotify watcher additionally catches out-of-band edits, including writes
// through symlinked paths that bypass the tool's path comparison.
type Manager struct {
	path string

	mu     sync.RWMutex
	record Record
}

// NewManager loads the identity file and returns a manager for it. A missing
// file yields the genesis default rather than an error.
func NewManager(path string) *Manager {
	m := &Manager{path: path}
	m.Refresh()
	return m
}

// Refresh re-reads the identity file and swaps the in-memory record.
func (m *Manager) Refresh() {
	record := Record{Name: "agent-genesis", Temp: 1.0, TopK: 0.9}

	data, err := os.ReadFile(m.path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, &record); jsonErr != nil {
			slog.Warn("failed to parse identity file", "path", m.path, "error", jsonErr)
			record = Record{Name: "agent-error", Parent: "unknown"}
		}
	} else if !os.IsNotExist(err) {
		slog.Warn("failed to read identity file", "path", m.path, "error", err)
		record = Record{Name: "agent-error", Parent: "unknown"}
	}

	if record.Name == "" {
		record.Name = "unknown-agent"
	}

	m.mu.Lock()
	m.record = record
	m.mu.Unlock()

	slog.Info("identity refreshed", "display", m.DisplayName())
}

// Current returns a copy of the identity record.
func (m *Manager) Current() Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.record
}

// Name returns the agent's bare name.
func (m *Manager) Name() string {
	return m.Current().Name
}

// DisplayName returns "name (persona)" when a persona is set.
func (m *Manager) DisplayName() string {
	r := m.Current()
	if r.Persona != "" {
		return fmt.Sprintf("%s (%s)", r.Name, r.Persona)
	}
	return r.Name
}

// Path returns the identity file location.
func (m *Manager) Path() string {
	return m.path
}

// Watch refreshes the identity whenever the file changes on disk. It returns
// a stop function; errors from the watcher are logged, never fatal.
func (m *Manager) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create identity watcher: %w", err)
	}

	// Watch the directory: editors and atomic renames replace the inode.
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	base := filepath.Base(m.path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					m.Refresh()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("identity watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
