package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/indoria/guppi/pkg/clipboard"
	"github.com/indoria/guppi/pkg/config"
	"github.com/indoria/guppi/pkg/identity"
	"github.com/indoria/guppi/pkg/journal"
	"github.com/indoria/guppi/pkg/memory"
	"github.com/indoria/guppi/pkg/todo"
)

const (
	// windowNormal and windowOriented are the log window sizes; waking from
	// deep sleep shrinks the window so orientation dominates the prompt.
	windowNormal   = 20
	windowOriented = 3

	// capRecent applies to the newest entry (working memory); capHistory to
	// everything older.
	capRecent  = 50000
	capHistory = 1000

	changelogTailLines = 30
	recentEpisodes     = 5

	// DeepSleep is the threshold past which a wake gets an orientation block.
	DeepSleep = time.Hour
)

// Orientation describes a wake from a long sleep.
type Orientation struct {
	TimeAsleep    time.Duration
	MissedDigests []memory.Digest
}

// Deep reports whether the sleep was long enough to warrant orientation.
func (o *Orientation) Deep() bool {
	return o != nil && o.TimeAsleep > DeepSleep
}

// Assembler builds the LLM prompt from fixed, ordered sections.
type Assembler struct {
	cfg       *config.Config
	identity  *identity.Manager
	clipboard *clipboard.Clipboard
	episodes  *memory.Episodes
	journal   *journal.Journal
	todos     *todo.Store
}

func NewAssembler(cfg *config.Config, id *identity.Manager, clip *clipboard.Clipboard,
	eps *memory.Episodes, jrnl *journal.Journal, todos *todo.Store) *Assembler {
	return &Assembler{cfg: cfg, identity: id, clipboard: clip, episodes: eps, journal: jrnl, todos: todos}
}

// Build assembles the full prompt for one think cycle.
func (a *Assembler) Build(ctx context.Context, event interface{}, systemNotice string, orientation *Orientation) string {
	genesis := readFileOr(a.cfg.GenesisFile, "")

	priors := ""
	if stub := strings.TrimSpace(readFileOr(a.cfg.PriorsStubFile, "")); stub != "" {
		priors = fmt.Sprintf("\n[IDENTITY_PRIORS]\n%s\n", stub)
	}

	protocols := ""
	if p := readFileOr(a.cfg.ProtocolsFile, ""); p != "" {
		protocols = fmt.Sprintf("\n[FLEET_PROTOCOLS]\n%s\n", p)
	}

	passport, _ := json.MarshalIndent(a.identity.Current(), "", "  ")

	changelog := a.changelogTail()

	var episodes strings.Builder
	for _, path := range a.episodes.Recent(recentEpisodes) {
		episodes.WriteString(fmt.Sprintf("\n--- EPISODE %s ---\n%s\n", filepath.Base(path), readFileOr(path, "")))
	}

	clipboardBlock := fmt.Sprintf("\n[ACTIVE_CLIPBOARD]\n(Persistent scratchpad. Use the 'manage_clipboard' tool to edit)\n%s\n", a.clipboard.Read())

	window := windowNormal
	orientationBlock := ""
	logLabel := "WORKING_MEMORY_LOG"
	if orientation.Deep() {
		window = windowOriented
		logLabel = "IMMEDIATE_CONTEXT"
		orientationBlock = a.buildOrientation(orientation)
	}
	logBlock := fmt.Sprintf("[%s]\n%s", logLabel, a.SanitizeHistory(window))

	dueTasks, err := a.todos.List(ctx, "due")
	if err != nil {
		dueTasks = nil
	}
	dueJSON, _ := json.Marshal(dueTasks)

	noticeBlock := ""
	if systemNotice != "" {
		noticeBlock = fmt.Sprintf("\n[SYSTEM_NOTICE]\n%s\n", systemNotice)
	}

	eventJSON, _ := json.MarshalIndent(event, "", "  ")

	return fmt.Sprintf(`
%s
%s
%s
[IDENTITY_PASSPORT]
%s
[TODAY'S CHANGELOG (Latest Entries)]
%s
[TIER_2_MEMORY_EPISODES]
%s
%s
%s
%s
[CURRENTLY_DUE_TASKS]
%s
%s
[CURRENT_EVENT]
%s
`, genesis, priors, protocols, passport, changelog, episodes.String(),
		clipboardBlock, orientationBlock, logBlock, dueJSON, noticeBlock, eventJSON)
}

func (a *Assembler) buildOrientation(o *Orientation) string {
	social := "(No missed activity)"
	if len(o.MissedDigests) > 0 {
		var b strings.Builder
		for _, d := range o.MissedDigests {
			b.WriteString(d.String())
			b.WriteString("\n")
		}
		social = b.String()
	}
	return fmt.Sprintf(`
[ORIENTATION]
Status: Waking Up from Deep Sleep
You were asleep for: %s
[MISSED_SOCIAL_ACTIVITY]
%s
`, o.TimeAsleep.Round(time.Second), social)
}

// SanitizeHistory returns the last limit journal entries as context-safe
// JSON. The newest entry keeps up to 50k chars of output (the agent is
// looking at it right now); older entries are cut to 1k with a pointer to
// the overflow file holding the full text.
func (a *Assembler) SanitizeHistory(limit int) string {
	entries := a.journal.Snapshot(limit)

	sanitized := make([]journal.Entry, 0, len(entries))
	for i, entry := range entries {
		cap := capHistory
		if i == len(entries)-1 {
			cap = capRecent
		}
		sanitized = append(sanitized, a.sanitizeEntry(entry, cap))
	}

	out, err := json.MarshalIndent(sanitized, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(out)
}

func (a *Assembler) sanitizeEntry(entry journal.Entry, cap int) journal.Entry {
	switch res := entry.Results.(type) {
	case string:
		entry.Results = a.overflowText(res, entry.ID, "", cap)
	case map[string]interface{}:
		copied := make(map[string]interface{}, len(res))
		for k, v := range res {
			copied[k] = v
		}
		if s, ok := copied["stdout"].(string); ok {
			copied["stdout"] = a.overflowText(s, entry.ID, "-stdout", cap)
		}
		if s, ok := copied["stderr"].(string); ok {
			copied["stderr"] = a.overflowText(s, entry.ID, "-stderr", cap)
		}
		entry.Results = copied
	}
	return entry
}

// overflowText applies the overflow pattern: full text goes to a
// deterministically named sidecar file, the prompt keeps head and tail
// around a truncation marker.
func (a *Assembler) overflowText(text, turnID, suffix string, cap int) string {
	if len(text) <= cap {
		return text
	}

	name := fmt.Sprintf("%s%s.txt", turnID, suffix)
	path := filepath.Join(a.cfg.OverflowDir, name)

	// Idempotent: the same turn's output never changes, so skip the IO.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			return text[:cap] + "... [WRITE FAILED]"
		}
	}

	split := cap / 2
	removed := len(text) - cap
	return fmt.Sprintf("%s\n... [OUTPUT TRUNCATED: %d chars removed. Saved to: %s] ...\n%s",
		text[:split], removed, name, text[len(text)-split:])
}

// changelogTail reads the last ~30 lines of today's changelog.
func (a *Assembler) changelogTail() string {
	path := a.cfg.ChangelogPath(time.Now())
	data, err := os.ReadFile(path)
	if err != nil {
		return "(No changelog entries for today yet.)"
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > changelogTailLines {
		lines = lines[len(lines)-changelogTailLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// SweepOverflow deletes overflow files older than the retention window.
// Run at startup; if the agent hasn't looked at a dump in three days it
// never will.
func SweepOverflow(dir string, retention time.Duration) {
	if retention <= 0 {
		retention = 3 * 24 * time.Hour
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-retention)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				slog.Warn("overflow cleanup failed", "file", path, "error", err)
			}
		}
	}
}

func readFileOr(path, fallback string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	return string(data)
}
