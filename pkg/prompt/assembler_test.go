package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indoria/guppi/pkg/bus"
	"github.com/indoria/guppi/pkg/bus/bustest"
	"github.com/indoria/guppi/pkg/config"
	"github.com/indoria/guppi/pkg/journal"
)

func testAssembler(t *testing.T) (*Assembler, *journal.Journal, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		OverflowDir: dir,
		LogsDir:     dir,
	}
	jrnl, err := journal.Open(journal.Options{
		Path:       filepath.Join(dir, "working.log"),
		ArchiveDir: dir,
		Agent:      "abe",
		Bus:        bustest.New(),
		Retry:      bus.RetryPolicy{Attempts: 1},
	})
	require.NoError(t, err)
	return &Assembler{cfg: cfg, journal: jrnl}, jrnl, cfg
}

func TestOverflowTextShortPassthrough(t *testing.T) {
	a, _, cfg := testAssembler(t)
	out := a.overflowText("short output", "turn-1", "-stdout", capHistory)
	assert.Equal(t, "short output", out)

	// No sidecar file for text under the cap.
	_, err := os.Stat(filepath.Join(cfg.OverflowDir, "turn-1-stdout.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestOverflowTextRoundTrip(t *testing.T) {
	a, _, cfg := testAssembler(t)

	capSize := capHistory
	text := strings.Repeat("a", 600) + strings.Repeat("b", 600)
	out := a.overflowText(text, "turn-2", "-stdout", capSize)

	split := capSize / 2
	removed := len(text) - capSize
	marker := fmt.Sprintf("\n... [OUTPUT TRUNCATED: %d chars removed. Saved to: turn-2-stdout.txt] ...\n", removed)
	assert.Equal(t, text[:split]+marker+text[len(text)-split:], out)

	// The sidecar file holds the untruncated text.
	data, err := os.ReadFile(filepath.Join(cfg.OverflowDir, "turn-2-stdout.txt"))
	require.NoError(t, err)
	assert.Equal(t, text, string(data))
}

func TestOverflowTextIdempotent(t *testing.T) {
	a, _, cfg := testAssembler(t)
	text := strings.Repeat("x", capHistory+100)

	a.overflowText(text, "turn-3", "", capHistory)
	path := filepath.Join(cfg.OverflowDir, "turn-3.txt")
	first, err := os.Stat(path)
	require.NoError(t, err)

	// A second pass must not rewrite the file.
	require.NoError(t, os.Chtimes(path, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))
	a.overflowText(text, "turn-3", "", capHistory)
	second, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, time.Now().Add(-time.Hour).Unix(), second.ModTime().Unix())
	assert.Equal(t, first.Size(), second.Size())
}

func TestSanitizeHistorySparesNewestEntry(t *testing.T) {
	a, jrnl, _ := testAssembler(t)
	ctx := context.Background()

	big := strings.Repeat("z", capHistory+5000)
	require.NoError(t, jrnl.AppendIntent(ctx, "turn-old", "evt-1", "old", map[string]interface{}{"tool": "shell"}, ""))
	require.NoError(t, jrnl.PatchOutcome(ctx, "turn-old", map[string]interface{}{"stdout": big}, false))
	require.NoError(t, jrnl.AppendIntent(ctx, "turn-new", "evt-2", "new", map[string]interface{}{"tool": "shell"}, ""))
	require.NoError(t, jrnl.PatchOutcome(ctx, "turn-new", map[string]interface{}{"stdout": big}, false))

	out := a.SanitizeHistory(10)

	// Older entry overflows at the small cap; the newest is under 50k and
	// survives intact.
	assert.Contains(t, out, "turn-old-stdout.txt")
	assert.NotContains(t, out, "turn-new-stdout.txt")
}

func TestSanitizeHistoryLeavesJournalUntouched(t *testing.T) {
	a, jrnl, _ := testAssembler(t)
	ctx := context.Background()

	big := strings.Repeat("q", capHistory+500)
	require.NoError(t, jrnl.AppendIntent(ctx, "turn-a", "evt-1", "r", map[string]interface{}{"tool": "shell"}, ""))
	require.NoError(t, jrnl.PatchOutcome(ctx, "turn-a", map[string]interface{}{"stdout": big}, false))
	require.NoError(t, jrnl.AppendIntent(ctx, "turn-b", "evt-2", "r", map[string]interface{}{"tool": "shell"}, ""))

	a.SanitizeHistory(10)

	entries := jrnl.Snapshot(0)
	results, ok := entries[0].Results.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, big, results["stdout"])
}

func TestOrientationDeep(t *testing.T) {
	var nilOrientation *Orientation
	assert.False(t, nilOrientation.Deep())
	assert.False(t, (&Orientation{TimeAsleep: 30 * time.Minute}).Deep())
	assert.True(t, (&Orientation{TimeAsleep: 2 * time.Hour}).Deep())
}

func TestChangelogTail(t *testing.T) {
	a, _, cfg := testAssembler(t)

	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	path := cfg.ChangelogPath(time.Now())
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	tail := a.changelogTail()
	assert.NotContains(t, tail, "line 19")
	assert.Contains(t, tail, "line 20")
	assert.Contains(t, tail, "line 49")
}

func TestChangelogTailMissingFile(t *testing.T) {
	a, _, _ := testAssembler(t)
	assert.Equal(t, "(No changelog entries for today yet.)", a.changelogTail())
}

func TestSweepOverflow(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "turn-old.txt")
	fresh := filepath.Join(dir, "turn-fresh.txt")
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("fresh"), 0o644))
	stale := time.Now().Add(-4 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	SweepOverflow(dir, 0)

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
