package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/indoria/guppi/pkg/bus"
	"github.com/indoria/guppi/pkg/inbox"
)

// GPUQueue is the shared list the embedding worker consumes.
const GPUQueue = "queue:gpu_heavy"

// Episodes ingests tier-2 episode summaries produced by background
// summarization and offloads their vectorization to the GPU worker.
type Episodes struct {
	dir           string
	internalQueue string
	modelName     string
	bus           bus.Client
	retry         bus.RetryPolicy
}

// NewEpisodes returns the episode ingester. internalQueue is where the GPU
// worker replies with vectors.
func NewEpisodes(dir, internalQueue, modelName string, busClient bus.Client, retry bus.RetryPolicy) *Episodes {
	return &Episodes{
		dir:           dir,
		internalQueue: internalQueue,
		modelName:     modelName,
		bus:           busClient,
		retry:         retry,
	}
}

// Ingest writes a summarize-mode scribe result as an episode file and queues
// its embedding. Non-summarize messages are ignored. File creation is
// idempotent by name; the random id prevents timestamp races.
func (e *Episodes) Ingest(ctx context.Context, n inbox.Normalized) {
	mode, _ := n.Observed.Meta["mode"].(string)
	content := n.ContentString()
	if mode != "summarize" || strings.TrimSpace(content) == "" {
		return
	}

	sourceFile, _ := n.Observed.Meta["source_tier_1"].(string)
	if sourceFile == "" {
		sourceFile = "unknown_source.jsonl"
	}

	fileID := strings.ReplaceAll(uuid.New().String(), "-", "")
	filename := fmt.Sprintf("ep-%s.md", fileID)
	path := filepath.Join(e.dir, filename)

	if !strings.HasPrefix(strings.TrimSpace(content), "---") {
		header := fmt.Sprintf("---\ngenerated_at: %s\ntype: tier_2_episode\nmodel: %s\nsource_tier_1: %s\n---\n\n",
			time.Now().UTC().Format(time.RFC3339Nano), e.modelName, sourceFile)
		content = header + content
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		slog.Error("failed to ingest tier-2 episode", "file", filename, "error", err)
		return
	}
	slog.Info("ingested tier-2 episode", "file", filename)

	task := map[string]interface{}{
		"task_id":  "vec-" + fileID,
		"type":     "embed",
		"content":  content,
		"reply_to": e.internalQueue,
	}
	payload, _ := json.Marshal(task)
	err := bus.Retry(ctx, e.retry, func() error {
		return e.bus.LPush(ctx, GPUQueue, string(payload))
	})
	if err != nil {
		slog.Error("failed to offload vectorization", "file", filename, "error", err)
		return
	}
	slog.Info("offloaded vectorization", "file", filename, "reply_to", e.internalQueue)
}

// EpisodePath maps a vec task id back to its episode file.
func (e *Episodes) EpisodePath(taskID string) string {
	return filepath.Join(e.dir, fmt.Sprintf("ep-%s.md", strings.TrimPrefix(taskID, "vec-")))
}

// Recent returns the n most recently modified episode files, newest first.
func (e *Episodes) Recent(n int) []string {
	matches, err := filepath.Glob(filepath.Join(e.dir, "ep-*.md"))
	if err != nil {
		return nil
	}

	type fileWithTime struct {
		path  string
		mtime time.Time
	}
	files := make([]fileWithTime, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, fileWithTime{m, info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })
	if len(files) > n {
		files = files[:n]
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out
}
