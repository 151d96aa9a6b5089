package memory

import (
	"context"
	"encoding/json"
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
	"github.com/indoria/guppi/pkg/inbox"
)

var testRetry = bus.RetryPolicy{Attempts: 1}

func TestParseVectorReply(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
		ok   bool
	}{
		{"valid", map[string]interface{}{
			"task_id": "vec-abc",
			"content": map[string]interface{}{"vector": []interface{}{0.1, 0.2, 0.3}},
		}, true},
		{"wrong prefix", map[string]interface{}{
			"task_id": "req-abc",
			"content": map[string]interface{}{"vector": []interface{}{0.1}},
		}, false},
		{"no vector", map[string]interface{}{
			"task_id": "vec-abc",
			"content": map[string]interface{}{},
		}, false},
		{"non numeric element", map[string]interface{}{
			"task_id": "vec-abc",
			"content": map[string]interface{}{"vector": []interface{}{0.1, "oops"}},
		}, false},
		{"missing task id", map[string]interface{}{
			"content": map[string]interface{}{"vector": []interface{}{0.1}},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, ok := ParseVectorReply(tt.data)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, "vec-abc", res.TaskID)
				assert.Len(t, res.Vector, 3)
			}
		})
	}
}

func TestEpisodesIngestSummarize(t *testing.T) {
	dir := t.TempDir()
	fake := bustest.New()
	eps := NewEpisodes(dir, "internal:abe", "flash-model", fake, testRetry)

	n := inbox.Normalize(`{"event_type": "ScribeResult", "content": "What happened today.", "meta": {"mode": "summarize", "source_tier_1": "log-1.jsonl", "maintenance": true}}`)
	eps.Ingest(context.Background(), n)

	files := eps.Recent(5)
	require.Len(t, files, 1)

	body, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "---"), "a frontmatter header is prepended")
	assert.Contains(t, string(body), "source_tier_1: log-1.jsonl")
	assert.Contains(t, string(body), "What happened today.")

	// Vectorization offloaded to the GPU queue, replying to the internal queue.
	raw, ok, err := fake.LPop(context.Background(), GPUQueue)
	require.NoError(t, err)
	require.True(t, ok)
	var task map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &task))
	assert.Equal(t, "internal:abe", task["reply_to"])
	taskID, _ := task["task_id"].(string)
	assert.True(t, strings.HasPrefix(taskID, "vec-"))
	assert.Equal(t, files[0], eps.EpisodePath(taskID))
}

func TestEpisodesIngestIgnoresNonSummarize(t *testing.T) {
	dir := t.TempDir()
	fake := bustest.New()
	eps := NewEpisodes(dir, "internal:abe", "flash-model", fake, testRetry)

	eps.Ingest(context.Background(), inbox.Normalize(`{"content": "chatter", "meta": {"mode": "vectorize"}}`))
	eps.Ingest(context.Background(), inbox.Normalize(`{"content": "", "meta": {"mode": "summarize"}}`))

	assert.Empty(t, eps.Recent(5))
	assert.Equal(t, 0, fake.ListLen(GPUQueue))
}

func TestEpisodesRecentOrdersNewestFirst(t *testing.T) {
	dir := t.TempDir()
	eps := NewEpisodes(dir, "internal:abe", "flash-model", bustest.New(), testRetry)

	older := filepath.Join(dir, "ep-aaa.md")
	newer := filepath.Join(dir, "ep-bbb.md")
	require.NoError(t, os.WriteFile(older, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("new"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	recent := eps.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, newer, recent[0])
}

func TestDigestSyncSkipsShortWindows(t *testing.T) {
	fake := bustest.New()
	d := NewDigestSync(fake, inbox.NewArchive(filepath.Join(t.TempDir(), "comm.log")))

	now := time.Now()
	assert.Nil(t, d.Sync(context.Background(), now, now.Add(500*time.Millisecond)))
}

func TestDigestSyncPullsWindow(t *testing.T) {
	fake := bustest.New()
	archivePath := filepath.Join(t.TempDir(), "comm.log")
	d := NewDigestSync(fake, inbox.NewArchive(archivePath))

	start := time.Now().Add(-time.Hour)
	mid := start.Add(30 * time.Minute)
	fake.AddStreamEntry(SocialDigestStream, fmt.Sprintf("%d-1", mid.UnixMilli()), map[string]string{
		"summary":      "randy and bob argued about tabs",
		"msg_count":    "12",
		"participants": `["randy","bob"]`,
		"generated_at": mid.UTC().Format(time.RFC3339Nano),
	})

	digests := d.Sync(context.Background(), start, time.Now())
	require.Len(t, digests, 1)
	assert.Equal(t, 12, digests[0].Count)
	assert.Contains(t, digests[0].String(), "(12 msgs) randy and bob argued about tabs")

	// The digest is also archived to the communications log.
	data, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SOCIAL DIGEST")
}
