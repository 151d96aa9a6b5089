package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/indoria/guppi/pkg/bus"
)

const tier3Collection = "tier3_memory"

// VectorStore persists tier-3 memory: episode embeddings produced by the GPU
// worker, searchable by rag_search. Embeddings are always computed
// externally; chromem only stores and compares them.
type VectorStore struct {
	persistPath string
	busClient   bus.Client
	retry       bus.RetryPolicy

	mu sync.Mutex
	db *chromem.DB
}

// NewVectorStore opens (lazily) the chromem database under persistPath.
func NewVectorStore(persistPath string, busClient bus.Client, retry bus.RetryPolicy) *VectorStore {
	return &VectorStore{persistPath: persistPath, busClient: busClient, retry: retry}
}

func (v *VectorStore) collection() (*chromem.Collection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.db == nil {
		if err := os.MkdirAll(filepath.Dir(v.persistPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create vector db directory: %w", err)
		}
		db, err := chromem.NewPersistentDB(v.persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector db: %w", err)
		}
		v.db = db
	}

	// The embedding func never runs: every document and query carries an
	// externally produced embedding.
	return v.db.GetOrCreateCollection(tier3Collection, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("external embeddings only")
	})
}

// StoreResult holds a parsed GPU worker reply.
type StoreResult struct {
	TaskID string
	Vector []float32
}

// ParseVectorReply extracts the vec task id and embedding from a GPU worker
// reply payload. Returns false when the payload is not a vector result.
func ParseVectorReply(data map[string]interface{}) (StoreResult, bool) {
	taskID, _ := data["task_id"].(string)
	content, _ := data["content"].(map[string]interface{})
	rawVec, _ := content["vector"].([]interface{})
	if taskID == "" || !strings.HasPrefix(taskID, "vec-") || len(rawVec) == 0 {
		return StoreResult{}, false
	}

	vec := make([]float32, 0, len(rawVec))
	for _, f := range rawVec {
		if n, ok := f.(float64); ok {
			vec = append(vec, float32(n))
		}
	}
	if len(vec) != len(rawVec) {
		return StoreResult{}, false
	}
	return StoreResult{TaskID: taskID, Vector: vec}, true
}

// Store upserts an episode's embedding, keyed by the vec task id. The
// document body is read from the matching episode file.
func (v *VectorStore) Store(ctx context.Context, res StoreResult, episodePath string) error {
	body, err := os.ReadFile(episodePath)
	if err != nil {
		return fmt.Errorf("episode file missing for vector %s: %w", res.TaskID, err)
	}

	col, err := v.collection()
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        res.TaskID,
		Embedding: res.Vector,
		Content:   string(body),
		Metadata: map[string]string{
			"source":      filepath.Base(episodePath),
			"ingested_at": time.Now().UTC().Format(time.RFC3339Nano),
			"type":        "tier_2_episode",
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("vector insert failed for %s: %w", res.TaskID, err)
	}
	slog.Info("stored episode vector", "task_id", res.TaskID, "source", filepath.Base(episodePath))
	return nil
}

// Match is one rag_search hit.
type Match struct {
	Content string            `json:"content"`
	Meta    map[string]string `json:"meta"`
	Score   float32           `json:"score"`
}

// Query embeds the query text via the GPU worker RPC and searches tier-3
// memory for the closest episodes.
func (v *VectorStore) Query(ctx context.Context, query string, limit int) ([]Match, error) {
	embedding, err := v.remoteEmbedding(ctx, query)
	if err != nil {
		return nil, err
	}

	col, err := v.collection()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 3
	}
	if count := col.Count(); count < limit {
		if count == 0 {
			return nil, nil
		}
		limit = count
	}

	results, err := col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{Content: r.Content, Meta: r.Metadata, Score: r.Similarity})
	}
	return matches, nil
}

// remoteEmbedding runs the embed RPC against the GPU worker over a temporary
// reply queue.
func (v *VectorStore) remoteEmbedding(ctx context.Context, text string) ([]float32, error) {
	reqID := "req-" + uuid.New().String()
	replyQueue := "temp:req:" + reqID

	payload, _ := json.Marshal(map[string]interface{}{
		"task_id":  reqID,
		"type":     "embed",
		"content":  text,
		"reply_to": replyQueue,
	})
	err := bus.Retry(ctx, v.retry, func() error {
		return v.busClient.LPush(ctx, GPUQueue, string(payload))
	})
	if err != nil {
		return nil, fmt.Errorf("embedding RPC dispatch failed: %w", err)
	}

	raw, ok, err := v.busClient.BLPop(ctx, 30*time.Second, replyQueue)
	if err != nil {
		return nil, fmt.Errorf("embedding RPC wait failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("embedding RPC timed out")
	}

	var reply map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("malformed embedding reply: %w", err)
	}
	content, _ := reply["content"].(map[string]interface{})
	rawVec, _ := content["vector"].([]interface{})
	if len(rawVec) == 0 {
		return nil, fmt.Errorf("embedding reply carried no vector")
	}
	vec := make([]float32, 0, len(rawVec))
	for _, f := range rawVec {
		if n, ok := f.(float64); ok {
			vec = append(vec, float32(n))
		}
	}
	return vec, nil
}
