// Package bustest provides an in-memory bus.Client for tests.
package bustest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/indoria/guppi/pkg/bus"
)

// Fake implements bus.Client against in-process maps. Blocking pops poll so
// tests can push from other goroutines.
type Fake struct {
	mu      sync.Mutex
	lists   map[string][]string
	streams map[string][]bus.StreamEntry
	keys    map[string]string
	seq     int64
	closed  bool
}

func New() *Fake {
	return &Fake{
		lists:   make(map[string][]string),
		streams: make(map[string][]bus.StreamEntry),
		keys:    make(map[string]string),
	}
}

func (f *Fake) BLPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if v, ok, _ := f.LPop(ctx, key); ok {
			return v, true, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *Fake) LPop(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.lists[key]
	if len(items) == 0 {
		return "", false, nil
	}
	v := items[0]
	f.lists[key] = items[1:]
	return v, true, nil
}

func (f *Fake) LPush(ctx context.Context, key string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append([]string{value}, f.lists[key]...)
	return nil
}

// ListLen reports the current length of a list. Test helper.
func (f *Fake) ListLen(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists[key])
}

func (f *Fake) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), f.seq)
	entry := bus.StreamEntry{ID: id, Values: make(map[string]string, len(values))}
	for k, v := range values {
		entry.Values[k] = fmt.Sprintf("%v", v)
	}
	f.streams[stream] = append(f.streams[stream], entry)
	return id, nil
}

// AddStreamEntry appends a stream entry with an explicit ID. Test helper.
func (f *Fake) AddStreamEntry(stream, id string, values map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[stream] = append(f.streams[stream], bus.StreamEntry{ID: id, Values: values})
}

// StreamLen reports the number of entries in a stream. Test helper.
func (f *Fake) StreamLen(stream string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[stream])
}

func (f *Fake) XRead(ctx context.Context, cursors map[string]string, count int64, block time.Duration) ([]bus.StreamBatch, error) {
	for {
		f.mu.Lock()
		var batches []bus.StreamBatch
		for stream, cursor := range cursors {
			var after []bus.StreamEntry
			for _, entry := range f.streams[stream] {
				if cursor == "$" || bus.StreamIDAfter(entry.ID, cursor) {
					// "$" means only entries added after the read begins;
					// the fake approximates by skipping the backlog.
					if cursor == "$" {
						continue
					}
					after = append(after, entry)
					if count > 0 && int64(len(after)) >= count {
						break
					}
				}
			}
			if len(after) > 0 {
				batches = append(batches, bus.StreamBatch{Stream: stream, Entries: after})
			}
		}
		f.mu.Unlock()
		if len(batches) > 0 {
			return batches, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *Fake) XRange(ctx context.Context, stream, start, stop string) ([]bus.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bus.StreamEntry
	for _, entry := range f.streams[stream] {
		ms, _ := bus.ParseStreamID(entry.ID)
		startMS, _ := bus.ParseStreamID(start)
		stopMS, _ := bus.ParseStreamID(stop)
		if ms >= startMS && ms <= stopMS {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (f *Fake) XRevRangeN(ctx context.Context, stream string, count int64) ([]bus.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.streams[stream]
	var out []bus.StreamEntry
	for i := len(entries) - 1; i >= 0 && int64(len(out)) < count; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (f *Fake) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.keys[key]; exists {
		return false, nil
	}
	f.keys[key] = value
	return true, nil
}

func (f *Fake) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = value
	return nil
}

func (f *Fake) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[key]
	return v, ok, nil
}

func (f *Fake) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ bus.Client = (*Fake)(nil)
