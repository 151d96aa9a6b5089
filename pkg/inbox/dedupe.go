package inbox

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTriggerTTL is how long a fingerprint suppresses duplicates.
const DefaultTriggerTTL = 90 * time.Second

// Fingerprint derives the dedupe key for a normalized message.
//
//   - An explicit action id wins, unless the message is a scribe result or
//     maintenance report.
//   - Scribe/maintenance messages mint a fresh unique id so they always run;
//     their results often look identical (same meta, similar content).
//   - Everything else hashes the first 300 chars of content, with dict
//     content serialized in stable key order.
func Fingerprint(n Normalized) string {
	maintenance := n.IsMaintenance()
	if n.Observed.EventType == "ScribeResult" || maintenance {
		return "scribe:" + uuid.New().String()
	}
	if n.Observed.ActionID != "" {
		return n.Observed.ActionID
	}

	content := n.Observed.Content
	if content == nil {
		content = n.Observed.Raw
	}

	var snippet string
	switch c := content.(type) {
	case string:
		snippet = c
	default:
		// encoding/json sorts map keys, giving a stable serialization.
		b, err := json.Marshal(c)
		if err != nil {
			snippet = fmt.Sprintf("%v", c)
		} else {
			snippet = string(b)
		}
	}
	if len(snippet) > 300 {
		snippet = snippet[:300]
	}

	eventType := n.Observed.EventType
	if eventType == "" {
		eventType = "unknown"
	}

	h := fnv.New64a()
	h.Write([]byte(snippet))
	return fmt.Sprintf("%s:%d", eventType, h.Sum64())
}

// Deduper is the ephemeral fingerprint -> observation-time map, pruned
// after a TTL window.
type Deduper struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DefaultTriggerTTL
	}
	return &Deduper{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// Seen reports whether the fingerprint was observed within the TTL window,
// recording it if not. A true result means the message should be dropped.
func (d *Deduper) Seen(fingerprint string) bool {
	now := d.now()
	cutoff := now.Add(-d.ttl)

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, t := range d.seen {
		if t.Before(cutoff) {
			delete(d.seen, k)
		}
	}

	if _, dup := d.seen[fingerprint]; dup {
		return true
	}
	d.seen[fingerprint] = now
	return false
}
