package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/indoria/guppi/pkg/bus"
	"github.com/indoria/guppi/pkg/inbox"
)

// SocialDigestStream carries summaries of chat activity the agent slept through.
const SocialDigestStream = "volition:social_digests"

// Digest is one missed-activity summary used in the orientation block.
type Digest struct {
	Time         string `json:"time"`
	Summary      string `json:"summary"`
	Count        int    `json:"count"`
	Participants string `json:"participants"`
}

// DigestSync pulls missed social digests between two points in time and
// archives them to the communications log.
type DigestSync struct {
	bus     bus.Client
	archive *inbox.Archive
}

func NewDigestSync(busClient bus.Client, archive *inbox.Archive) *DigestSync {
	return &DigestSync{bus: busClient, archive: archive}
}

// Sync fetches digests emitted between start and end. Windows under one
// second are skipped; stream IDs are millisecond timestamps so the range
// maps directly onto wall time.
func (d *DigestSync) Sync(ctx context.Context, start, end time.Time) []Digest {
	startID := start.UnixMilli()
	endID := end.UnixMilli()
	if endID-startID < 1000 {
		return nil
	}

	entries, err := d.bus.XRange(ctx, SocialDigestStream,
		strconv.FormatInt(startID, 10), strconv.FormatInt(endID, 10))
	if err != nil {
		slog.Error("failed to sync social history", "error", err)
		return nil
	}
	if len(entries) == 0 {
		return nil
	}

	slog.Info("syncing missed social digests", "count", len(entries))
	digests := make([]Digest, 0, len(entries))
	for _, entry := range entries {
		count := 0
		if c, err := strconv.Atoi(entry.Values["msg_count"]); err == nil {
			count = c
		}
		participants := entry.Values["participants"]
		if participants == "" {
			participants = "[]"
		}
		generatedAt := entry.Values["generated_at"]
		if generatedAt == "" {
			generatedAt = time.Now().UTC().Format(time.RFC3339Nano)
		}
		summary := entry.Values["summary"]

		d.archive.AppendDigest(generatedAt, summary, participants, count)
		digests = append(digests, Digest{
			Time:         generatedAt,
			Summary:      summary,
			Count:        count,
			Participants: participants,
		})
	}
	return digests
}

// String renders a digest as one orientation bullet.
func (g Digest) String() string {
	return fmt.Sprintf("• %s: (%d msgs) %s", g.Time, g.Count, g.Summary)
}
