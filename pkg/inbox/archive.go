package inbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Archive appends human-readable communications to the mbox-style
// communications.log. System noise (scribe results, system events) is
// filtered out.
type Archive struct {
	path string
}

func NewArchive(path string) *Archive {
	return &Archive{path: path}
}

// Append archives a normalized message when it is actual communication.
func (a *Archive) Append(n Normalized) {
	switch n.Kind {
	case KindScribeResult, KindSystemEvent:
		return
	}

	sender := n.Observed.From
	if sender == "" {
		sender = "unknown"
	}

	body := ""
	switch raw := n.Observed.Raw.(type) {
	case string:
		body = raw
	default:
		b, err := json.MarshalIndent(raw, "", "  ")
		if err != nil {
			body = fmt.Sprintf("%v", raw)
		} else {
			body = string(b)
		}
	}

	entry := fmt.Sprintf("\n[%s] FROM: %s (Type: %s)\n%s\n%s\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		sender, n.Observed.EventType, body, strings.Repeat("-", 40))

	a.appendRaw(entry)
}

// AppendDigest archives one social digest pulled during orientation sync.
func (a *Archive) AppendDigest(generatedAt, summary, participants string, msgCount int) {
	entry := fmt.Sprintf("\n[%s] [SOCIAL DIGEST] (%d msgs)\nParticipants: %s\nSummary: %s\n%s\n",
		generatedAt, msgCount, participants, summary, strings.Repeat("-", 40))
	a.appendRaw(entry)
}

func (a *Archive) appendRaw(entry string) {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("failed to open communications log", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		slog.Error("failed to archive message", "error", err)
	}
}
