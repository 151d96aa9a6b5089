package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/indoria/guppi/pkg/bus"
	"github.com/indoria/guppi/pkg/cognition"
	"github.com/indoria/guppi/pkg/identity"
	"github.com/indoria/guppi/pkg/inbox"
	"github.com/indoria/guppi/pkg/journal"
	"github.com/indoria/guppi/pkg/memory"
	"github.com/indoria/guppi/pkg/prompt"
	"github.com/indoria/guppi/pkg/todo"
	"github.com/indoria/guppi/pkg/tools"
)

const (
	killSwitchStream = "volition:kill_switch"
	heartbeatStream  = "volition:heartbeat"
	synchronousChat  = "chat:synchronous"
	generalChat      = "chat:general"

	// maxBurstDrain bounds how many extra inbox items one wake may consume
	// before the cooldown kicks back in.
	maxBurstDrain = 20

	heartbeatInterval = time.Minute
	shutdownGrace     = 5 * time.Second
)

// wakeKind identifies which stimulus source fired.
type wakeKind int

const (
	wakeStreams wakeKind = iota
	wakeInternal
	wakeLocal
	wakeInbox
	wakeAlarm
	wakeCooldown
)

type wakeEvent struct {
	kind    wakeKind
	batches []bus.StreamBatch
	item    string
}

// Options wires the scheduler's collaborators.
type Options struct {
	Bus       bus.Client
	Retry     bus.RetryPolicy
	Identity  *identity.Manager
	Journal   *journal.Journal
	WAL       *inbox.WAL
	Archive   *inbox.Archive
	Deduper   *inbox.Deduper
	Episodes  *memory.Episodes
	Vectors   *memory.VectorStore
	Digests   *memory.DigestSync
	Todos     *todo.Store
	Thinker   *cognition.Thinker
	Governor  *cognition.Governor
	Runner    *tools.Runner
	Subs      *Subscriptions
	StubPath  string
	Wakeup    chan struct{}
}

// Scheduler is the refractory main loop: it races stimulus sources, gates
// the expensive thinking path behind a cooldown, and keeps the always-hot
// senses armed.
type Scheduler struct {
	bus      bus.Client
	retry    bus.RetryPolicy
	identity *identity.Manager
	journal  *journal.Journal
	wal      *inbox.WAL
	archive  *inbox.Archive
	deduper  *inbox.Deduper
	episodes *memory.Episodes
	vectors  *memory.VectorStore
	digests  *memory.DigestSync
	todos    *todo.Store
	thinker  *cognition.Thinker
	governor *cognition.Governor
	runner   *tools.Runner
	subs     *Subscriptions
	stubPath string
	wakeup   chan struct{}

	cursors       map[string]string
	cooldownUntil time.Time
	lastSleep     time.Time
	lastSocial    time.Time

	mu       sync.Mutex
	stopping bool
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		bus:      opts.Bus,
		retry:    opts.Retry,
		identity: opts.Identity,
		journal:  opts.Journal,
		wal:      opts.WAL,
		archive:  opts.Archive,
		deduper:  opts.Deduper,
		episodes: opts.Episodes,
		vectors:  opts.Vectors,
		digests:  opts.Digests,
		todos:    opts.Todos,
		thinker:  opts.Thinker,
		governor: opts.Governor,
		runner:   opts.Runner,
		subs:     opts.Subs,
		stubPath: opts.StubPath,
		wakeup:   opts.Wakeup,
		cursors: map[string]string{
			synchronousChat:  "$",
			generalChat:      "$",
			killSwitchStream: "$",
		},
		lastSleep:  time.Now(),
		lastSocial: time.Now(),
	}
	for _, ch := range s.subs.List() {
		s.cursors[ch] = "$"
	}
	return s
}

func (s *Scheduler) inboxQueue() string    { return "inbox:" + s.identity.Name() }
func (s *Scheduler) internalQueue() string { return "internal:" + s.identity.Name() }

func (s *Scheduler) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Run drives the main event loop until Stop is called or the kill switch
// fires. It blocks.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("entering main event loop", "agent", s.identity.Name())
	s.governor.SetStatus(ctx, "idle", "")

	bgCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.bgCancel = cancel
	s.mu.Unlock()

	s.bgWG.Add(1)
	go s.heartbeatLoop(bgCtx)

	for !s.isStopping() && ctx.Err() == nil {
		if !s.iterate(ctx) {
			return
		}
	}
}

// iterate runs one race-and-dispatch round. Returns false when the loop
// should exit.
func (s *Scheduler) iterate(ctx context.Context) bool {
	s.lastSleep = time.Now()
	cooling := time.Now().Before(s.cooldownUntil)

	iterCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Every source writes into a buffered channel sized for all of them, so
	// a payload popped just before cancellation is never lost.
	wakes := make(chan wakeEvent, 6)
	var wg sync.WaitGroup

	// Pick up subscriptions made by tools since the last iteration. New
	// streams start at "$": only messages from now on matter. Unsubscribed
	// streams stay read so @mentions can still wake the agent.
	for _, ch := range s.subs.List() {
		if _, ok := s.cursors[ch]; !ok {
			s.cursors[ch] = "$"
		}
	}

	cursors := make(map[string]string, len(s.cursors))
	for k, v := range s.cursors {
		cursors[k] = v
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		batches, err := s.bus.XRead(iterCtx, cursors, 1, 0)
		if err == nil && len(batches) > 0 {
			wakes <- wakeEvent{kind: wakeStreams, batches: batches}
		}
	}()
	go func() {
		defer wg.Done()
		item, ok, err := s.bus.BLPop(iterCtx, 0, s.internalQueue())
		if err == nil && ok {
			wakes <- wakeEvent{kind: wakeInternal, item: item}
		}
	}()
	go func() {
		defer wg.Done()
		select {
		case <-s.wakeup:
			wakes <- wakeEvent{kind: wakeLocal}
		case <-iterCtx.Done():
		}
	}()

	if !cooling {
		wg.Add(2)
		go func() {
			defer wg.Done()
			item, ok, err := s.bus.BLPop(iterCtx, 0, s.inboxQueue())
			if err == nil && ok {
				wakes <- wakeEvent{kind: wakeInbox, item: item}
			}
		}()
		go func() {
			defer wg.Done()
			select {
			case <-time.After(s.todos.NextDue(iterCtx)):
				wakes <- wakeEvent{kind: wakeAlarm}
			case <-iterCtx.Done():
			}
		}()
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-time.After(time.Until(s.cooldownUntil)):
				wakes <- wakeEvent{kind: wakeCooldown}
			case <-iterCtx.Done():
			}
		}()
	}

	// First wake wins; losers are cancelled and drained so nothing popped
	// in the race window is dropped.
	var fired []wakeEvent
	select {
	case w := <-wakes:
		fired = append(fired, w)
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return false
	}
	cancel()
	wg.Wait()
	for {
		select {
		case w := <-wakes:
			fired = append(fired, w)
			continue
		default:
		}
		break
	}

	orientation := s.computeOrientation(ctx)

	for _, w := range fired {
		switch w.kind {
		case wakeStreams:
			if !s.handleStreams(ctx, w.batches, orientation) {
				return false
			}
		case wakeInternal:
			s.handleInternalItem(ctx, w.item)
		case wakeLocal:
			// Subprocess accounting is owned by the monitor; the pulse only
			// re-runs the loop so freshly patched outcomes get seen.
		case wakeInbox:
			s.handleInboxBurst(ctx, w.item, orientation)
		case wakeAlarm:
			s.handleAlarm(ctx, orientation)
		case wakeCooldown:
			// Cooldown expired; next iteration re-arms the gated sources.
		}
	}
	return true
}

// computeOrientation measures the sleep that just ended and pulls any social
// digests missed during it.
func (s *Scheduler) computeOrientation(ctx context.Context) *prompt.Orientation {
	wake := time.Now()
	asleep := wake.Sub(s.lastSleep)
	missed := s.digests.Sync(ctx, s.lastSocial, wake)
	s.lastSocial = wake
	return &prompt.Orientation{TimeAsleep: asleep, MissedDigests: missed}
}

// handleStreams processes one XRead result. Returns false on kill switch.
func (s *Scheduler) handleStreams(ctx context.Context, batches []bus.StreamBatch, orientation *prompt.Orientation) bool {
	for _, batch := range batches {
		if len(batch.Entries) == 0 {
			continue
		}

		lastID := batch.Entries[len(batch.Entries)-1].ID
		cursor, ok := s.cursors[batch.Stream]
		if !ok {
			cursor = "0-0"
		}
		// Cursor must move strictly forward; replays and reorders are noise.
		if cursor != "$" && !bus.StreamIDAfter(lastID, cursor) {
			slog.Warn("stream ignored: duplicate or reordered ID", "stream", batch.Stream, "id", lastID)
			continue
		}
		s.cursors[batch.Stream] = lastID

		for _, entry := range batch.Entries {
			if batch.Stream == killSwitchStream {
				slog.Error("kill switch received")
				s.Stop(ctx)
				return false
			}
			s.handleChatMessage(ctx, batch.Stream, entry, orientation)
		}
	}
	return true
}

func (s *Scheduler) handleChatMessage(ctx context.Context, stream string, entry bus.StreamEntry, orientation *prompt.Orientation) {
	name := s.identity.Name()
	content := strings.ToLower(entry.Values["content"])
	mentioned := strings.Contains(content, "@"+strings.ToLower(name)) || strings.Contains(content, "@all")
	shouldWake := s.subs.Contains(stream) || mentioned || stream == synchronousChat
	if !shouldWake {
		return
	}

	window, err := tools.FetchChatContext(ctx, s.bus, stream, 5)
	if err != nil {
		slog.Error("failed to fetch chat context", "stream", stream, "error", err)
	}

	message := make(map[string]interface{}, len(entry.Values))
	for k, v := range entry.Values {
		message[k] = v
	}

	parentID, _ := s.journal.AppendEvent(ctx, "NewChatMessage", message, stream)
	tripped := s.thinker.Run(ctx, cognition.Cycle{
		Event: map[string]interface{}{
			"event":          "Chat",
			"channel":        stream,
			"message":        message,
			"context_window": window,
			"mentioned":      mentioned,
		},
		ParentEventID: parentID,
		Orientation:   orientation,
	})
	s.applyCooldown(tripped, 5*time.Second)
}

// handleInboxBurst processes the waking item, then drains up to 20 more
// without blocking before the cooldown takes hold.
func (s *Scheduler) handleInboxBurst(ctx context.Context, first string, orientation *prompt.Orientation) {
	tripped := s.handleInboxItem(ctx, first, orientation)

	drained := 0
	for drained < maxBurstDrain && !s.isStopping() {
		item, ok, err := s.bus.LPop(ctx, s.inboxQueue())
		if err != nil || !ok {
			break
		}
		if s.handleInboxItem(ctx, item, orientation) {
			tripped = true
		}
		drained++
	}
	if drained > 0 {
		slog.Info("drained extra inbox items in burst mode", "count", drained)
	}

	// A governor trip anywhere in the burst must survive to the final gate.
	s.applyCooldown(tripped, refractoryCooldown())
}

// handleInboxItem processes one payload and reports whether the governor
// tripped during the think cycle.
func (s *Scheduler) handleInboxItem(ctx context.Context, raw string, orientation *prompt.Orientation) bool {
	s.wal.Persist(raw)
	norm := inbox.Normalize(raw)

	if s.deduper.Seen(inbox.Fingerprint(norm)) {
		slog.Debug("dropping duplicate inbox trigger")
		return false
	}

	s.archive.Append(norm)
	s.episodes.Ingest(ctx, norm)

	// Maintenance gates: background work reporting completion never earns
	// an LLM call.
	if jobType, _ := norm.Observed.Meta["job_type"].(string); jobType == "update_stub" {
		if content := norm.ContentString(); content != "" {
			if err := os.WriteFile(s.stubPath, []byte(content), 0644); err != nil {
				slog.Error("failed to write identity stub", "error", err)
			} else {
				s.journal.AppendEvent(ctx, "Maintenance", "Updated Identity Stub", "GUPPI")
			}
		}
		return false
	}
	if norm.IsMaintenance() {
		metaJSON, _ := json.Marshal(norm.Observed.Meta)
		s.journal.AppendEvent(ctx, "MaintenanceCompleted", "Silent Scribe: "+string(metaJSON), "GUPPI:Background")
		return false
	}

	envelope := norm.Envelope()
	parentID, _ := s.journal.AppendEvent(ctx, "NewInboxMessage", envelope, s.inboxQueue())
	return s.thinker.Run(ctx, cognition.Cycle{
		Event:         map[string]interface{}{"event": "Inbox", "payload": envelope},
		ParentEventID: parentID,
		Orientation:   orientation,
	})
}

func (s *Scheduler) handleAlarm(ctx context.Context, orientation *prompt.Orientation) {
	due, err := s.todos.Due(ctx, 5)
	if err != nil {
		slog.Error("alarm: failed to query due tasks", "error", err)
		return
	}
	if len(due) == 0 {
		s.applyCooldown(false, refractoryCooldown())
		return
	}

	parentID, _ := s.journal.AppendEvent(ctx, "SystemAlarm",
		map[string]interface{}{"count": len(due)}, "System")
	tripped := s.thinker.Run(ctx, cognition.Cycle{
		Event:         map[string]interface{}{"event": "Alarm", "due_tasks": due},
		ParentEventID: parentID,
		Orientation:   orientation,
	})
	s.applyCooldown(tripped, refractoryCooldown())
}

// handleInternalItem routes GPU worker and RPC replies off the internal
// queue. Vector results go straight to tier-3 storage.
func (s *Scheduler) handleInternalItem(ctx context.Context, raw string) {
	s.wal.Persist(raw)

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		slog.Error("internal queue JSON decode failed", "error", err)
		return
	}

	if res, ok := memory.ParseVectorReply(data); ok {
		if err := s.vectors.Store(ctx, res, s.episodes.EpisodePath(res.TaskID)); err != nil {
			slog.Error("failed to store vector result", "task_id", res.TaskID, "error", err)
		}
		return
	}

	if _, ok := data["rag_result"]; ok {
		s.journal.AppendEvent(ctx, "InternalResult", data, "Internal")
	}
}

// applyCooldown sets the refractory gate. A governor trip always imposes
// the 60 second penalty regardless of the normal cooldown.
func (s *Scheduler) applyCooldown(governorTripped bool, normal time.Duration) {
	if governorTripped {
		s.cooldownUntil = time.Now().Add(60 * time.Second)
		return
	}
	if normal > 0 {
		s.cooldownUntil = time.Now().Add(normal)
	}
}

// refractoryCooldown randomizes the post-work cooldown so sibling agents
// don't wake in lockstep.
func refractoryCooldown() time.Duration {
	return time.Duration(10+rand.Float64()*20) * time.Second
}

// heartbeatLoop publishes liveness and runs the cheap prune check.
func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	defer s.bgWG.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	host, _ := os.Hostname()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		slog.Info("heartbeat", "buffer", s.journal.Len())
		err := bus.Retry(ctx, s.retry, func() error {
			_, xerr := s.bus.XAdd(ctx, heartbeatStream, map[string]interface{}{
				"agent":   s.identity.Name(),
				"display": s.identity.DisplayName(),
				"ts":      time.Now().UTC().Format(time.RFC3339Nano),
				"host":    host,
			})
			return xerr
		})
		if err != nil {
			slog.Error("heartbeat publish failed", "error", err)
		}

		s.journal.MaybePrune()
	}
}

// Stop shuts down gracefully: background loops are cancelled, tracked
// subprocesses get a grace period, the journal is flushed, the bus closed.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	cancel := s.bgCancel
	s.mu.Unlock()

	slog.Info("shutting down")
	if cancel != nil {
		cancel()
	}
	s.bgWG.Wait()

	s.runner.WaitIdle(shutdownGrace)

	if err := s.journal.Rewrite(); err != nil {
		slog.Error("failed to flush journal on shutdown", "error", err)
	}
	if err := s.bus.Close(); err != nil {
		slog.Warn("bus close failed", "error", err)
	}
	slog.Info("shutdown complete")
}
