package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/indoria/guppi/pkg/bus"
)

// StreamDenyList names infrastructure streams agents may never subscribe to.
var StreamDenyList = []string{"volition:action_log", "volition:heartbeat", "volition:log_stream"}

func streamDenied(channel string) bool {
	for _, denied := range StreamDenyList {
		if channel == denied {
			return true
		}
	}
	return false
}

// chatPostTool appends to a chat stream, auto-releasing the talking stick
// when this agent holds it.
type chatPostTool struct {
	busClient   bus.Client
	retry       bus.RetryPolicy
	agentName   func() string
	displayName func() string
}

func NewChatPostTool(busClient bus.Client, retry bus.RetryPolicy, agentName, displayName func() string) Tool {
	return &chatPostTool{busClient: busClient, retry: retry, agentName: agentName, displayName: displayName}
}

func (t *chatPostTool) Name() string { return "chat_post" }
func (t *chatPostTool) Description() string {
	return "Post a message to a channel. If you hold the lock for this channel, it is automatically released. Args: message, channel (optional, default: chat:general)"
}

func (t *chatPostTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	channel, _ := args["channel"].(string)
	if channel == "" {
		channel = "chat:general"
	}
	message, _ := args["message"].(string)

	// Posting is the natural end of a speaking turn, so release the stick.
	lockKey := "lock:" + channel
	owner, held, err := t.busClient.Get(ctx, lockKey)
	if err == nil && held && owner == t.agentName() {
		if err := t.busClient.Del(ctx, lockKey); err == nil {
			slog.Info("released talking stick after posting", "lock", lockKey)
		}
	}

	entry := map[string]interface{}{
		"from":      t.displayName(),
		"content":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	err = bus.Retry(ctx, t.retry, func() error {
		_, xerr := t.busClient.XAdd(ctx, channel, entry)
		return xerr
	})
	if err != nil {
		return Outcome{}, err
	}
	return done(map[string]interface{}{"status": "success", "channel": channel})
}

// chatGrabStickTool tries to acquire the per-channel talking stick.
type chatGrabStickTool struct {
	busClient bus.Client
	retry     bus.RetryPolicy
	agentName func() string
	lockTTL   time.Duration
}

func NewChatGrabStickTool(busClient bus.Client, retry bus.RetryPolicy, agentName func() string, lockTTL time.Duration) Tool {
	return &chatGrabStickTool{busClient: busClient, retry: retry, agentName: agentName, lockTTL: lockTTL}
}

func (t *chatGrabStickTool) Name() string { return "chat_grab_stick" }
func (t *chatGrabStickTool) Description() string {
	return fmt.Sprintf("ATTEMPT to acquire the 'Talking Stick' (lock) for a specific channel (default: chat:synchronous). Returns {status: granted|denied}. Lock expires in %.0fs (use this time to THINK, then POST). Posting to the channel AUTOMATICALLY releases the lock. DO NOT hold the stick if you do not intend to post. Args: channel (optional)", t.lockTTL.Seconds())
}

func (t *chatGrabStickTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	channel, _ := args["channel"].(string)
	if channel == "" {
		channel = "chat:synchronous"
	}
	lockKey := "lock:" + channel

	acquired, err := t.busClient.SetNX(ctx, lockKey, t.agentName(), t.lockTTL)
	if err != nil {
		return Outcome{}, err
	}
	if !acquired {
		owner, _, _ := t.busClient.Get(ctx, lockKey)
		if owner == "" {
			owner = "unknown"
		}
		return done(map[string]interface{}{"status": "denied", "channel": channel, "current_speaker": owner})
	}

	entry := map[string]interface{}{"from": t.agentName(), "content": "I am speaking.", "type": "grab_stick"}
	bus.Retry(ctx, t.retry, func() error {
		_, xerr := t.busClient.XAdd(ctx, channel, entry)
		return xerr
	})
	return done(map[string]interface{}{
		"status":  "granted",
		"channel": channel,
		"note":    fmt.Sprintf("You hold the stick for %.0fs", t.lockTTL.Seconds()),
	})
}

// chatHistoryTool scans back over a stream.
type chatHistoryTool struct {
	busClient bus.Client
}

func NewChatHistoryTool(busClient bus.Client) Tool {
	return &chatHistoryTool{busClient: busClient}
}

func (t *chatHistoryTool) Name() string { return "chat_history" }
func (t *chatHistoryTool) Description() string {
	return "Fetch past messages. Args: channel, limit (max 20)"
}

func (t *chatHistoryTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	channel, _ := args["channel"].(string)
	if channel == "" {
		channel = "chat:general"
	}
	limit := 10
	if l, ok := args["limit"].(float64); ok {
		limit = int(l)
	}
	if limit > 20 {
		limit = 20
	}

	history, err := FetchChatContext(ctx, t.busClient, channel, limit)
	if err != nil {
		return Outcome{}, err
	}
	return done(map[string]interface{}{"status": "success", "channel": channel, "history": history})
}

// FetchChatContext returns the last count messages of a stream in
// chronological order. Shared with the scheduler's chat wake path.
func FetchChatContext(ctx context.Context, busClient bus.Client, stream string, count int) ([]map[string]string, error) {
	raw, err := busClient.XRevRangeN(ctx, stream, int64(count))
	if err != nil {
		return nil, err
	}
	history := make([]map[string]string, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		entry := raw[i]
		history = append(history, map[string]string{
			"id":        entry.ID,
			"from":      valueOr(entry.Values, "from", "unknown"),
			"content":   entry.Values["content"],
			"timestamp": entry.Values["timestamp"],
		})
	}
	return history, nil
}

func valueOr(values map[string]string, key, fallback string) string {
	if v, ok := values[key]; ok && v != "" {
		return v
	}
	return fallback
}

// chatIgnoreTool records a deliberate decision to stay silent.
type chatIgnoreTool struct{}

func NewChatIgnoreTool() Tool { return &chatIgnoreTool{} }

func (t *chatIgnoreTool) Name() string { return "chat_ignore" }
func (t *chatIgnoreTool) Description() string {
	return "Explicitly ignore an interrupt (e.g., chat) without taking action. Use this to signal 'Active Listening' without replying."
}

func (t *chatIgnoreTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	return done(map[string]interface{}{"status": "ignored"})
}

// emailSendTool pushes a direct message to another agent's inbox.
type emailSendTool struct {
	busClient   bus.Client
	retry       bus.RetryPolicy
	displayName func() string
}

func NewEmailSendTool(busClient bus.Client, retry bus.RetryPolicy, displayName func() string) Tool {
	return &emailSendTool{busClient: busClient, retry: retry, displayName: displayName}
}

func (t *emailSendTool) Name() string        { return "email_send" }
func (t *emailSendTool) Description() string { return "Send Redis msg. Args: recipient, message" }

func (t *emailSendTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	target, _ := args["recipient"].(string)
	if target == "" {
		return done(map[string]interface{}{"status": "error", "message": "recipient is required"})
	}
	if !strings.HasPrefix(target, "inbox:") {
		target = "inbox:" + target
	}

	msg, _ := json.Marshal(map[string]interface{}{
		"from":       t.displayName(),
		"event_type": "NewInboxMessage",
		"content":    args["message"],
	})
	err := bus.Retry(ctx, t.retry, func() error {
		return t.busClient.LPush(ctx, target, string(msg))
	})
	if err != nil {
		return Outcome{}, err
	}
	return done(map[string]interface{}{"status": "success", "recipient": target})
}

// subscribeTool and unsubscribeTool mutate the explicit stream
// subscriptions held by the scheduler.
type subscribeTool struct {
	subs SubscriptionManager
}

func NewSubscribeTool(subs SubscriptionManager) Tool {
	return &subscribeTool{subs: subs}
}

func (t *subscribeTool) Name() string        { return "subscribe_channel" }
func (t *subscribeTool) Description() string { return "Listen to a Redis Stream. Args: channel" }

func (t *subscribeTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	channel, _ := args["channel"].(string)
	if channel == "" {
		return done(map[string]interface{}{"status": "error", "message": "No channel specified"})
	}
	if streamDenied(channel) {
		return done(map[string]interface{}{"status": "error", "message": fmt.Sprintf("Channel '%s' is restricted.", channel)})
	}
	if err := t.subs.Subscribe(channel); err != nil {
		return Outcome{}, err
	}
	return done(map[string]interface{}{"status": "subscribed", "channel": channel})
}

type unsubscribeTool struct {
	subs SubscriptionManager
}

func NewUnsubscribeTool(subs SubscriptionManager) Tool {
	return &unsubscribeTool{subs: subs}
}

func (t *unsubscribeTool) Name() string { return "unsubscribe_channel" }
func (t *unsubscribeTool) Description() string {
	return "Stop waking for a channel (except mentions). Args: channel"
}

func (t *unsubscribeTool) Execute(ctx context.Context, turnID string, args map[string]interface{}) (Outcome, error) {
	channel, _ := args["channel"].(string)
	if channel == "chat:synchronous" {
		return done(map[string]interface{}{"status": "error", "message": "Cannot unsubscribe from Emergency channel."})
	}
	removed, err := t.subs.Unsubscribe(channel)
	if err != nil {
		return Outcome{}, err
	}
	if !removed {
		return done(map[string]interface{}{"status": "noop", "message": "Not subscribed."})
	}
	return done(map[string]interface{}{
		"status":  "unsubscribed",
		"channel": channel,
		"note":    "You will still be woken by @mentions.",
	})
}
