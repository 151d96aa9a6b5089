package cognition

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indoria/guppi/pkg/bus"
	"github.com/indoria/guppi/pkg/bus/bustest"
)

func TestGovernorAllowWithinLimit(t *testing.T) {
	g := NewGovernor(func() string { return "abe" }, bustest.New(), bus.RetryPolicy{Attempts: 1}, 3, 5*time.Minute)

	now := time.Now()
	g.now = func() time.Time { return now }

	assert.True(t, g.Allow())
	assert.True(t, g.Allow())
	assert.True(t, g.Allow())
	assert.False(t, g.Allow(), "fourth cycle in the window must trip the breaker")
}

func TestGovernorWindowSlides(t *testing.T) {
	g := NewGovernor(func() string { return "abe" }, bustest.New(), bus.RetryPolicy{Attempts: 1}, 2, 5*time.Minute)

	now := time.Now()
	g.now = func() time.Time { return now }

	assert.True(t, g.Allow())
	assert.True(t, g.Allow())
	assert.False(t, g.Allow())

	// Once the first cycles age out, capacity returns.
	now = now.Add(6 * time.Minute)
	assert.True(t, g.Allow())
}

func TestGovernorSetStatusPublishesBeacon(t *testing.T) {
	fake := bustest.New()
	g := NewGovernor(func() string { return "abe" }, fake, bus.RetryPolicy{Attempts: 1}, 15, 5*time.Minute)

	g.SetStatus(context.Background(), "thinking", "")

	raw, ok, err := fake.Get(context.Background(), "status:abe")
	require.NoError(t, err)
	require.True(t, ok)

	var beacon map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &beacon))
	assert.Equal(t, "thinking", beacon["state"])
	assert.NotEmpty(t, beacon["host"])
}
