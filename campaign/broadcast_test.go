package campaign

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureObserver struct {
	mu      sync.Mutex
	updates []StatusUpdate
	plans   []string
}

func (o *captureObserver) OnStatus(planID string, update StatusUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plans = append(o.plans, planID)
	o.updates = append(o.updates, update)
}

func (o *captureObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.updates)
}

func (o *captureObserver) last() StatusUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.updates[len(o.updates)-1]
}

type panickyObserver struct{}

func (panickyObserver) OnStatus(string, StatusUpdate) {
	panic("subscriber is broken")
}

func TestBroadcast_ThrottleSuppressesWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBroadcaster(WithBroadcastClock(func() time.Time { return now }))
	obs := &captureObserver{}
	b.Subscribe(obs)

	require.True(t, b.Broadcast("plan-1", StatusUpdate{CurrentPhase: PhaseDiscovery}, false))

	now = now.Add(time.Second)
	assert.False(t, b.Broadcast("plan-1", StatusUpdate{CurrentPhase: PhaseEnrichment}, false),
		"second broadcast inside the window must be suppressed")
	assert.Equal(t, 1, obs.count())

	now = now.Add(2 * time.Second)
	assert.True(t, b.Broadcast("plan-1", StatusUpdate{CurrentPhase: PhaseOutreach}, false))
	assert.Equal(t, 2, obs.count())
	assert.Equal(t, PhaseOutreach, obs.last().CurrentPhase)
}

func TestBroadcast_ForcedBypassesThrottle(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBroadcaster(WithBroadcastClock(func() time.Time { return now }))
	obs := &captureObserver{}
	b.Subscribe(obs)

	require.True(t, b.Broadcast("plan-1", StatusUpdate{CurrentPhase: PhaseDiscovery}, false))

	now = now.Add(500 * time.Millisecond)
	assert.True(t, b.Broadcast("plan-1", StatusUpdate{CurrentPhase: PhaseCompleted}, true),
		"forced broadcast must always be delivered")
	assert.Equal(t, 2, obs.count())

	// A forced send restarts the window for subsequent unforced ones.
	now = now.Add(time.Second)
	assert.False(t, b.Broadcast("plan-1", StatusUpdate{CurrentPhase: PhaseCompleted}, false))
}

func TestBroadcast_ThrottleIsPerPlan(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBroadcaster(WithBroadcastClock(func() time.Time { return now }))
	obs := &captureObserver{}
	b.Subscribe(obs)

	require.True(t, b.Broadcast("plan-1", StatusUpdate{CurrentPhase: PhaseDiscovery}, false))
	assert.True(t, b.Broadcast("plan-2", StatusUpdate{CurrentPhase: PhaseDiscovery}, false),
		"another plan's window must not throttle this plan")
	assert.Equal(t, []string{"plan-1", "plan-2"}, obs.plans)
}

func TestBroadcast_RecoversPanickingObserver(t *testing.T) {
	b := NewBroadcaster()
	obs := &captureObserver{}
	b.Subscribe(panickyObserver{})
	b.Subscribe(obs)

	require.NotPanics(t, func() {
		b.Broadcast("plan-1", StatusUpdate{CurrentPhase: PhaseDiscovery}, true)
	})
	assert.Equal(t, 1, obs.count(), "observers after the panicking one still receive the update")
}

func TestBroadcast_CustomInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBroadcaster(
		WithBroadcastClock(func() time.Time { return now }),
		WithBroadcastInterval(10*time.Second),
	)

	require.True(t, b.Broadcast("plan-1", StatusUpdate{}, false))
	now = now.Add(5 * time.Second)
	assert.False(t, b.Broadcast("plan-1", StatusUpdate{}, false))
	now = now.Add(5 * time.Second)
	assert.True(t, b.Broadcast("plan-1", StatusUpdate{}, false))
}
