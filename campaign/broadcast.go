package campaign

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/prospectflow/metrics"
)

// defaultMinInterval is the per-plan broadcast throttle. Status pushes
// inside the window are dropped; polls always see fresh state, so a
// dropped push costs nothing but latency.
const defaultMinInterval = 2 * time.Second

// statusSubjectPrefix is the NATS subject prefix for campaign status
// updates. The plan id is appended as the final token.
const statusSubjectPrefix = "prospectflow.campaign.status."

// StatusObserver receives campaign status updates. Observers are called
// synchronously; a slow observer delays the broadcast, a panicking one
// is recovered and logged.
type StatusObserver interface {
	OnStatus(planID string, update StatusUpdate)
}

// Broadcaster fans campaign status updates out to observers, throttling
// per plan so rapid stage transitions do not flood subscribers.
type Broadcaster struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	minInterval time.Duration
	now         func() time.Time

	mu        sync.Mutex
	observers []StatusObserver
	lastSent  map[string]time.Time
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcastLogger sets the broadcaster logger.
func WithBroadcastLogger(logger *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// WithBroadcastMetrics sets the metrics collectors.
func WithBroadcastMetrics(m *metrics.Metrics) BroadcasterOption {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// WithBroadcastInterval overrides the per-plan throttle window.
func WithBroadcastInterval(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		b.minInterval = d
	}
}

// WithBroadcastClock overrides the time source. Used in tests.
func WithBroadcastClock(now func() time.Time) BroadcasterOption {
	return func(b *Broadcaster) {
		b.now = now
	}
}

// NewBroadcaster creates a broadcaster with no observers.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		logger:      slog.Default(),
		metrics:     metrics.NewNop(),
		minInterval: defaultMinInterval,
		now:         time.Now,
		lastSent:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers an observer for all plans.
func (b *Broadcaster) Subscribe(obs StatusObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// Broadcast delivers an update to every observer unless the plan's
// throttle window is still open. Forced broadcasts bypass the throttle;
// they are used for lifecycle boundaries and reconciliation, where a
// dropped update would leave subscribers stale indefinitely.
// Returns true when the update was delivered.
func (b *Broadcaster) Broadcast(planID string, update StatusUpdate, forced bool) bool {
	b.mu.Lock()
	now := b.now()
	if !forced {
		if last, ok := b.lastSent[planID]; ok && now.Sub(last) < b.minInterval {
			b.mu.Unlock()
			b.metrics.BroadcastsSuppressed.Inc()
			return false
		}
	}
	b.lastSent[planID] = now
	observers := make([]StatusObserver, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()

	for _, obs := range observers {
		b.deliver(obs, planID, update)
	}
	b.metrics.Broadcasts.WithLabelValues(forcedLabel(forced)).Inc()
	return true
}

// deliver invokes one observer, recovering panics. A broken subscriber
// must never take the pipeline down with it.
func (b *Broadcaster) deliver(obs StatusObserver, planID string, update StatusUpdate) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("status observer panicked",
				"plan_id", planID, "panic", r)
		}
	}()
	obs.OnStatus(planID, update)
}

func forcedLabel(forced bool) string {
	if forced {
		return "true"
	}
	return "false"
}

// NATSPublisher publishes status updates to
// prospectflow.campaign.status.{plan_id} as JSON. Publish errors are
// logged and swallowed; status delivery is best-effort.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSPublisher creates a publisher over an established connection.
func NewNATSPublisher(conn *nats.Conn, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, logger: logger}
}

// OnStatus implements StatusObserver.
func (p *NATSPublisher) OnStatus(planID string, update StatusUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		p.logger.Error("marshal status update", "plan_id", planID, "error", err)
		return
	}
	if err := p.conn.Publish(statusSubjectPrefix+planID, data); err != nil {
		p.logger.Warn("publish status update", "plan_id", planID, "error", err)
	}
}
