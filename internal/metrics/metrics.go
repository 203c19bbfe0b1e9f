package metrics

import "sync"

// Relay event names.
const (
	MessageRelayed       = "message_relayed"
	MessageBroadcast     = "message_broadcast"
	MessageMalformed     = "message_malformed"
	MessageRejected      = "message_rejected"
	TargetUnreachable    = "target_unreachable"
	RateLimited          = "rate_limited"
	ParticipantConnected = "participant_connected"
	ParticipantReplaced  = "participant_replaced"
	SessionJoined        = "session_joined"
	SessionLeft          = "session_left"
	AuthFailed           = "auth_failed"
	DeliveryFailed       = "delivery_failed"
)

// Metrics is a concurrency-safe counter registry. Gauges are sampled from
// callbacks at scrape time.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() float64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() float64),
	}
}

// SetGauge registers fn as the sampler for gauge name, replacing any earlier
// one. fn must be safe to call from any goroutine.
func (m *Metrics) SetGauge(name string, fn func() float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

// Gauges samples every registered gauge.
func (m *Metrics) Gauges() map[string]float64 {
	m.mu.Lock()
	fns := make(map[string]func() float64, len(m.gauges))
	for k, fn := range m.gauges {
		fns[k] = fn
	}
	m.mu.Unlock()

	out := make(map[string]float64, len(fns))
	for k, fn := range fns {
		out[k] = fn()
	}
	return out
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
