package metrics

import "sync"

// Event counter names used across the coordinator.
const (
	ConnectionsOpened  = "connections_opened"
	ConnectionsClosed  = "connections_closed"
	RoomsCreated       = "rooms_created"
	RoomsDeleted       = "rooms_deleted"
	SignalsRelayed     = "signals_relayed"
	UnknownRecipient   = "signal_unknown_recipient"
	DropSlowConsumer   = "drop_slow_consumer"
	DropRateLimited    = "drop_rate_limited"
	AuthFailure        = "auth_failure"
	ProtocolViolations = "protocol_violations"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps the coordinator's enforcement logic testable without a metrics
// backend; the counters are scraped through the Prometheus text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
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
