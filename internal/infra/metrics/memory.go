package metrics

import (
	"sync"
	"time"

	"arbiter-ai/internal/domain"
)

// TierCounts counts attempts on one tier.
type TierCounts struct {
	Successes uint64        `json:"successes"`
	Failures  uint64        `json:"failures"`
	Total     time.Duration `json:"total_duration"`
}

// Summary is a point-in-time copy of a Memory recorder.
type Summary struct {
	Tiers             map[domain.Tier]TierCounts  `json:"tiers"`
	CacheEvents       map[string]uint64           `json:"cache_events"`
	StrategicRequests uint64                      `json:"strategic_requests"`
	StrategicErrors   map[domain.ErrorCode]uint64 `json:"strategic_errors"`
	StrategicLatency  time.Duration               `json:"strategic_latency_total"`
	ModeTransitions   map[string]uint64           `json:"mode_transitions"`
	Ticks             uint64                      `json:"ticks"`
	MaxTickDuration   time.Duration               `json:"max_tick_duration"`
}

// MeanStrategicLatency is the average background request latency.
func (s Summary) MeanStrategicLatency() time.Duration {
	if s.StrategicRequests == 0 {
		return 0
	}
	return s.StrategicLatency / time.Duration(s.StrategicRequests)
}

// Memory accumulates telemetry in process for tests and CLI summaries.
type Memory struct {
	mu sync.Mutex
	s  Summary
}

// NewMemory creates an empty recorder.
func NewMemory() *Memory {
	return &Memory{s: emptySummary()}
}

func emptySummary() Summary {
	return Summary{
		Tiers:           map[domain.Tier]TierCounts{},
		CacheEvents:     map[string]uint64{},
		StrategicErrors: map[domain.ErrorCode]uint64{},
		ModeTransitions: map[string]uint64{},
	}
}

// RecordCacheEvent implements cache.Recorder.
func (m *Memory) RecordCacheEvent(event string) {
	m.mu.Lock()
	m.s.CacheEvents[event]++
	m.mu.Unlock()
}

// ObserveStrategicRequest implements strategic.Recorder.
func (m *Memory) ObserveStrategicRequest(_ domain.Tier, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.StrategicRequests++
	m.s.StrategicLatency += d
	if err != nil {
		m.s.StrategicErrors[domain.ErrorCodeOf(err)]++
	}
}

// ObserveTierAttempt implements fallback.Recorder.
func (m *Memory) ObserveTierAttempt(tier domain.Tier, success bool, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.s.Tiers[tier]
	if success {
		c.Successes++
	} else {
		c.Failures++
	}
	c.Total += d
	m.s.Tiers[tier] = c
}

// ObserveTick implements arbiter.Recorder.
func (m *Memory) ObserveTick(_ string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.Ticks++
	m.s.MaxTickDuration = max(m.s.MaxTickDuration, d)
}

// ObserveModeChange implements arbiter.Recorder.
func (m *Memory) ObserveModeChange(_, to string) {
	m.mu.Lock()
	m.s.ModeTransitions[to]++
	m.mu.Unlock()
}

// Summary returns a copy of the accumulated counters.
func (m *Memory) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.s
	out.Tiers = make(map[domain.Tier]TierCounts, len(m.s.Tiers))
	for k, v := range m.s.Tiers {
		out.Tiers[k] = v
	}
	out.CacheEvents = make(map[string]uint64, len(m.s.CacheEvents))
	for k, v := range m.s.CacheEvents {
		out.CacheEvents[k] = v
	}
	out.StrategicErrors = make(map[domain.ErrorCode]uint64, len(m.s.StrategicErrors))
	for k, v := range m.s.StrategicErrors {
		out.StrategicErrors[k] = v
	}
	out.ModeTransitions = make(map[string]uint64, len(m.s.ModeTransitions))
	for k, v := range m.s.ModeTransitions {
		out.ModeTransitions[k] = v
	}
	return out
}

// Reset clears all counters.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.s = emptySummary()
	m.mu.Unlock()
}

// Fanout forwards every observation to each recorder in order.
type Fanout []interface {
	RecordCacheEvent(event string)
	ObserveStrategicRequest(tier domain.Tier, d time.Duration, err error)
	ObserveTierAttempt(tier domain.Tier, success bool, d time.Duration)
	ObserveTick(mode string, d time.Duration)
	ObserveModeChange(from, to string)
}

func (f Fanout) RecordCacheEvent(event string) {
	for _, r := range f {
		r.RecordCacheEvent(event)
	}
}

func (f Fanout) ObserveStrategicRequest(tier domain.Tier, d time.Duration, err error) {
	for _, r := range f {
		r.ObserveStrategicRequest(tier, d, err)
	}
}

func (f Fanout) ObserveTierAttempt(tier domain.Tier, success bool, d time.Duration) {
	for _, r := range f {
		r.ObserveTierAttempt(tier, success, d)
	}
}

func (f Fanout) ObserveTick(mode string, d time.Duration) {
	for _, r := range f {
		r.ObserveTick(mode, d)
	}
}

func (f Fanout) ObserveModeChange(from, to string) {
	for _, r := range f {
		r.ObserveModeChange(from, to)
	}
}
