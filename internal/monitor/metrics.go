package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"digit-trader/internal/gateway"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	SettlementLatency *LatencyHistogram
	APILatency        *LatencyHistogram

	// Counters
	ticksProcessed uint64
	feedGaps       uint64
	tradesOpened   uint64
	tradesSettled  uint64
	decisions      uint64
	denials        uint64
	alerts         uint64

	// Pool and session stats, refreshed periodically from main.
	gatewayStats   gateway.PoolStats
	activeSessions int

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		SettlementLatency: NewLatencyHistogram(1000),
		APILatency:        NewLatencyHistogram(1000),
		lastUpdate:        time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) incTicks()         { atomic.AddUint64(&m.ticksProcessed, 1) }
func (m *SystemMetrics) incGaps()          { atomic.AddUint64(&m.feedGaps, 1) }
func (m *SystemMetrics) incTradesOpened()  { atomic.AddUint64(&m.tradesOpened, 1) }
func (m *SystemMetrics) incTradesSettled() { atomic.AddUint64(&m.tradesSettled, 1) }
func (m *SystemMetrics) incAlerts()        { atomic.AddUint64(&m.alerts, 1) }

func (m *SystemMetrics) incDecision(allowed bool) {
	atomic.AddUint64(&m.decisions, 1)
	if !allowed {
		atomic.AddUint64(&m.denials, 1)
	}
}

// UpdatePool records the latest gateway pool and session figures.
func (m *SystemMetrics) UpdatePool(stats gateway.PoolStats, activeSessions int) {
	m.mu.Lock()
	m.gatewayStats = stats
	m.activeSessions = activeSessions
	m.lastUpdate = time.Now()
	m.mu.Unlock()
}

// MetricsSnapshot is a point-in-time copy of SystemMetrics.
type MetricsSnapshot struct {
	SettlementLatency LatencyStats      `json:"settlement_latency"`
	APILatency        LatencyStats      `json:"api_latency"`
	TicksProcessed    uint64            `json:"ticks_processed"`
	FeedGaps          uint64            `json:"feed_gaps"`
	TradesOpened      uint64            `json:"trades_opened"`
	TradesSettled     uint64            `json:"trades_settled"`
	Decisions         uint64            `json:"decisions"`
	Denials           uint64            `json:"denials"`
	Alerts            uint64            `json:"alerts"`
	GatewayPool       gateway.PoolStats `json:"gateway_pool"`
	ActiveSessions    int               `json:"active_sessions"`
	GoroutineCount    int               `json:"goroutine_count"`
	HeapAlloc         uint64            `json:"heap_alloc_bytes"`
	HeapSys           uint64            `json:"heap_sys_bytes"`
	Timestamp         time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	gwStats := m.gatewayStats
	sessions := m.activeSessions
	m.mu.RUnlock()

	return MetricsSnapshot{
		SettlementLatency: m.SettlementLatency.Stats(),
		APILatency:        m.APILatency.Stats(),
		TicksProcessed:    atomic.LoadUint64(&m.ticksProcessed),
		FeedGaps:          atomic.LoadUint64(&m.feedGaps),
		TradesOpened:      atomic.LoadUint64(&m.tradesOpened),
		TradesSettled:     atomic.LoadUint64(&m.tradesSettled),
		Decisions:         atomic.LoadUint64(&m.decisions),
		Denials:           atomic.LoadUint64(&m.denials),
		Alerts:            atomic.LoadUint64(&m.alerts),
		GatewayPool:       gwStats,
		ActiveSessions:    sessions,
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		HeapSys:           memStats.HeapSys,
		Timestamp:         time.Now(),
	}
}
