package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/leopard/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// EndpointStats aggregates request statistics for one endpoint across every
// worker of a pool.
type EndpointStats struct {
	mu sync.Mutex

	Name    string `json:"name"`
	Subject string `json:"subject"`
	Group   string `json:"group,omitempty"`

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesSucceeded   uint64    `json:"messages_succeeded"`
	MessagesFailed      uint64    `json:"messages_failed"`
	HandlerErrors       uint64    `json:"handler_errors"`
	ContractErrors      uint64    `json:"contract_errors"`
	MessagesRejected    uint64    `json:"messages_rejected"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	LastError           string    `json:"last_error,omitempty"`

	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

func newEndpointStats(name, subject, group string) *EndpointStats {
	return &EndpointStats{
		Name:             name,
		Subject:          subject,
		Group:            group,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *EndpointStats) onStart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.InFlight++
	if s.InFlight > s.MaxInFlight {
		s.MaxInFlight = s.InFlight
	}
}

func (s *EndpointStats) onFinish(duration time.Duration, result Result, err error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InFlight > 0 {
		s.InFlight--
	}

	s.MessagesProcessed++
	switch result {
	case ResultSuccess:
		s.MessagesSucceeded++
	case ResultFailure:
		s.MessagesFailed++
	case ResultInvalid:
		s.ContractErrors++
	case ResultRejected:
		s.MessagesRejected++
	default:
		// handler errors, and middleware errors that never reached the handler
		s.HandlerErrors++
	}
	if err != nil {
		s.LastError = err.Error()
	}
	s.TotalProcessingTime += int64(duration)
	s.LastProcessedAt = now.UTC()

	s.latencyWindow.Add(duration)
	snapshot := s.latencyWindow.Snapshot()
	snapshot.AverageNs = s.TotalProcessingTime / int64(s.MessagesProcessed)
	s.Latency = snapshot

	tp := s.throughputWindow.AddAndSnapshot(now)
	s.Throughput.CurrentRPS = tp.CurrentRPS
	s.Throughput.WindowSeconds = tp.WindowSeconds
	s.Throughput.MessagesInWindow = uint64(tp.Count)
	s.Throughput.TotalMessages = s.MessagesProcessed
}

func (s *EndpointStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type alias EndpointStats
	return jsoncodec.Marshal((*alias)(s))
}

// StatsRegistry holds the EndpointStats of a pool, keyed by endpoint name.
type StatsRegistry struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointStats
	order     []string
}

func NewStatsRegistry() *StatsRegistry {
	return &StatsRegistry{endpoints: make(map[string]*EndpointStats)}
}

// endpoint returns the stats for name, creating them on first use.
func (r *StatsRegistry) endpoint(info AttachedEndpoint) *EndpointStats {
	r.mu.RLock()
	s, ok := r.endpoints[info.Name]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.endpoints[info.Name]; ok {
		return s
	}
	s = newEndpointStats(info.Name, info.Subject, info.Group)
	r.endpoints[info.Name] = s
	r.order = append(r.order, info.Name)
	return s
}

// Get returns the stats recorded for an endpoint.
func (r *StatsRegistry) Get(name string) (*EndpointStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.endpoints[name]
	return s, ok
}

// All returns every endpoint's stats in attachment order.
func (r *StatsRegistry) All() []*EndpointStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EndpointStats, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.endpoints[name])
	}
	return out
}

// Counts returns processed, succeeded and failed totals under the stats lock.
func (s *EndpointStats) Counts() (processed, succeeded, failed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MessagesProcessed, s.MessagesSucceeded, s.MessagesFailed
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	metrics.LastNs = lw.last
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
