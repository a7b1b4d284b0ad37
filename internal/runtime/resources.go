package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ProcessUsage is the /api/process view of the process hosting the pool.
type ProcessUsage struct {
	CPUPercent    float64 `json:"cpuPercent"`
	HeapBytes     uint64  `json:"heapBytes"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

const cpuSecondsMetric = "/sched/cpu:seconds"

// processSampler reports CPU usage as the delta between two samples, so the
// first sample always reads zero percent.
type processSampler struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	startedAt      time.Time
	numCPU         float64
}

func newProcessSampler() *processSampler {
	return &processSampler{
		samples:   []metrics.Sample{{Name: cpuSecondsMetric}},
		startedAt: time.Now(),
		numCPU:    float64(runtime.NumCPU()),
	}
}

func (p *processSampler) Sample() ProcessUsage {
	if p == nil {
		return ProcessUsage{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.samples) == 0 {
		p.samples = []metrics.Sample{{Name: cpuSecondsMetric}}
	}
	metrics.Read(p.samples)
	value := p.samples[0].Value
	haveCPU := value.Kind() == metrics.KindFloat64
	now := time.Now()

	var usage ProcessUsage
	if haveCPU {
		cpuSeconds := value.Float64()
		if !p.lastSample.IsZero() {
			wall := now.Sub(p.lastSample).Seconds()
			if wall > 0 && p.numCPU > 0 {
				usage.CPUPercent = (cpuSeconds - p.lastCPUSeconds) / wall / p.numCPU * 100
			}
		}
		p.lastCPUSeconds = cpuSeconds
	}
	p.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.HeapBytes = mem.HeapAlloc
	usage.Goroutines = runtime.NumGoroutine()
	if !p.startedAt.IsZero() {
		usage.UptimeSeconds = now.Sub(p.startedAt).Seconds()
	}
	return usage
}
