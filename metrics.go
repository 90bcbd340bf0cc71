package cachecore

import (
	"time"

	"go.uber.org/atomic"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks cross-subsystem counters, one field group per subsystem
// (VSM, VSL, expiry, waiter, pool, director).
type Metrics struct {
	// VSM: shared-memory arena allocation and contention.
	ShmAllocs     atomic.Uint64 // successful VSM allocations
	ShmFrees      atomic.Uint64 // VSM frees
	ShmExhausted  atomic.Uint64 // allocations that failed because the arena was full
	ShmContention atomic.Uint64 // "shm_cont": allocations that had to wait for the arena lock

	// VSL: the shared transaction log ring.
	VSLRecords  atomic.Uint64 // records appended
	VSLWraps    atomic.Uint64 // times the ring wrapped and overwrote the oldest record
	VSLDropped  atomic.Uint64 // records dropped because they exceeded vsl_reclen

	// Expiry: binary heap + LRU object lifecycle.
	ExpiryHeapReorders atomic.Uint64 // sift-up/down operations performed
	ExpiryExpired      atomic.Uint64 // objects reaped past TTL+grace
	ExpiryLRUTouches    atomic.Uint64 // LRU list touches (move-to-tail)
	ExpiryLRUEvictions  atomic.Uint64 // objects evicted under nuke_limit pressure

	// Waiter: I/O readiness multiplexer.
	WaiterWakes     atomic.Uint64 // facility wakeups delivered
	WaiterTimeouts  atomic.Uint64 // entries that fired ReasonTimeout
	WaiterRemCloses atomic.Uint64 // entries that fired ReasonRemClose (hup)

	// Pool: backend TCP connection pool.
	PoolDials    atomic.Uint64 // fresh dials performed
	PoolReuses   atomic.Uint64 // connections served from the idle list
	PoolSteals   atomic.Uint64 // connections handed directly to a parked waiter
	PoolWaits    atomic.Uint64 // Get calls that had to park
	PoolTimeouts atomic.Uint64 // parked Get calls that timed out

	// Director: load-balancing resolution.
	DirectorResolutions atomic.Uint64 // Resolve calls that returned a backend
	DirectorNoBackend   atomic.Uint64 // Resolve calls that found no healthy backend
	DirectorDepthErrors atomic.Uint64 // composed resolves that hit the depth bound

	// Performance tracking, generic across subsystems.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts). bucket[i] holds the
	// count of operations with latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Runtime lifecycle.
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance with StartTime stamped now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordShmAlloc records a VSM allocation attempt.
func (m *Metrics) RecordShmAlloc(latencyNs uint64, contended bool, exhausted bool) {
	if exhausted {
		m.ShmExhausted.Add(1)
		return
	}
	m.ShmAllocs.Add(1)
	if contended {
		m.ShmContention.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordShmFree records a VSM free.
func (m *Metrics) RecordShmFree() {
	m.ShmFrees.Add(1)
}

// RecordVSLAppend records a VSL ring append.
func (m *Metrics) RecordVSLAppend(wrapped bool, dropped bool) {
	if dropped {
		m.VSLDropped.Add(1)
		return
	}
	m.VSLRecords.Add(1)
	if wrapped {
		m.VSLWraps.Add(1)
	}
}

// RecordExpiryReorder records one heap sift operation.
func (m *Metrics) RecordExpiryReorder() {
	m.ExpiryHeapReorders.Add(1)
}

// RecordExpiryExpired records one object reaped past TTL+grace.
func (m *Metrics) RecordExpiryExpired() {
	m.ExpiryExpired.Add(1)
}

// RecordLRUTouch records one LRU move-to-tail.
func (m *Metrics) RecordLRUTouch() {
	m.ExpiryLRUTouches.Add(1)
}

// RecordLRUEviction records one object evicted under memory pressure.
func (m *Metrics) RecordLRUEviction() {
	m.ExpiryLRUEvictions.Add(1)
}

// RecordWaiterWake records one facility callback, classified by reason.
func (m *Metrics) RecordWaiterWake(timeout bool, remClose bool) {
	m.WaiterWakes.Add(1)
	if timeout {
		m.WaiterTimeouts.Add(1)
	}
	if remClose {
		m.WaiterRemCloses.Add(1)
	}
}

// RecordPoolGet records the outcome of one Pool.Get call.
func (m *Metrics) RecordPoolGet(dialed bool, reused bool, stolen bool, waited bool, timedOut bool, latencyNs uint64) {
	switch {
	case dialed:
		m.PoolDials.Add(1)
	case reused:
		m.PoolReuses.Add(1)
	case stolen:
		m.PoolSteals.Add(1)
	}
	if waited {
		m.PoolWaits.Add(1)
	}
	if timedOut {
		m.PoolTimeouts.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDirectorResolve records the outcome of one Director.Resolve chain.
func (m *Metrics) RecordDirectorResolve(found bool, depthExceeded bool, latencyNs uint64) {
	if depthExceeded {
		m.DirectorDepthErrors.Add(1)
		return
	}
	if found {
		m.DirectorResolutions.Add(1)
	} else {
		m.DirectorNoBackend.Add(1)
	}
	m.recordLatency(latencyNs)
}

// recordLatency records operation latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the runtime as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	ShmAllocs     uint64
	ShmFrees      uint64
	ShmExhausted  uint64
	ShmContention uint64

	VSLRecords uint64
	VSLWraps   uint64
	VSLDropped uint64

	ExpiryHeapReorders uint64
	ExpiryExpired      uint64
	ExpiryLRUTouches   uint64
	ExpiryLRUEvictions uint64

	WaiterWakes     uint64
	WaiterTimeouts  uint64
	WaiterRemCloses uint64

	PoolDials    uint64
	PoolReuses   uint64
	PoolSteals   uint64
	PoolWaits    uint64
	PoolTimeouts uint64

	DirectorResolutions uint64
	DirectorNoBackend   uint64
	DirectorDepthErrors uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps uint64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ShmAllocs:     m.ShmAllocs.Load(),
		ShmFrees:      m.ShmFrees.Load(),
		ShmExhausted:  m.ShmExhausted.Load(),
		ShmContention: m.ShmContention.Load(),

		VSLRecords: m.VSLRecords.Load(),
		VSLWraps:   m.VSLWraps.Load(),
		VSLDropped: m.VSLDropped.Load(),

		ExpiryHeapReorders: m.ExpiryHeapReorders.Load(),
		ExpiryExpired:      m.ExpiryExpired.Load(),
		ExpiryLRUTouches:   m.ExpiryLRUTouches.Load(),
		ExpiryLRUEvictions: m.ExpiryLRUEvictions.Load(),

		WaiterWakes:     m.WaiterWakes.Load(),
		WaiterTimeouts:  m.WaiterTimeouts.Load(),
		WaiterRemCloses: m.WaiterRemCloses.Load(),

		PoolDials:    m.PoolDials.Load(),
		PoolReuses:   m.PoolReuses.Load(),
		PoolSteals:   m.PoolSteals.Load(),
		PoolWaits:    m.PoolWaits.Load(),
		PoolTimeouts: m.PoolTimeouts.Load(),

		DirectorResolutions: m.DirectorResolutions.Load(),
		DirectorNoBackend:   m.DirectorNoBackend.Load(),
		DirectorDepthErrors: m.DirectorDepthErrors.Load(),
	}

	snap.TotalOps = snap.ShmAllocs + snap.VSLRecords + snap.ExpiryHeapReorders +
		snap.WaiterWakes + snap.PoolDials + snap.PoolReuses + snap.DirectorResolutions

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.ShmAllocs.Store(0)
	m.ShmFrees.Store(0)
	m.ShmExhausted.Store(0)
	m.ShmContention.Store(0)
	m.VSLRecords.Store(0)
	m.VSLWraps.Store(0)
	m.VSLDropped.Store(0)
	m.ExpiryHeapReorders.Store(0)
	m.ExpiryExpired.Store(0)
	m.ExpiryLRUTouches.Store(0)
	m.ExpiryLRUEvictions.Store(0)
	m.WaiterWakes.Store(0)
	m.WaiterTimeouts.Store(0)
	m.WaiterRemCloses.Store(0)
	m.PoolDials.Store(0)
	m.PoolReuses.Store(0)
	m.PoolSteals.Store(0)
	m.PoolWaits.Store(0)
	m.PoolTimeouts.Store(0)
	m.DirectorResolutions.Store(0)
	m.DirectorNoBackend.Store(0)
	m.DirectorDepthErrors.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, mirroring the teacher's
// per-operation Observer shape but keyed to cachecore's subsystem events
// instead of block I/O operations.
type Observer interface {
	ObserveShmAlloc(latencyNs uint64, contended bool, exhausted bool)
	ObserveExpiryReorder()
	ObserveWaiterWake(timeout bool, remClose bool)
	ObservePoolGet(dialed, reused, stolen, waited, timedOut bool, latencyNs uint64)
	ObserveDirectorResolve(found bool, depthExceeded bool, latencyNs uint64)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveShmAlloc(uint64, bool, bool)             {}
func (NoOpObserver) ObserveExpiryReorder()                          {}
func (NoOpObserver) ObserveWaiterWake(bool, bool)                   {}
func (NoOpObserver) ObservePoolGet(bool, bool, bool, bool, bool, uint64) {}
func (NoOpObserver) ObserveDirectorResolve(bool, bool, uint64)       {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveShmAlloc(latencyNs uint64, contended, exhausted bool) {
	o.metrics.RecordShmAlloc(latencyNs, contended, exhausted)
}

func (o *MetricsObserver) ObserveExpiryReorder() {
	o.metrics.RecordExpiryReorder()
}

func (o *MetricsObserver) ObserveWaiterWake(timeout, remClose bool) {
	o.metrics.RecordWaiterWake(timeout, remClose)
}

func (o *MetricsObserver) ObservePoolGet(dialed, reused, stolen, waited, timedOut bool, latencyNs uint64) {
	o.metrics.RecordPoolGet(dialed, reused, stolen, waited, timedOut, latencyNs)
}

func (o *MetricsObserver) ObserveDirectorResolve(found, depthExceeded bool, latencyNs uint64) {
	o.metrics.RecordDirectorResolve(found, depthExceeded, latencyNs)
}

// Compile-time interface checks.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
