package cachecore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetricsShmAlloc(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	require.Zero(t, snap.TotalOps)

	m.RecordShmAlloc(1_000_000, false, false)
	m.RecordShmAlloc(2_000_000, true, false)
	m.RecordShmAlloc(0, false, true)

	snap = m.Snapshot()
	require.EqualValues(t, 2, snap.ShmAllocs)
	require.EqualValues(t, 1, snap.ShmContention)
	require.EqualValues(t, 1, snap.ShmExhausted)
}

func TestMetricsVSLAppend(t *testing.T) {
	m := NewMetrics()
	m.RecordVSLAppend(false, false)
	m.RecordVSLAppend(true, false)
	m.RecordVSLAppend(false, true)

	snap := m.Snapshot()
	require.EqualValues(t, 2, snap.VSLRecords)
	require.EqualValues(t, 1, snap.VSLWraps)
	require.EqualValues(t, 1, snap.VSLDropped)
}

func TestMetricsExpiryAndLRU(t *testing.T) {
	m := NewMetrics()
	m.RecordExpiryReorder()
	m.RecordExpiryReorder()
	m.RecordExpiryExpired()
	m.RecordLRUTouch()
	m.RecordLRUEviction()

	snap := m.Snapshot()
	require.EqualValues(t, 2, snap.ExpiryHeapReorders)
	require.EqualValues(t, 1, snap.ExpiryExpired)
	require.EqualValues(t, 1, snap.ExpiryLRUTouches)
	require.EqualValues(t, 1, snap.ExpiryLRUEvictions)
}

func TestMetricsWaiterWakes(t *testing.T) {
	m := NewMetrics()
	m.RecordWaiterWake(false, false)
	m.RecordWaiterWake(true, false)
	m.RecordWaiterWake(false, true)

	snap := m.Snapshot()
	require.EqualValues(t, 3, snap.WaiterWakes)
	require.EqualValues(t, 1, snap.WaiterTimeouts)
	require.EqualValues(t, 1, snap.WaiterRemCloses)
}

func TestMetricsPoolGet(t *testing.T) {
	m := NewMetrics()
	m.RecordPoolGet(true, false, false, false, false, 1_000_000)
	m.RecordPoolGet(false, true, false, false, false, 500_000)
	m.RecordPoolGet(false, false, true, true, false, 2_000_000)
	m.RecordPoolGet(false, false, false, true, true, 0)

	snap := m.Snapshot()
	require.EqualValues(t, 1, snap.PoolDials)
	require.EqualValues(t, 1, snap.PoolReuses)
	require.EqualValues(t, 1, snap.PoolSteals)
	require.EqualValues(t, 2, snap.PoolWaits)
	require.EqualValues(t, 1, snap.PoolTimeouts)
}

func TestMetricsDirectorResolve(t *testing.T) {
	m := NewMetrics()
	m.RecordDirectorResolve(true, false, 100_000)
	m.RecordDirectorResolve(false, false, 50_000)
	m.RecordDirectorResolve(false, true, 0)

	snap := m.Snapshot()
	require.EqualValues(t, 1, snap.DirectorResolutions)
	require.EqualValues(t, 1, snap.DirectorNoBackend)
	require.EqualValues(t, 1, snap.DirectorDepthErrors)
}

func TestMetricsLatencyAverage(t *testing.T) {
	m := NewMetrics()
	m.RecordShmAlloc(1_000_000, false, false) // 1ms
	m.RecordShmAlloc(2_000_000, false, false) // 2ms

	snap := m.Snapshot()
	require.EqualValues(t, 1_500_000, snap.AvgLatencyNs)
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	require.GreaterOrEqual(t, snap.UptimeNs, uint64(10*time.Millisecond))

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	require.LessOrEqual(t, snap2.UptimeNs, snap.UptimeNs+uint64(2*time.Millisecond))
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordShmAlloc(1_000_000, false, false)
	m.RecordVSLAppend(false, false)

	snap := m.Snapshot()
	require.NotZero(t, snap.TotalOps)

	m.Reset()

	snap = m.Snapshot()
	require.Zero(t, snap.TotalOps)
	require.Zero(t, snap.ShmAllocs)
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveShmAlloc(1000, false, false)
	observer.ObserveExpiryReorder()
	observer.ObserveWaiterWake(false, false)
	observer.ObservePoolGet(true, false, false, false, false, 1000)
	observer.ObserveDirectorResolve(true, false, 1000)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)
	metricsObserver.ObserveShmAlloc(1_000_000, false, false)
	metricsObserver.ObserveDirectorResolve(true, false, 100_000)

	snap := m.Snapshot()
	require.EqualValues(t, 1, snap.ShmAllocs)
	require.EqualValues(t, 1, snap.DirectorResolutions)
}

func TestMetricsHistogramPercentiles(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 50; i++ {
		m.RecordShmAlloc(500_000, false, false) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordShmAlloc(5_000_000, false, false) // 5ms
	}
	m.RecordShmAlloc(50_000_000, false, false) // 50ms, the single slowest op

	snap := m.Snapshot()
	require.EqualValues(t, 100, m.OpCount.Load())

	require.GreaterOrEqual(t, snap.LatencyP50Ns, uint64(100_000))
	require.LessOrEqual(t, snap.LatencyP50Ns, uint64(1_000_000))

	require.GreaterOrEqual(t, snap.LatencyP99Ns, uint64(5_000_000))
	require.LessOrEqual(t, snap.LatencyP99Ns, uint64(100_000_000))

	var totalInBuckets uint64
	for _, c := range snap.LatencyHistogram {
		totalInBuckets += c
	}
	require.NotZero(t, totalInBuckets)
}
