package baseline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

const mac = "AA:BB:CC:DD:EE:01"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func bytesIn(n uint64) models.TrafficStats {
	return models.TrafficStats{BytesIn: n}
}

func TestWindow_EvictsOldest(t *testing.T) {
	w := NewWindow[int](3)
	assert.Empty(t, w.Values())

	w.Push(1)
	w.Push(2)
	assert.Equal(t, []int{1, 2}, w.Values())
	assert.Equal(t, 2, w.Len())

	w.Push(3)
	w.Push(4)
	w.Push(5)
	assert.Equal(t, []int{3, 4, 5}, w.Values())
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, 3, w.Cap())
}

func TestTracker_FirstSampleHasNoCheck(t *testing.T) {
	tr := NewTracker(Options{})
	assert.Equal(t, StateUnseen, tr.State(mac))

	anomalies := tr.Sample(mac, bytesIn(10_000_000), []string{"10.0.0.1"}, t0)
	assert.Empty(t, anomalies)
	assert.Equal(t, StateBaselining, tr.State(mac))

	traffic, connections := tr.History(mac)
	assert.Empty(t, traffic)
	assert.Len(t, connections, 1)
}

func TestTracker_LargeStartingTotalIsNotADeviation(t *testing.T) {
	tr := NewTracker(Options{Threshold: 0.5, EnhancedFactor: 0.5})
	tr.EnableEnhanced(mac)

	total := uint64(500_000_000)
	require.Empty(t, tr.Sample(mac, bytesIn(total), []string{"10.0.0.1"}, t0))
	for i := 1; i <= 12; i++ {
		total += 100_000
		anomalies := tr.Sample(mac, bytesIn(total), []string{"10.0.0.1"}, t0.Add(time.Duration(i)*time.Minute))
		assert.Empty(t, anomalies, "tick %d", i)
	}

	traffic, _ := tr.History(mac)
	for _, s := range traffic {
		assert.Equal(t, uint64(100_000), s.Delta.BytesIn)
	}
	assert.Equal(t, StateMonitored, tr.State(mac))
}

func TestTracker_SteadyTrafficIsQuiet(t *testing.T) {
	tr := NewTracker(Options{})
	var total uint64
	for i := 0; i < 5; i++ {
		total += 5000
		anomalies := tr.Sample(mac, bytesIn(total), []string{"10.0.0.1"}, t0.Add(time.Duration(i)*time.Minute))
		assert.Empty(t, anomalies)
	}
	assert.Equal(t, StateMonitored, tr.State(mac))
}

func TestTracker_TrafficSpike(t *testing.T) {
	tr := NewTracker(Options{Threshold: 2.0})
	tr.Sample(mac, bytesIn(0), nil, t0)
	tr.Sample(mac, bytesIn(5000), nil, t0.Add(time.Minute))
	tr.Sample(mac, bytesIn(10000), nil, t0.Add(2*time.Minute))

	// Mean delta is 5000; a 20000 byte interval deviates by 3.0
	anomalies := tr.Sample(mac, bytesIn(30000), nil, t0.Add(3*time.Minute))
	require.Len(t, anomalies, 1)
	assert.Equal(t, KindTraffic, anomalies[0].Kind)
	assert.InDelta(t, 3.0, anomalies[0].Deviation, 1e-9)
	assert.Equal(t, 2.0, anomalies[0].Threshold)
	assert.Contains(t, anomalies[0].Detail(), "traffic deviation 3.00")
}

func TestTracker_SmallMeansUseFloor(t *testing.T) {
	tr := NewTracker(Options{Threshold: 2.0})
	tr.Sample(mac, bytesIn(0), nil, t0)
	tr.Sample(mac, bytesIn(10), nil, t0.Add(time.Minute))

	// |1500 - 10| / 1024 < 2
	assert.Empty(t, tr.Sample(mac, bytesIn(1510), nil, t0.Add(2*time.Minute)))
}

func TestTracker_EnhancedMonitoringTightensThreshold(t *testing.T) {
	normal := NewTracker(Options{Threshold: 2.0, EnhancedFactor: 0.5})
	enhanced := NewTracker(Options{Threshold: 2.0, EnhancedFactor: 0.5})
	enhanced.EnableEnhanced(mac)

	for _, tr := range []*Tracker{normal, enhanced} {
		tr.Sample(mac, bytesIn(0), nil, t0)
		tr.Sample(mac, bytesIn(5000), nil, t0.Add(time.Minute))
	}

	// Deviation 1.5: below 2.0, above 1.0
	assert.Empty(t, normal.Sample(mac, bytesIn(17500), nil, t0.Add(2*time.Minute)))
	anomalies := enhanced.Sample(mac, bytesIn(17500), nil, t0.Add(2*time.Minute))
	require.Len(t, anomalies, 1)
	assert.Equal(t, 1.0, anomalies[0].Threshold)
}

func TestTracker_PolicyThresholdOverridesDefault(t *testing.T) {
	tr := NewTracker(Options{Threshold: 2.0})
	tr.SetAlertThreshold(mac, 0.5)
	tr.Sample(mac, bytesIn(0), nil, t0)
	tr.Sample(mac, bytesIn(5000), nil, t0.Add(time.Minute))

	anomalies := tr.Sample(mac, bytesIn(13000), nil, t0.Add(2*time.Minute))
	require.Len(t, anomalies, 1)
	assert.Equal(t, 0.5, anomalies[0].Threshold)

	tr.SetAlertThreshold(mac, 0)
	assert.Empty(t, tr.Sample(mac, bytesIn(19000), nil, t0.Add(3*time.Minute)))
}

func TestTracker_NewConnectionTarget(t *testing.T) {
	tr := NewTracker(Options{})
	tr.Sample(mac, bytesIn(5000), []string{"10.0.0.1"}, t0)
	second := tr.Sample(mac, bytesIn(10000), []string{"10.0.0.1", "10.0.0.2"}, t0.Add(time.Minute))
	require.Len(t, second, 1)
	assert.Equal(t, "10.0.0.2", second[0].Destination)

	// 10.0.0.2 is already in the baseline now
	anomalies := tr.Sample(mac, bytesIn(15000), []string{"10.0.0.1", "10.0.0.2", "203.0.113.9"}, t0.Add(2*time.Minute))
	require.Len(t, anomalies, 1)
	assert.Equal(t, KindNewDestination, anomalies[0].Kind)
	assert.Equal(t, "203.0.113.9", anomalies[0].Destination)
	assert.Equal(t, "new connection target 203.0.113.9", anomalies[0].Detail())
}

func TestTracker_WindowIsBounded(t *testing.T) {
	tr := NewTracker(Options{Capacity: 3})
	var total uint64
	for i := 0; i < 10; i++ {
		total += 1000
		tr.Sample(mac, bytesIn(total), nil, t0.Add(time.Duration(i)*time.Minute))
	}

	traffic, connections := tr.History(mac)
	assert.Len(t, traffic, 3)
	assert.Len(t, connections, 3)
	assert.Equal(t, t0.Add(7*time.Minute), traffic[0].At)
}

func TestTracker_CounterResetCountsFromZero(t *testing.T) {
	tr := NewTracker(Options{})
	tr.Sample(mac, bytesIn(50000), nil, t0)
	tr.Sample(mac, bytesIn(3000), nil, t0.Add(time.Minute))

	traffic, _ := tr.History(mac)
	require.Len(t, traffic, 1)
	assert.Equal(t, uint64(3000), traffic[0].Delta.BytesIn)
}
