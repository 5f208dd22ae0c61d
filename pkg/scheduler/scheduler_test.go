package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ExclusiveAccount/iot-guardian/pkg/events"
	"github.com/ExclusiveAccount/iot-guardian/pkg/metrics"
	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
	"github.com/ExclusiveAccount/iot-guardian/pkg/registry"
	"github.com/ExclusiveAccount/iot-guardian/pkg/risk"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type captureForwarder struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *captureForwarder) Forward(_ context.Context, ev events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type mockProber struct {
	mock.Mock
}

func (m *mockProber) Probe(ctx context.Context, d models.Device) (ProbeResult, error) {
	args := m.Called(d.MAC)
	return args.Get(0).(ProbeResult), args.Error(1)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func seed(t *testing.T, reg *registry.Registry, mac string, classify func(*models.Device)) {
	t.Helper()
	_, _, err := reg.Observe(models.Observation{MAC: mac, IP: "192.168.1.50", Timestamp: t0, Protocols: []string{"HTTP"}, Ports: []int{80}})
	require.NoError(t, err)
	if classify != nil {
		_, err = reg.Update(mac, classify)
		require.NoError(t, err)
	}
}

func TestDue(t *testing.T) {
	window := time.Hour
	assert.True(t, Due(time.Time{}, t0, window))
	assert.False(t, Due(t0, t0.Add(59*time.Minute), window))
	assert.True(t, Due(t0, t0.Add(time.Hour), window))
	assert.True(t, Due(t0, t0.Add(2*time.Hour), window))
}

func TestManualClock_Tickers(t *testing.T) {
	clock := NewManualClock(t0)
	ticker := clock.NewTicker(time.Minute)

	clock.Advance(30 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired early")
	default:
	}

	clock.Advance(30 * time.Second)
	assert.Equal(t, t0.Add(time.Minute), <-ticker.C())
	assert.Equal(t, t0.Add(time.Minute), clock.Now())

	ticker.Stop()
	assert.Equal(t, 0, clock.Tickers())
}

func TestLoop_RecoversPanics(t *testing.T) {
	clock := NewManualClock(t0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls, panics atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Loop(ctx, clock, time.Minute, func(context.Context) {
			if calls.Add(1) == 1 {
				panic("bad device")
			}
		}, func(any) { panics.Add(1) })
	}()
	require.True(t, clock.WaitForTickers(1, time.Second))

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int32(1), panics.Load())
}

func TestVulnerabilityCycle_RunOnce(t *testing.T) {
	reg := registry.New()
	const mac = "AA:BB:CC:DD:EE:01"
	seed(t, reg, mac, func(d *models.Device) {
		d.Manufacturer, d.Model, d.FirmwareVersion = "Hikvision", "DS-2CD2042WD", "5.4.0"
	})

	catalog := []models.Vulnerability{{Manufacturer: "hikvision", Model: "ds-2cd2042wd", FirmwareVersion: "5.4", CVSS: 9.0, CVE: "CVE-2017-7921"}}
	clock := NewManualClock(t0)
	fwd := &captureForwarder{}
	var hooked []models.RiskLevel

	cycle := &VulnerabilityCycle{
		Registry:  reg,
		Assessor:  risk.NewAssessor(nil, catalog, risk.Options{}),
		Forwarder: fwd,
		Clock:     clock,
		Window:    24 * time.Hour,
		Logger:    quietLogger(),
		Metrics:   metrics.NewNop(),
		OnReassessed: func(_ context.Context, before, after models.Device) {
			hooked = append(hooked, after.RiskLevel)
		},
	}

	assert.Equal(t, 1, cycle.RunOnce(context.Background()))

	d, err := reg.Get(mac)
	require.NoError(t, err)
	assert.Equal(t, t0, d.LastVulnerabilityCheck)
	require.Len(t, d.Vulnerabilities, 1)
	// 0.4 unauthorized + 0.27 vulnerabilities + 0.2 unencrypted
	assert.Equal(t, 0.87, d.RiskScore)
	assert.Equal(t, models.RiskHigh, d.RiskLevel)
	require.Len(t, fwd.events, 1)
	assert.Equal(t, events.TypeVulnerabilitiesFound, fwd.events[0].Type)
	assert.Equal(t, []models.RiskLevel{models.RiskHigh}, hooked)

	// Not due yet
	clock.Advance(time.Hour)
	assert.Equal(t, 0, cycle.RunOnce(context.Background()))

	// Due again, nothing new to report
	clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, cycle.RunOnce(context.Background()))
	assert.Len(t, fwd.events, 1)
}

func TestActiveScanCycle_MergesResults(t *testing.T) {
	reg := registry.New()
	const mac = "AA:BB:CC:DD:EE:02"
	seed(t, reg, mac, nil)

	prober := &mockProber{}
	prober.On("Probe", mac).Return(ProbeResult{
		OpenPorts:          []int{22, 554},
		Services:           []string{"ssh", "rtsp"},
		Banners:            map[int]string{22: "SSH-2.0-dropbear_2019.78"},
		Classification:     &models.Classification{Manufacturer: "Dahua", Model: "IPC-HDW", DeviceType: "camera"},
		DefaultCredentials: true,
	}, nil).Once()

	clock := NewManualClock(t0)
	var scanned []string
	cycle := &ActiveScanCycle{
		Registry: reg,
		Prober:   prober,
		Clock:    clock,
		Window:   time.Hour,
		Logger:   quietLogger(),
		Metrics:  metrics.NewNop(),
		OnScanned: func(_ context.Context, after models.Device) {
			scanned = append(scanned, after.MAC)
		},
	}

	assert.Equal(t, 1, cycle.RunOnce(context.Background()))

	d, err := reg.Get(mac)
	require.NoError(t, err)
	assert.Equal(t, []int{22, 80, 554}, d.PortList())
	assert.True(t, d.HasProtocol("SSH"))
	assert.Equal(t, "Dahua", d.Manufacturer)
	assert.Equal(t, models.IdentifiedByBanner, d.IdentifiedBy)
	assert.True(t, d.DefaultCredentials)
	assert.Equal(t, t0, d.LastActiveScan)
	assert.Equal(t, []string{mac}, scanned)

	// Scanned within the window
	assert.Equal(t, 0, cycle.RunOnce(context.Background()))
	prober.AssertExpectations(t)
}

func TestActiveScanCycle_FailureLeavesDeviceDue(t *testing.T) {
	reg := registry.New()
	const mac = "AA:BB:CC:DD:EE:03"
	seed(t, reg, mac, nil)

	prober := &mockProber{}
	prober.On("Probe", mac).Return(ProbeResult{}, errors.New("host unreachable")).Once()
	prober.On("Probe", mac).Return(ProbeResult{OpenPorts: []int{443}}, nil).Once()

	cycle := &ActiveScanCycle{
		Registry: reg,
		Prober:   prober,
		Clock:    NewManualClock(t0),
		Window:   time.Hour,
		Logger:   quietLogger(),
	}

	assert.Equal(t, 0, cycle.RunOnce(context.Background()))
	d, _ := reg.Get(mac)
	assert.True(t, d.LastActiveScan.IsZero())

	assert.Equal(t, 1, cycle.RunOnce(context.Background()))
	d, _ = reg.Get(mac)
	assert.True(t, d.HasOpenPort(443))
}

func TestMergeProbe_KeepsSignatureClassification(t *testing.T) {
	d := models.Device{MAC: "AA:BB:CC:DD:EE:04", Manufacturer: "Philips", Model: "Hue Bridge", IdentifiedBy: models.IdentifiedBySignature}
	MergeProbe(&d, ProbeResult{Classification: &models.Classification{Manufacturer: "Other"}})
	assert.Equal(t, "Philips", d.Manufacturer)
}

func TestActiveScanCycle_BoundedConcurrency(t *testing.T) {
	reg := registry.New()
	macs := []string{"AA:BB:CC:00:00:01", "AA:BB:CC:00:00:02", "AA:BB:CC:00:00:03", "AA:BB:CC:00:00:04"}
	for _, mac := range macs {
		seed(t, reg, mac, nil)
	}

	var inFlight, peak atomic.Int32
	prober := proberFunc(func(ctx context.Context, d models.Device) (ProbeResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return ProbeResult{}, nil
	})

	cycle := &ActiveScanCycle{Registry: reg, Prober: prober, Clock: NewManualClock(t0), Window: time.Hour, Concurrency: 2, Logger: quietLogger()}
	assert.Equal(t, 4, cycle.RunOnce(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

type proberFunc func(ctx context.Context, d models.Device) (ProbeResult, error)

func (f proberFunc) Probe(ctx context.Context, d models.Device) (ProbeResult, error) {
	return f(ctx, d)
}
