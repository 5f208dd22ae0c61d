package enforcement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ExclusiveAccount/iot-guardian/pkg/events"
	"github.com/ExclusiveAccount/iot-guardian/pkg/metrics"
	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

type mockNetwork struct {
	mock.Mock
}

func (m *mockNetwork) Isolate(ctx context.Context, mac string) error {
	return m.Called(mac).Error(0)
}

func (m *mockNetwork) Restrict(ctx context.Context, mac string, allowed []string) error {
	return m.Called(mac, allowed).Error(0)
}

func (m *mockNetwork) Monitor(ctx context.Context, mac string) error {
	return m.Called(mac).Error(0)
}

type mockMonitoring struct {
	mock.Mock
}

func (m *mockMonitoring) EnableEnhanced(mac string) {
	m.Called(mac)
}

func (m *mockMonitoring) SetAlertThreshold(mac string, threshold float64) {
	m.Called(mac, threshold)
}

type mockRemediator struct {
	mock.Mock
}

func (m *mockRemediator) Patch(ctx context.Context, d models.Device) error {
	return m.Called(d.MAC).Error(0)
}

func (m *mockRemediator) ResetCredentials(ctx context.Context, d models.Device) error {
	return m.Called(d.MAC).Error(0)
}

func (m *mockRemediator) NotifyAdmin(ctx context.Context, d models.Device, reason string) error {
	return m.Called(d.MAC, reason).Error(0)
}

type blockingNetwork struct{}

func (blockingNetwork) Isolate(ctx context.Context, mac string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingNetwork) Restrict(ctx context.Context, mac string, allowed []string) error {
	return nil
}

func (blockingNetwork) Monitor(ctx context.Context, mac string) error {
	return nil
}

type captureForwarder struct {
	events []events.Event
}

func (f *captureForwarder) Forward(_ context.Context, ev events.Event) error {
	f.events = append(f.events, ev)
	return nil
}

const mac = "AA:BB:CC:DD:EE:01"

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func highRiskCamera() models.Device {
	return models.Device{MAC: mac, DeviceType: "camera", RiskLevel: models.RiskHigh, RiskScore: 0.87}
}

func TestDispatch_IsolateIsIdempotent(t *testing.T) {
	network := &mockNetwork{}
	network.On("Isolate", mac).Return(nil).Once()
	monitoring := &mockMonitoring{}
	monitoring.On("SetAlertThreshold", mac, 0.5).Return()

	d := NewDispatcher(network, monitoring, nil, time.Second, quietLogger(), metrics.NewNop())
	rule := models.PolicyRule{Name: "isolate-high", NetworkControl: models.NetworkIsolate, AlertThreshold: 0.5}

	first := d.Dispatch(context.Background(), highRiskCamera(), rule)
	second := d.Dispatch(context.Background(), highRiskCamera(), rule)

	assert.NoError(t, first.Err())
	assert.False(t, first.NetworkSkipped)
	assert.True(t, second.NetworkSkipped)
	network.AssertNumberOfCalls(t, "Isolate", 1)

	action, ok := d.Applied(mac)
	assert.True(t, ok)
	assert.Equal(t, models.NetworkIsolate, action)
}

func TestDispatch_ConcurrentDispatchIsolatesOnce(t *testing.T) {
	network := &mockNetwork{}
	network.On("Isolate", mac).Return(nil).After(20 * time.Millisecond)

	d := NewDispatcher(network, nil, nil, time.Second, quietLogger(), metrics.NewNop())
	rule := models.PolicyRule{Name: "isolate-high", NetworkControl: models.NetworkIsolate}

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		skipped int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := d.Dispatch(context.Background(), highRiskCamera(), rule)
			assert.NoError(t, out.Err())
			if out.NetworkSkipped {
				mu.Lock()
				skipped++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	network.AssertNumberOfCalls(t, "Isolate", 1)
	assert.Equal(t, callers-1, skipped)
}

func TestDispatch_ChangedActionIsApplied(t *testing.T) {
	network := &mockNetwork{}
	network.On("Monitor", mac).Return(nil).Once()
	network.On("Restrict", mac, []string{"10.0.0.1", "10.0.0.2"}).Return(nil).Once()

	d := NewDispatcher(network, nil, nil, time.Second, quietLogger(), nil)

	d.Dispatch(context.Background(), highRiskCamera(), models.PolicyRule{NetworkControl: models.NetworkMonitor})
	d.Dispatch(context.Background(), highRiskCamera(), models.PolicyRule{
		NetworkControl:      models.NetworkRestrict,
		AllowedDestinations: []string{"10.0.0.2", "10.0.0.1"},
	})
	// Same destinations in another order are the same action
	out := d.Dispatch(context.Background(), highRiskCamera(), models.PolicyRule{
		NetworkControl:      models.NetworkRestrict,
		AllowedDestinations: []string{"10.0.0.1", "10.0.0.2"},
	})

	assert.True(t, out.NetworkSkipped)
	network.AssertExpectations(t)
}

func TestDispatch_FailureIsRetriedNextTime(t *testing.T) {
	network := &mockNetwork{}
	network.On("Isolate", mac).Return(errors.New("switch unreachable")).Once()
	network.On("Isolate", mac).Return(nil).Once()

	d := NewDispatcher(network, nil, nil, time.Second, quietLogger(), nil)
	rule := models.PolicyRule{NetworkControl: models.NetworkIsolate}

	out := d.Dispatch(context.Background(), highRiskCamera(), rule)
	assert.Error(t, out.NetworkErr)
	_, ok := d.Applied(mac)
	assert.False(t, ok)

	out = d.Dispatch(context.Background(), highRiskCamera(), rule)
	assert.NoError(t, out.NetworkErr)
	assert.False(t, out.NetworkSkipped)
	network.AssertNumberOfCalls(t, "Isolate", 2)
}

func TestDispatch_NoNetworkAction(t *testing.T) {
	network := &mockNetwork{}
	d := NewDispatcher(network, nil, nil, time.Second, quietLogger(), nil)

	out := d.Dispatch(context.Background(), highRiskCamera(), models.PolicyRule{Name: "observe-only"})

	assert.Equal(t, models.NetworkNone, out.Network)
	network.AssertNotCalled(t, "Isolate", mock.Anything)
	network.AssertNotCalled(t, "Monitor", mock.Anything)
}

func TestDispatch_Monitoring(t *testing.T) {
	monitoring := &mockMonitoring{}
	monitoring.On("EnableEnhanced", mac).Return().Once()
	monitoring.On("SetAlertThreshold", mac, 0.3).Return().Once()

	d := NewDispatcher(nil, monitoring, nil, time.Second, quietLogger(), nil)
	out := d.Dispatch(context.Background(), highRiskCamera(), models.PolicyRule{EnhancedMonitoring: true, AlertThreshold: 0.3})

	assert.True(t, out.Enhanced)
	monitoring.AssertExpectations(t)
}

func TestDispatch_RemediationOnlyAtHighRisk(t *testing.T) {
	remediator := &mockRemediator{}
	remediator.On("Patch", mac).Return(nil).Once()

	d := NewDispatcher(nil, nil, remediator, time.Second, quietLogger(), nil)
	rule := models.PolicyRule{Remediation: models.RemediationPatch}

	medium := highRiskCamera()
	medium.RiskLevel = models.RiskMedium
	out := d.Dispatch(context.Background(), medium, rule)
	assert.Equal(t, models.RemediationNone, out.Remediation)

	out = d.Dispatch(context.Background(), highRiskCamera(), rule)
	assert.Equal(t, models.RemediationPatch, out.Remediation)
	assert.NoError(t, out.RemediationErr)
	remediator.AssertNumberOfCalls(t, "Patch", 1)
}

func TestDispatch_RemediationFailureIsReported(t *testing.T) {
	remediator := &mockRemediator{}
	remediator.On("NotifyAdmin", mac, mock.AnythingOfType("string")).Return(errors.New("smtp down"))

	d := NewDispatcher(nil, nil, remediator, time.Second, quietLogger(), nil)
	out := d.Dispatch(context.Background(), highRiskCamera(), models.PolicyRule{Name: "p", Remediation: models.RemediationNotifyAdmin})

	assert.EqualError(t, out.Err(), "smtp down")
}

func TestDispatch_CallsAreBoundedByTimeout(t *testing.T) {
	d := NewDispatcher(blockingNetwork{}, nil, nil, 20*time.Millisecond, quietLogger(), nil)

	start := time.Now()
	out := d.Dispatch(context.Background(), highRiskCamera(), models.PolicyRule{NetworkControl: models.NetworkIsolate})

	assert.ErrorIs(t, out.NetworkErr, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEventRemediator(t *testing.T) {
	f := &captureForwarder{}
	r := NewEventRemediator(f)

	device := highRiskCamera()
	device.AppliedPolicy = "isolate-high"
	require.NoError(t, r.ResetCredentials(context.Background(), device))
	require.NoError(t, r.NotifyAdmin(context.Background(), device, "look at this"))

	require.Len(t, f.events, 2)
	assert.Equal(t, events.TypeRemediationRequested, f.events[0].Type)
	assert.Equal(t, "credential_reset", f.events[0].Attributes["action"])
	assert.Equal(t, "isolate-high", f.events[0].Attributes["policy"])
	assert.Equal(t, "look at this", f.events[1].Detail)
}
