// Package enforcement turns a selected policy rule into network-control,
// monitoring and remediation actions.
package enforcement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/metrics"
	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// DefaultActionTimeout bounds every collaborator call
const DefaultActionTimeout = 10 * time.Second

// NetworkController applies network-level containment to a device
type NetworkController interface {
	Isolate(ctx context.Context, mac string) error
	Restrict(ctx context.Context, mac string, allowed []string) error
	Monitor(ctx context.Context, mac string) error
}

// MonitoringRegistrar configures behavioral monitoring for a device
type MonitoringRegistrar interface {
	EnableEnhanced(mac string)
	SetAlertThreshold(mac string, threshold float64)
}

// Remediator carries out remediation actions on high-risk devices
type Remediator interface {
	Patch(ctx context.Context, d models.Device) error
	ResetCredentials(ctx context.Context, d models.Device) error
	NotifyAdmin(ctx context.Context, d models.Device, reason string) error
}

// Outcome reports what a dispatch did
type Outcome struct {
	Network          models.NetworkAction
	NetworkSkipped   bool // Same action was already applied
	NetworkErr       error
	Enhanced         bool
	AlertThreshold   float64
	Remediation      models.RemediationAction
	RemediationErr   error
	RemediationLevel models.RiskLevel
}

// Err returns the first collaborator failure, if any
func (o Outcome) Err() error {
	if o.NetworkErr != nil {
		return o.NetworkErr
	}
	return o.RemediationErr
}

// Dispatcher applies policy rules. Network actions are idempotent per
// device: repeating the last successful action is a no-op. Actions for one
// device are serialized, so concurrent dispatches apply it at most once.
type Dispatcher struct {
	network    NetworkController
	monitoring MonitoringRegistrar
	remediator Remediator
	timeout    time.Duration
	logger     *logrus.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	ledger   map[string]string
	inflight map[string]*sync.Mutex
}

// NewDispatcher creates a dispatcher. Any collaborator may be nil, in which
// case its actions are skipped.
func NewDispatcher(network NetworkController, monitoring MonitoringRegistrar, remediator Remediator, timeout time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Dispatcher{
		network:    network,
		monitoring: monitoring,
		remediator: remediator,
		timeout:    timeout,
		logger:     logger,
		metrics:    m,
		ledger:     make(map[string]string),
		inflight:   make(map[string]*sync.Mutex),
	}
}

// Dispatch applies rule to the device
func (d *Dispatcher) Dispatch(ctx context.Context, device models.Device, rule models.PolicyRule) Outcome {
	log := d.logger.WithFields(logrus.Fields{
		"mac":    device.MAC,
		"policy": rule.Name,
	})

	out := Outcome{
		Network:          rule.NetworkControl,
		AlertThreshold:   rule.AlertThreshold,
		RemediationLevel: device.RiskLevel,
	}

	out.NetworkSkipped, out.NetworkErr = d.applyNetwork(ctx, device.MAC, rule)
	if out.NetworkErr != nil {
		d.metrics.EnforcementErrors.WithLabelValues("network").Inc()
		log.WithField("action", rule.NetworkControl).Errorf("Network control failed: %v", out.NetworkErr)
	} else if rule.NetworkControl != models.NetworkNone && !out.NetworkSkipped {
		d.metrics.EnforcementActions.WithLabelValues(string(rule.NetworkControl)).Inc()
		log.WithField("action", rule.NetworkControl).Info("Network control applied")
	}

	if d.monitoring != nil {
		if rule.EnhancedMonitoring {
			d.monitoring.EnableEnhanced(device.MAC)
			out.Enhanced = true
		}
		d.monitoring.SetAlertThreshold(device.MAC, rule.AlertThreshold)
	}

	if device.RiskLevel == models.RiskHigh && rule.Remediation != models.RemediationNone {
		out.Remediation = rule.Remediation
		out.RemediationErr = d.remediate(ctx, device, rule)
		if out.RemediationErr != nil {
			d.metrics.EnforcementErrors.WithLabelValues("remediation").Inc()
			log.WithField("remediation", rule.Remediation).Errorf("Remediation failed: %v", out.RemediationErr)
		} else {
			d.metrics.EnforcementActions.WithLabelValues(string(rule.Remediation)).Inc()
			log.WithField("remediation", rule.Remediation).Info("Remediation requested")
		}
	}

	return out
}

func (d *Dispatcher) applyNetwork(ctx context.Context, mac string, rule models.PolicyRule) (bool, error) {
	if rule.NetworkControl == models.NetworkNone || d.network == nil {
		return false, nil
	}

	key := ledgerKey(rule.NetworkControl, rule.AllowedDestinations)

	lock := d.deviceLock(mac)
	lock.Lock()
	defer lock.Unlock()

	d.mu.Lock()
	applied := d.ledger[mac] == key
	d.mu.Unlock()
	if applied {
		return true, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var err error
	switch rule.NetworkControl {
	case models.NetworkIsolate:
		err = d.network.Isolate(callCtx, mac)
	case models.NetworkRestrict:
		err = d.network.Restrict(callCtx, mac, sortedCopy(rule.AllowedDestinations))
	case models.NetworkMonitor:
		err = d.network.Monitor(callCtx, mac)
	default:
		err = fmt.Errorf("unknown network action %q", rule.NetworkControl)
	}
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	d.ledger[mac] = key
	d.mu.Unlock()
	return false, nil
}

// deviceLock returns the mutex held while an action for mac is in flight
func (d *Dispatcher) deviceLock(mac string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.inflight[mac]
	if !ok {
		lock = &sync.Mutex{}
		d.inflight[mac] = lock
	}
	return lock
}

func (d *Dispatcher) remediate(ctx context.Context, device models.Device, rule models.PolicyRule) error {
	if d.remediator == nil {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch rule.Remediation {
	case models.RemediationPatch:
		return d.remediator.Patch(callCtx, device)
	case models.RemediationCredentialReset:
		return d.remediator.ResetCredentials(callCtx, device)
	case models.RemediationNotifyAdmin:
		return d.remediator.NotifyAdmin(callCtx, device, fmt.Sprintf("policy %s matched %s risk device", rule.Name, device.RiskLevel))
	default:
		return fmt.Errorf("unknown remediation action %q", rule.Remediation)
	}
}

// Applied returns the last network action successfully applied to mac
func (d *Dispatcher) Applied(mac string) (models.NetworkAction, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.ledger[mac]
	if !ok {
		return models.NetworkNone, false
	}
	action, _, _ := strings.Cut(key, "|")
	return models.NetworkAction(action), true
}

func ledgerKey(action models.NetworkAction, destinations []string) string {
	if action != models.NetworkRestrict {
		return string(action)
	}
	return string(action) + "|" + strings.Join(sortedCopy(destinations), ",")
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
