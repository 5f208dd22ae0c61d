// Package pipeline wires observations through identification, risk
// assessment and policy enforcement, and supervises the periodic workers.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/baseline"
	"github.com/ExclusiveAccount/iot-guardian/pkg/enforcement"
	"github.com/ExclusiveAccount/iot-guardian/pkg/events"
	"github.com/ExclusiveAccount/iot-guardian/pkg/fingerprint"
	"github.com/ExclusiveAccount/iot-guardian/pkg/metrics"
	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
	"github.com/ExclusiveAccount/iot-guardian/pkg/policy"
	"github.com/ExclusiveAccount/iot-guardian/pkg/registry"
	"github.com/ExclusiveAccount/iot-guardian/pkg/risk"
	"github.com/ExclusiveAccount/iot-guardian/pkg/scheduler"
)

// Identifier classifies a device from its evidence
type Identifier interface {
	Identify(ev fingerprint.Evidence) models.Classification
}

// Enforcer applies a policy rule to a device
type Enforcer interface {
	Dispatch(ctx context.Context, device models.Device, rule models.PolicyRule) enforcement.Outcome
}

// Config holds the collaborators of an Orchestrator. Registry, Identifier,
// Assessor and Policies are required.
type Config struct {
	Registry   *registry.Registry
	Identifier Identifier
	Assessor   *risk.Assessor
	Policies   *policy.Engine
	Enforcer   Enforcer          // Nil skips enforcement
	Tracker    *baseline.Tracker // Nil disables baselining
	Forwarder  events.Forwarder  // Nil drops events
	Clock      scheduler.Clock
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics

	VulnerabilityWindow time.Duration    // Per-device vulnerability re-check window
	Prober              scheduler.Prober // Nil disables active scanning
	ActiveScanWindow    time.Duration    // Per-device active scan window
	ScanConcurrency     int
}

// Orchestrator runs every newly seen device through identify, assess and
// enforce exactly once, and re-enforces devices whose risk changes later.
type Orchestrator struct {
	registry   *registry.Registry
	identifier Identifier
	assessor   *risk.Assessor
	policies   *policy.Engine
	enforcer   Enforcer
	tracker    *baseline.Tracker
	forwarder  events.Forwarder
	clock      scheduler.Clock
	logger     *logrus.Logger
	metrics    *metrics.Metrics

	vulnCycle *scheduler.VulnerabilityCycle
	scanCycle *scheduler.ActiveScanCycle

	onboarding sync.WaitGroup
}

// New creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil || cfg.Identifier == nil || cfg.Assessor == nil || cfg.Policies == nil {
		return nil, fmt.Errorf("pipeline: registry, identifier, assessor and policies are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = scheduler.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
	if cfg.VulnerabilityWindow <= 0 {
		cfg.VulnerabilityWindow = 24 * time.Hour
	}
	if cfg.ActiveScanWindow <= 0 {
		cfg.ActiveScanWindow = 24 * time.Hour
	}

	o := &Orchestrator{
		registry:   cfg.Registry,
		identifier: cfg.Identifier,
		assessor:   cfg.Assessor,
		policies:   cfg.Policies,
		enforcer:   cfg.Enforcer,
		tracker:    cfg.Tracker,
		forwarder:  cfg.Forwarder,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}

	o.vulnCycle = &scheduler.VulnerabilityCycle{
		Registry:     cfg.Registry,
		Assessor:     cfg.Assessor,
		Forwarder:    cfg.Forwarder,
		Clock:        cfg.Clock,
		Window:       cfg.VulnerabilityWindow,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
		OnReassessed: o.reenforceOnChange,
	}
	if cfg.Prober != nil {
		o.scanCycle = &scheduler.ActiveScanCycle{
			Registry:    cfg.Registry,
			Prober:      cfg.Prober,
			Clock:       cfg.Clock,
			Window:      cfg.ActiveScanWindow,
			Concurrency: cfg.ScanConcurrency,
			Logger:      cfg.Logger,
			Metrics:     cfg.Metrics,
			OnScanned: func(ctx context.Context, after models.Device) {
				o.Reassess(ctx, after.MAC)
			},
		}
	}
	return o, nil
}

// Ingest folds an observation into the registry. When the observation is
// the first for its hardware address, onboarding starts in the background;
// Wait blocks until it finishes.
func (o *Orchestrator) Ingest(ctx context.Context, source string, obs models.Observation) (models.Device, bool, error) {
	dev, isNew, err := o.registry.Observe(obs)
	if err != nil {
		o.metrics.ObservationsInvalid.Inc()
		o.logger.WithFields(logrus.Fields{"source": source, "mac": obs.MAC}).Warnf("Observation rejected: %v", err)
		return models.Device{}, false, err
	}
	o.metrics.ObservationsTotal.WithLabelValues(source).Inc()

	if isNew {
		o.metrics.DevicesKnown.Set(float64(o.registry.Len()))
		o.onboarding.Add(1)
		go func() {
			defer o.onboarding.Done()
			defer o.recoverPanic("onboarding", dev.MAC)
			o.Onboard(ctx, dev.MAC)
		}()
	}
	return dev, isNew, nil
}

// Wait blocks until every onboarding started by Ingest has finished
func (o *Orchestrator) Wait() {
	o.onboarding.Wait()
}

// Onboard identifies, assesses and enforces policy on a device. It is run
// once per device, by the caller that created it.
func (o *Orchestrator) Onboard(ctx context.Context, mac string) (models.Device, error) {
	now := o.clock.Now()

	after, err := o.registry.Update(mac, func(d *models.Device) {
		d.ApplyClassification(o.identifier.Identify(fingerprint.EvidenceFor(*d)))
		o.assessor.Assess(*d).Apply(d)
		d.LastAssessed = now
		d.LastVulnerabilityCheck = now
	})
	if err != nil {
		o.logger.WithField("mac", mac).Errorf("Onboarding failed: %v", err)
		return models.Device{}, err
	}

	o.metrics.DevicesOnboarded.WithLabelValues(string(after.IdentifiedBy)).Inc()
	o.metrics.RiskAssessments.WithLabelValues(string(after.RiskLevel)).Inc()
	o.logger.WithFields(logrus.Fields{
		"mac":           after.MAC,
		"ip":            after.IP,
		"manufacturer":  after.Manufacturer,
		"device_type":   after.DeviceType,
		"identified_by": after.IdentifiedBy,
		"risk_score":    after.RiskScore,
		"risk_level":    after.RiskLevel,
	}).Info("New device onboarded")

	o.forward(ctx, events.NewDeviceDiscovered(after, now))
	if len(after.Vulnerabilities) > 0 {
		o.forward(ctx, events.VulnerabilitiesFound(after, after.Vulnerabilities, now))
	}

	return o.enforce(ctx, after), nil
}

// Reassess recomputes a device's risk and re-enforces policy when its risk
// level or device type changed
func (o *Orchestrator) Reassess(ctx context.Context, mac string) (models.Device, error) {
	now := o.clock.Now()

	var before models.Device
	after, err := o.registry.Update(mac, func(d *models.Device) {
		before = d.Clone()
		if !d.IsIdentified() {
			d.ApplyClassification(o.identifier.Identify(fingerprint.EvidenceFor(*d)))
		}
		o.assessor.Assess(*d).Apply(d)
		d.LastAssessed = now
	})
	if err != nil {
		return models.Device{}, err
	}
	o.metrics.RiskAssessments.WithLabelValues(string(after.RiskLevel)).Inc()

	o.reenforceOnChange(ctx, before, after)
	return o.registry.Get(mac)
}

// ReenforceAll applies the current policy to every assessed device. It is
// used after restoring the registry, when no enforcement has been
// dispatched yet in this process.
func (o *Orchestrator) ReenforceAll(ctx context.Context) int {
	n := 0
	for _, d := range o.registry.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if d.LastAssessed.IsZero() {
			continue
		}
		o.enforce(ctx, d)
		n++
	}
	return n
}

// reenforceOnChange skips devices whose onboarding has not run yet; it
// enforces them itself.
func (o *Orchestrator) reenforceOnChange(ctx context.Context, before, after models.Device) {
	if before.LastAssessed.IsZero() {
		return
	}
	if before.RiskLevel == after.RiskLevel && before.DeviceType == after.DeviceType {
		return
	}
	o.logger.WithFields(logrus.Fields{
		"mac":  after.MAC,
		"from": before.RiskLevel,
		"to":   after.RiskLevel,
	}).Info("Risk changed, re-enforcing policy")
	o.enforce(ctx, after)
}

// enforce selects and dispatches the policy for a device, then records it.
// The applied policy and enforcement time are recorded even when a
// collaborator failed.
func (o *Orchestrator) enforce(ctx context.Context, d models.Device) models.Device {
	log := o.logger.WithFields(logrus.Fields{
		"mac":         d.MAC,
		"device_type": d.DeviceType,
		"risk_level":  d.RiskLevel,
	})

	rule, ok := o.policies.Select(d.DeviceType, d.RiskLevel)
	if !ok {
		o.metrics.PolicyGaps.Inc()
		log.Warn("No policy rule covers device")
		after, err := o.registry.Update(d.MAC, func(dev *models.Device) {
			dev.AppliedPolicy = ""
		})
		if err != nil {
			return d
		}
		return after
	}

	target := d.Clone()
	target.AppliedPolicy = rule.Name

	var out enforcement.Outcome
	if o.enforcer != nil {
		out = o.enforcer.Dispatch(ctx, target, rule)
		if err := out.Err(); err != nil {
			log.WithField("policy", rule.Name).Warnf("Enforcement incomplete: %v", err)
		}
	}

	now := o.clock.Now()
	after, err := o.registry.Update(d.MAC, func(dev *models.Device) {
		dev.AppliedPolicy = rule.Name
		dev.LastEnforcement = now
		dev.EnhancedMonitoring = dev.EnhancedMonitoring || out.Enhanced
		dev.AlertThreshold = rule.AlertThreshold
	})
	if err != nil {
		log.Errorf("Failed to record enforcement: %v", err)
		return target
	}
	log.WithField("policy", rule.Name).Debug("Policy enforced")
	return after
}

// SampleBaselines feeds every device's counters to the baseline tracker and
// reports the anomalies found
func (o *Orchestrator) SampleBaselines(ctx context.Context) int {
	if o.tracker == nil {
		return 0
	}

	found := 0
	now := o.clock.Now()
	for _, d := range o.registry.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		for _, a := range o.tracker.Sample(d.MAC, d.Traffic, d.DestinationList(), now) {
			found++
			o.metrics.Anomalies.WithLabelValues(a.Kind).Inc()
			o.logger.WithFields(logrus.Fields{
				"mac":    d.MAC,
				"kind":   a.Kind,
				"detail": a.Detail(),
			}).Warn("Anomaly detected")
			o.forward(ctx, events.AnomalyDetected(d, a.Kind, a.Detail(), a.At))
		}
	}
	return found
}

// CheckVulnerabilities runs one vulnerability re-check cycle
func (o *Orchestrator) CheckVulnerabilities(ctx context.Context) int {
	return o.vulnCycle.RunOnce(ctx)
}

// ScanDevices runs one active scan cycle; it does nothing when no prober
// is configured
func (o *Orchestrator) ScanDevices(ctx context.Context) int {
	if o.scanCycle == nil {
		return 0
	}
	return o.scanCycle.RunOnce(ctx)
}

func (o *Orchestrator) forward(ctx context.Context, ev events.Event) {
	if o.forwarder == nil {
		return
	}
	if err := o.forwarder.Forward(ctx, ev); err != nil {
		o.logger.WithFields(logrus.Fields{
			"event": ev.Type,
			"mac":   ev.Device.MAC,
		}).Warnf("Failed to forward event: %v", err)
	}
}

func (o *Orchestrator) recoverPanic(worker, mac string) {
	if r := recover(); r != nil {
		o.metrics.WorkerPanics.WithLabelValues(worker).Inc()
		o.logger.WithFields(logrus.Fields{"worker": worker, "mac": mac}).Errorf("Recovered from panic: %v", r)
	}
}
