package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/events"
	"github.com/ExclusiveAccount/iot-guardian/pkg/metrics"
	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
	"github.com/ExclusiveAccount/iot-guardian/pkg/registry"
	"github.com/ExclusiveAccount/iot-guardian/pkg/risk"
)

// ReassessHook is called after a device was re-assessed, with its state
// before and after.
type ReassessHook func(ctx context.Context, before, after models.Device)

// VulnerabilityCycle re-matches the vulnerability catalog and re-scores
// every device whose last check is older than Window.
type VulnerabilityCycle struct {
	Registry     *registry.Registry
	Assessor     *risk.Assessor
	Forwarder    events.Forwarder
	Clock        Clock
	Window       time.Duration
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
	OnReassessed ReassessHook
}

// RunOnce checks every due device and returns how many were checked
func (c *VulnerabilityCycle) RunOnce(ctx context.Context) int {
	logger := c.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	checked := 0
	for _, snapshot := range c.Registry.Snapshot() {
		if ctx.Err() != nil {
			break
		}

		now := c.Clock.Now()
		if !Due(snapshot.LastVulnerabilityCheck, now, c.Window) {
			continue
		}

		var before models.Device
		after, err := c.Registry.Update(snapshot.MAC, func(d *models.Device) {
			before = d.Clone()
			c.Assessor.Assess(*d).Apply(d)
			d.LastAssessed = now
			d.LastVulnerabilityCheck = now
		})
		if err != nil {
			logger.WithField("mac", snapshot.MAC).Warnf("Vulnerability check skipped: %v", err)
			continue
		}
		checked++
		if c.Metrics != nil {
			c.Metrics.VulnChecks.Inc()
			c.Metrics.RiskAssessments.WithLabelValues(string(after.RiskLevel)).Inc()
		}

		if found := risk.NewVulnerabilities(before.Vulnerabilities, after.Vulnerabilities); len(found) > 0 {
			logger.WithFields(logrus.Fields{
				"mac":        after.MAC,
				"count":      len(found),
				"risk_level": after.RiskLevel,
			}).Warn("New vulnerabilities found")
			if c.Forwarder != nil {
				if err := c.Forwarder.Forward(ctx, events.VulnerabilitiesFound(after, found, now)); err != nil {
					logger.WithField("mac", after.MAC).Errorf("Failed to forward vulnerability event: %v", err)
				}
			}
		}

		if c.OnReassessed != nil {
			c.OnReassessed(ctx, before, after)
		}
	}
	return checked
}
