package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ExclusiveAccount/iot-guardian/pkg/metrics"
	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
	"github.com/ExclusiveAccount/iot-guardian/pkg/registry"
)

// DefaultScanConcurrency bounds simultaneous probes
const DefaultScanConcurrency = 8

// ProbeResult is what an active probe learned about a device
type ProbeResult struct {
	OpenPorts          []int
	Services           []string       // Protocol names of the services found
	Banners            map[int]string // Port -> banner text
	Classification     *models.Classification
	DefaultCredentials bool
}

// Prober actively probes a single device
type Prober interface {
	Probe(ctx context.Context, d models.Device) (ProbeResult, error)
}

// ScanHook is called with a device after its scan results were merged
type ScanHook func(ctx context.Context, after models.Device)

// ActiveScanCycle probes every device whose last active scan is older than
// Window. A failed probe leaves the device due, so it is retried on the
// next outer tick.
type ActiveScanCycle struct {
	Registry    *registry.Registry
	Prober      Prober
	Clock       Clock
	Window      time.Duration
	Concurrency int
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
	OnScanned   ScanHook
}

// RunOnce probes every due device and returns how many scans succeeded
func (c *ActiveScanCycle) RunOnce(ctx context.Context) int {
	logger := c.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	limit := c.Concurrency
	if limit <= 0 {
		limit = DefaultScanConcurrency
	}

	now := c.Clock.Now()
	var due []models.Device
	for _, d := range c.Registry.Snapshot() {
		if d.IP != "" && Due(d.LastActiveScan, now, c.Window) {
			due = append(due, d)
		}
	}

	var g errgroup.Group
	g.SetLimit(limit)

	results := make(chan models.Device, len(due))
	for _, d := range due {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			log := logger.WithFields(logrus.Fields{"mac": d.MAC, "ip": d.IP})

			res, err := c.Prober.Probe(ctx, d)
			if err != nil {
				c.count("failed")
				log.Warnf("Active scan failed: %v", err)
				return nil
			}

			after, err := c.Registry.Update(d.MAC, func(dev *models.Device) {
				MergeProbe(dev, res)
				dev.LastActiveScan = c.Clock.Now()
			})
			if err != nil {
				c.count("failed")
				log.Warnf("Active scan result dropped: %v", err)
				return nil
			}
			c.count("ok")
			log.WithField("open_ports", len(res.OpenPorts)).Debug("Active scan merged")
			results <- after
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	scanned := 0
	for after := range results {
		scanned++
		if c.OnScanned != nil {
			c.OnScanned(ctx, after)
		}
	}
	return scanned
}

func (c *ActiveScanCycle) count(result string) {
	if c.Metrics != nil {
		c.Metrics.ActiveScans.WithLabelValues(result).Inc()
	}
}

// MergeProbe folds a probe result into a device. Classification from a
// probe only replaces a weaker one: a device identified by signature keeps
// its classification.
func MergeProbe(d *models.Device, res ProbeResult) {
	if d.Ports == nil {
		d.Ports = make(map[int]bool)
	}
	if d.Protocols == nil {
		d.Protocols = make(map[string]bool)
	}
	for _, port := range res.OpenPorts {
		if port > 0 {
			d.Ports[port] = true
		}
	}
	for _, svc := range res.Services {
		if svc = strings.ToUpper(strings.TrimSpace(svc)); svc != "" {
			d.Protocols[svc] = true
		}
	}
	for port, banner := range res.Banners {
		if banner == "" {
			continue
		}
		if d.Banners == nil {
			d.Banners = make(map[int]string)
		}
		d.Banners[port] = banner
	}
	if res.Classification != nil && d.IdentifiedBy != models.IdentifiedBySignature {
		c := *res.Classification
		if c.IdentifiedBy == "" {
			c.IdentifiedBy = models.IdentifiedByBanner
		}
		if c.FirmwareVersion == "" {
			c.FirmwareVersion = d.FirmwareVersion
		}
		d.ApplyClassification(c)
	}
	d.DefaultCredentials = res.DefaultCredentials
}
