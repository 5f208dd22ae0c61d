package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/activescan"
	"github.com/ExclusiveAccount/iot-guardian/pkg/baseline"
	"github.com/ExclusiveAccount/iot-guardian/pkg/capture"
	"github.com/ExclusiveAccount/iot-guardian/pkg/catalog"
	"github.com/ExclusiveAccount/iot-guardian/pkg/config"
	"github.com/ExclusiveAccount/iot-guardian/pkg/enforcement"
	"github.com/ExclusiveAccount/iot-guardian/pkg/events"
	"github.com/ExclusiveAccount/iot-guardian/pkg/fingerprint"
	"github.com/ExclusiveAccount/iot-guardian/pkg/metrics"
	"github.com/ExclusiveAccount/iot-guardian/pkg/pipeline"
	"github.com/ExclusiveAccount/iot-guardian/pkg/policy"
	"github.com/ExclusiveAccount/iot-guardian/pkg/registry"
	"github.com/ExclusiveAccount/iot-guardian/pkg/risk"
	"github.com/ExclusiveAccount/iot-guardian/pkg/scheduler"
)

// components is the assembled pipeline
type components struct {
	catalog  *catalog.Catalog
	registry *registry.Registry
	orch     *pipeline.Orchestrator
}

// buildPipeline loads the catalogs and wires the pipeline stages. forwarder
// may be nil, in which case events are dropped and remediation is skipped.
func buildPipeline(cfg config.Config, network enforcement.NetworkController, forwarder events.Forwarder, m *metrics.Metrics) (*components, error) {
	cat := catalog.LoadAll(cfg.Catalog, log)
	if degraded := cat.Degraded(); len(degraded) > 0 {
		log.WithField("catalogs", degraded).Warn("Running with degraded catalogs")
	}

	vendors := fingerprint.NewMacVendorDB(cfg.OUIDatabase, log)
	matcher := fingerprint.NewMatcher(cat.Fingerprints.Items, vendors, cat.BannerRules.Items, log)
	log.WithFields(logrus.Fields{
		"signatures":  matcher.SignatureCount(),
		"oui_entries": vendors.Count(),
	}).Info("Fingerprint database ready")

	assessor := risk.NewAssessor(cat.Authorized.Items, cat.Vulnerabilities.Items, risk.Options{
		DefaultCredentials: risk.ExternalDefaultCredentials,
		ExcessiveAccess:    risk.DestinationLimits(cfg.DestinationLimits),
	})

	tracker := baseline.NewTracker(baseline.Options{
		Capacity:       cfg.Baseline.Window,
		Threshold:      cfg.Baseline.Threshold,
		EnhancedFactor: cfg.Baseline.EnhancedFactor,
	})

	var remediator enforcement.Remediator
	if forwarder != nil {
		remediator = enforcement.NewEventRemediator(forwarder)
	}
	dispatcher := enforcement.NewDispatcher(network, tracker, remediator, cfg.ActionTimeout, log, m)

	var prober scheduler.Prober
	if cfg.ActiveScan.Enabled {
		sets, err := activescan.LoadCredentialSets("")
		if err != nil {
			return nil, fmt.Errorf("loading credential sets: %w", err)
		}
		prober = activescan.NewScanner(activescan.Options{
			Ports:   cfg.ActiveScan.Ports,
			Timeout: cfg.ActiveScan.Timeout,
		}, matcher, activescan.NewCredentialChecker(sets, cfg.ActiveScan.Timeout, log), log)
	}

	reg := registry.New()
	orch, err := pipeline.New(pipeline.Config{
		Registry:            reg,
		Identifier:          matcher,
		Assessor:            assessor,
		Policies:            policy.NewEngine(cat.Policies.Items),
		Enforcer:            dispatcher,
		Tracker:             tracker,
		Forwarder:           forwarder,
		Clock:               scheduler.RealClock{},
		Logger:              log,
		Metrics:             m,
		VulnerabilityWindow: cfg.Vulnerability.Interval,
		Prober:              prober,
		ActiveScanWindow:    cfg.ActiveScan.Interval,
		ScanConcurrency:     cfg.ActiveScan.Concurrency,
	})
	if err != nil {
		return nil, err
	}

	return &components{catalog: cat, registry: reg, orch: orch}, nil
}

// openSources opens one sniffer per interface and one replay per file. A
// source that fails to open is skipped.
func openSources(cfg config.Config) []capture.Source {
	var sources []capture.Source

	for _, iface := range cfg.Capture.Interfaces {
		sniffer := capture.NewSniffer(iface, capture.SnifferOptions{
			SnapLen:       int32(cfg.Capture.SnapLen),
			Promiscuous:   cfg.Capture.Promiscuous,
			BPFFilter:     cfg.Capture.BPFFilter,
			FlushInterval: cfg.Capture.FlushInterval,
		}, log)
		if err := sniffer.Open(); err != nil {
			log.Errorf("Couldn't open interface %s: %v", iface, err)
			continue
		}
		sources = append(sources, sniffer)
	}

	for _, path := range cfg.Capture.ReplayFiles {
		replay := capture.NewReplay(path, log)
		if err := replay.Open(); err != nil {
			log.Errorf("Couldn't open replay file %s: %v", path, err)
			continue
		}
		sources = append(sources, replay)
	}

	return sources
}
