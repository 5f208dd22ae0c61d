package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/ExclusiveAccount/iot-guardian/pkg/api"
	"github.com/ExclusiveAccount/iot-guardian/pkg/config"
	"github.com/ExclusiveAccount/iot-guardian/pkg/enforcement"
	"github.com/ExclusiveAccount/iot-guardian/pkg/events"
	"github.com/ExclusiveAccount/iot-guardian/pkg/metrics"
	"github.com/ExclusiveAccount/iot-guardian/pkg/netctl"
	"github.com/ExclusiveAccount/iot-guardian/pkg/pipeline"
	"github.com/ExclusiveAccount/iot-guardian/pkg/scheduler"
	"github.com/ExclusiveAccount/iot-guardian/pkg/store"
)

func commandRun() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Observe the network and enforce policy until interrupted",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "interface",
				Aliases: []string{"i"},
				Usage:   "Capture on `IFACE` (repeatable); adds to the configured interfaces",
			},
			&cli.StringSliceFlag{
				Name:  "replay",
				Usage: "Replay observations from a JSON-lines `FILE` (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "active-scan",
				Usage: "Enable periodic active scanning of known devices",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			cfg.Capture.Interfaces = append(cfg.Capture.Interfaces, c.StringSlice("interface")...)
			cfg.Capture.ReplayFiles = append(cfg.Capture.ReplayFiles, c.StringSlice("replay")...)
			if c.Bool("active-scan") {
				cfg.ActiveScan.Enabled = true
			}

			ctx, cancel := signalContext()
			defer cancel()
			return runService(ctx, cfg)
		},
	}
}

// runService assembles every collaborator from cfg and runs the pipeline
// until ctx is cancelled
func runService(ctx context.Context, cfg config.Config) error {
	m := metrics.New(prometheus.DefaultRegisterer)

	var (
		network enforcement.NetworkController
		sink    events.Sink
	)
	if cfg.NATS.URL != "" {
		controller, err := netctl.ConnectNATSController(cfg.NATS.URL, cfg.NATS.ControlSubject, log)
		if err != nil {
			return fmt.Errorf("connecting network controller: %w", err)
		}
		defer controller.Close()
		network = controller

		natsSink, err := events.ConnectNATS(cfg.NATS.URL, cfg.NATS.EventsSubject, log)
		if err != nil {
			return fmt.Errorf("connecting event sink: %w", err)
		}
		defer natsSink.Close()
		sink = natsSink
	} else {
		log.Info("No broker configured, network intents and events are logged only")
		network = netctl.NewLogController(log)
		sink = events.NewLogSink(log)
	}

	queueOpts := events.DefaultQueueOptions()
	if cfg.Events.QueueSize > 0 {
		queueOpts.Size = cfg.Events.QueueSize
	}
	queueOpts.MaxRetries = cfg.Events.MaxRetries
	if cfg.Events.DedupeSize > 0 {
		queueOpts.DedupeSize = cfg.Events.DedupeSize
	}
	queue := events.NewQueue(sink, queueOpts, log, m)

	comp, err := buildPipeline(cfg, network, queue, m)
	if err != nil {
		return err
	}

	services := map[string]pipeline.Service{
		"events": queue,
	}

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("opening device store: %w", err)
		}
		defer st.Close()

		stored, err := st.LoadDevices()
		if err != nil {
			return fmt.Errorf("loading stored devices: %w", err)
		}
		restored := comp.registry.Restore(stored)
		log.WithField("devices", restored).Info("Restored device inventory")
		if n := comp.orch.ReenforceAll(ctx); n > 0 {
			log.WithField("devices", n).Info("Re-applied policy to restored devices")
		}

		flushInterval := cfg.Store.FlushInterval
		if flushInterval <= 0 {
			flushInterval = time.Minute
		}
		services["store"] = pipeline.ServiceFunc(func(ctx context.Context) error {
			return scheduler.Loop(ctx, scheduler.RealClock{}, flushInterval, func(context.Context) {
				saveInventory(st, comp)
			}, func(r any) {
				log.Errorf("Store flush panicked: %v", r)
			})
		})
	}

	if cfg.API.Enabled {
		server := api.NewServer(api.Config{
			Address:        cfg.API.Address,
			EnableCORS:     true,
			MetricsHandler: promhttp.Handler(),
			Degraded:       comp.catalog.Degraded,
		}, comp.registry, log)
		services["api"] = server
		color.Green("Reporting API on http://%s", displayAddress(cfg.API.Address))
	}

	sources := openSources(cfg)
	if len(sources) == 0 {
		log.Warn("No observation sources available; serving the stored inventory only")
	}

	scanTick := cfg.ActiveScan.Tick
	if !cfg.ActiveScan.Enabled {
		scanTick = 0
	}

	color.Yellow("Watching %d sources. Press Ctrl+C to stop", len(sources))
	err = comp.orch.Run(ctx, pipeline.RunOptions{
		Sources:           sources,
		BaselineInterval:  cfg.Baseline.Interval,
		VulnerabilityTick: cfg.Vulnerability.Tick,
		ActiveScanTick:    scanTick,
		Services:          services,
	})
	if st != nil {
		saveInventory(st, comp)
	}
	log.WithField("devices", comp.registry.Len()).Info("Shut down")
	return err
}

func saveInventory(st *store.Store, comp *components) {
	if err := st.SaveDevices(comp.registry.Snapshot()); err != nil {
		log.Errorf("Saving device inventory: %v", err)
	}
}

func displayAddress(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
