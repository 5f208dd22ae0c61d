package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ExclusiveAccount/iot-guardian/pkg/capture"
	"github.com/ExclusiveAccount/iot-guardian/pkg/scheduler"
)

// Service is a long-running collaborator supervised alongside the workers,
// such as the event queue or the API server
type Service interface {
	Run(ctx context.Context) error
}

// ServiceFunc adapts a function to Service
type ServiceFunc func(ctx context.Context) error

// Run implements Service
func (f ServiceFunc) Run(ctx context.Context) error { return f(ctx) }

// RunOptions selects the workers Run starts. A zero interval disables the
// corresponding worker.
type RunOptions struct {
	Sources           []capture.Source
	BaselineInterval  time.Duration
	VulnerabilityTick time.Duration
	ActiveScanTick    time.Duration
	Services          map[string]Service
}

// Run starts one ingestion worker per source and the periodic workers, and
// blocks until ctx is cancelled or a service fails. Sources that run dry
// (a finished replay) end their worker without stopping the others.
//
// Shutdown is ordered: workers stop first, then pending onboarding drains,
// and only then are the services cancelled, so the events raised while
// draining still reach the event queue.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) error {
	svcCtx, stopServices := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServices()
	services, svcCtx := errgroup.WithContext(svcCtx)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	g, ctx := errgroup.WithContext(workerCtx)

	for name, svc := range opts.Services {
		services.Go(func() error {
			err := svc.Run(svcCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				o.logger.WithField("service", name).Errorf("Service stopped: %v", err)
				stopWorkers()
				return err
			}
			return nil
		})
	}

	for _, src := range opts.Sources {
		g.Go(func() error {
			o.ingest(ctx, src)
			return nil
		})
	}

	if opts.BaselineInterval > 0 && o.tracker != nil {
		g.Go(o.periodic(ctx, "baseline", opts.BaselineInterval, func(ctx context.Context) {
			o.SampleBaselines(ctx)
		}))
	}
	if opts.VulnerabilityTick > 0 {
		g.Go(o.periodic(ctx, "vulnerability", opts.VulnerabilityTick, func(ctx context.Context) {
			if n := o.CheckVulnerabilities(ctx); n > 0 {
				o.logger.WithField("devices", n).Info("Vulnerability check completed")
			}
		}))
	}
	if opts.ActiveScanTick > 0 && o.scanCycle != nil {
		g.Go(o.periodic(ctx, "active_scan", opts.ActiveScanTick, func(ctx context.Context) {
			if n := o.ScanDevices(ctx); n > 0 {
				o.logger.WithField("devices", n).Info("Active scan completed")
			}
		}))
	}

	if len(opts.Services) > 0 {
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}

	err := g.Wait()
	o.Wait()

	stopServices()
	if svcErr := services.Wait(); svcErr != nil {
		return svcErr
	}
	return err
}

func (o *Orchestrator) ingest(ctx context.Context, src capture.Source) {
	log := o.logger.WithField("source", src.Name())
	log.Info("Ingestion started")

	for obs := range src.Observations(ctx) {
		_, _, _ = o.Ingest(ctx, src.Name(), obs)
	}
	log.Info("Ingestion stopped")
}

// periodic runs fn on every tick until ctx is done, recovering panics
func (o *Orchestrator) periodic(ctx context.Context, worker string, interval time.Duration, fn func(context.Context)) func() error {
	return func() error {
		o.logger.WithFields(logrus.Fields{"worker": worker, "interval": interval}).Debug("Worker started")
		err := scheduler.Loop(ctx, o.clock, interval, fn, func(r any) {
			o.metrics.WorkerPanics.WithLabelValues(worker).Inc()
			o.logger.WithField("worker", worker).Errorf("Recovered from panic: %v", r)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}
