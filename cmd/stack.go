package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/tier-router/router"
	"github.com/inference-sim/tier-router/router/classify"
	"github.com/inference-sim/tier-router/router/loader"
	"github.com/inference-sim/tier-router/router/registry"
	"github.com/inference-sim/tier-router/router/telemetry"
)

// stack is every component of a running router, wired together.
type stack struct {
	cfg       *router.Config
	registry  *registry.Registry
	loader    *loader.Loader
	router    *router.Router
	preloader *loader.Preloader
	emitter   *telemetry.Emitter
	recorder  *telemetry.Recorder
	metrics   *prometheus.Registry
}

type stackOptions struct {
	profiler  router.Profiler
	backend   loader.Backend
	timeScale float64 // simulated backend delay multiplier
}

// buildStack wires registry, loader, engine and telemetry from cfg.
// With no weights_root configured the simulated backend is used.
func buildStack(cfg *router.Config, opts stackOptions) (*stack, error) {
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building registry: %w", err)
	}

	s := &stack{cfg: cfg, registry: reg, recorder: telemetry.NewRecorder(), metrics: prometheus.NewRegistry()}
	sinks := []router.EventSink{s.recorder}
	if cfg.Telemetry.LogEvents {
		sinks = append(sinks, telemetry.LogSink{})
	}
	if cfg.Telemetry.Metrics {
		sinks = append(sinks, telemetry.NewMetricsSink(s.metrics))
	}
	s.emitter = telemetry.NewEmitter(cfg.Telemetry.Buffer, sinks...)

	backend := opts.backend
	if backend == nil {
		if cfg.Memory.WeightsRoot != "" {
			backend = loader.FileBackend{Root: cfg.Memory.WeightsRoot}
		} else {
			backend = loader.NewSimulatedBackend(int64(cfg.Memory.LoadBandwidth), opts.timeScale)
		}
	}
	s.loader = loader.New(cfg, reg, backend, loader.WithSink(s.emitter))

	components := router.Components{
		Classifier: classify.New(cfg.Classifier),
		Profiler:   opts.profiler,
		Catalog:    reg,
		Residency:  s.loader.Residency(),
		Sink:       s.emitter,
	}
	if cfg.Preload.Enabled {
		s.preloader = loader.NewPreloader(s.loader, cfg.Preload)
		components.Observer = s.preloader
	}
	s.router, err = router.NewRouter(cfg, components)
	if err != nil {
		s.emitter.Close()
		return nil, err
	}
	return s, nil
}

// start runs the preloader and pressure monitor until ctx ends.
func (s *stack) start(ctx context.Context) {
	if s.preloader != nil {
		go s.preloader.Run(ctx)
	}
	go s.loader.Run(ctx)
}

// close flushes telemetry.
func (s *stack) close() {
	s.emitter.Close()
}

// Executor runs inference on a pinned model instance. The real executor
// lives outside this module.
type Executor interface {
	Execute(ctx context.Context, lease *router.Lease, q router.Query) error
}

// simulatedExecutor sleeps for the model's base latency scaled by timeScale.
type simulatedExecutor struct {
	registry  *registry.Registry
	timeScale float64
}

func (e simulatedExecutor) Execute(ctx context.Context, lease *router.Lease, q router.Query) error {
	desc, err := e.registry.Lookup(lease.Decision.ModelID)
	if err != nil {
		return err
	}
	d := time.Duration(float64(desc.BaseLatency) * e.timeScale)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		logrus.Tracef("query %s served by %s in %v", q.ID, lease.Decision.Key(), d)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
