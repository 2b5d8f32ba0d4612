package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/tier-router/router"
	"github.com/inference-sim/tier-router/router/loader"
	"github.com/inference-sim/tier-router/router/profile"
	"github.com/inference-sim/tier-router/router/telemetry"
	"github.com/inference-sim/tier-router/router/workload"
)

var (
	workloadPath string  // Workload spec YAML
	seed         int64   // Seed for the synthetic workload
	numQueries   int     // Number of queries
	rate         float64 // Queries arrival per second
	timeScale    float64 // Wall-clock multiplier for arrivals, loads and inference
	concurrency  int     // Maximum queries in flight
	runDevice    string  // Static device profile override
)

// runReport is the JSON printed at the end of `run`.
type runReport struct {
	Summary *telemetry.Summary `json:"summary"`
	Loader  loaderReport       `json:"loader"`
	Wall    string             `json:"wall_time"`
}

type loaderReport struct {
	Budget    string   `json:"budget"`
	Used      string   `json:"used"`
	Resident  []string `json:"resident"`
	Hits      uint64   `json:"hits"`
	Misses    uint64   `json:"misses"`
	Coalesced uint64   `json:"coalesced"`
	Loads     uint64   `json:"loads"`
	Evictions uint64   `json:"evictions"`
	Swaps     uint64   `json:"swaps"`
	Preloads  uint64   `json:"preloads"`
	Failures  uint64   `json:"failures"`
}

func newLoaderReport(st loader.Stats) loaderReport {
	r := loaderReport{
		Budget:    humanize.IBytes(uint64(st.Budget.MaxBytes)),
		Used:      humanize.IBytes(uint64(st.Budget.UsedBytes)),
		Resident:  make([]string, 0, len(st.Resident)),
		Hits:      st.Hits,
		Misses:    st.Misses,
		Coalesced: st.Coalesced,
		Loads:     st.Loads,
		Evictions: st.Evictions,
		Swaps:     st.Swaps,
		Preloads:  st.Preloads,
		Failures:  st.Failures,
	}
	for _, inst := range st.Resident {
		r.Resident = append(r.Resident, fmt.Sprintf("%s (%s, pins=%d)", inst.Key, humanize.IBytes(uint64(inst.FootprintBytes)), inst.Pins))
	}
	return r
}

// runCmd drives the router with a synthetic workload
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Route a synthetic query workload and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		spec, err := loadWorkload(cmd)
		if err != nil {
			return err
		}

		var prof router.Profiler = profile.New(cfg.Profiler)
		if runDevice != "" {
			static, err := profile.ParseStatic(runDevice)
			if err != nil {
				return err
			}
			prof = static
		}
		s, err := buildStack(cfg, stackOptions{profiler: prof, timeScale: timeScale})
		if err != nil {
			return err
		}

		logrus.Infof("Starting run: %d queries at %.1f q/s, budget %s, %d tiers",
			spec.Count, spec.Rate, humanize.IBytes(uint64(cfg.Memory.MaxBytes)), len(cfg.Models))
		start := time.Now()
		if err := runWorkload(cmd.Context(), s, spec, simulatedExecutor{registry: s.registry, timeScale: timeScale}); err != nil {
			s.close()
			return err
		}
		s.close()

		report := runReport{
			Summary: telemetry.Summarize(s.recorder),
			Loader:  newLoaderReport(s.loader.Stats()),
			Wall:    time.Since(start).String(),
		}
		logrus.Info("Run complete.")
		return writeJSON(cmd.OutOrStdout(), report)
	},
}

func loadWorkload(cmd *cobra.Command) (*workload.Spec, error) {
	spec := workload.DefaultSpec()
	if workloadPath != "" {
		loaded, err := workload.LoadSpec(workloadPath)
		if err != nil {
			return nil, err
		}
		spec = loaded
	}
	if cmd.Flags().Changed("seed") {
		spec.Seed = seed
	}
	if cmd.Flags().Changed("num-queries") {
		spec.Count = numQueries
	}
	if cmd.Flags().Changed("rate") {
		spec.Rate = rate
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("workload: %w", err)
	}
	return spec, nil
}

// runWorkload replays the generated queries at their (scaled) arrival
// times, each on its own goroutine, bounded by --concurrency. Query
// failures are recorded by telemetry and do not stop the run.
func runWorkload(ctx context.Context, s *stack, spec *workload.Spec, exec Executor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.start(ctx)

	start := time.Now()
	gen, err := workload.NewGenerator(spec, start)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for {
		q, ok := gen.Next()
		if !ok {
			break
		}
		if timeScale > 0 {
			wait := time.Duration(float64(q.ArrivalTime.Sub(start)) * timeScale)
			if err := sleepUntil(gctx, start.Add(wait)); err != nil {
				break
			}
		}
		g.Go(func() error {
			return serve(gctx, s.router, exec, q)
		})
	}
	return g.Wait()
}

func serve(ctx context.Context, r *router.Router, exec Executor, q router.Query) error {
	lease, err := r.Route(ctx, q)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	defer lease.Release()
	if err := exec.Execute(ctx, lease, q); err != nil && !errors.Is(err, context.Canceled) {
		logrus.Warnf("query %s: inference on %s failed: %v", q.ID, lease.Decision.Key(), err)
	}
	return nil
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func init() {
	runCmd.Flags().StringVar(&workloadPath, "workload", "", "Workload spec YAML (default: built-in mixed workload)")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for synthetic query generation")
	runCmd.Flags().IntVar(&numQueries, "num-queries", 200, "Number of queries")
	runCmd.Flags().Float64Var(&rate, "rate", 20, "Queries arrival per second")
	runCmd.Flags().Float64Var(&timeScale, "time-scale", 0, "Wall-clock multiplier for arrivals, loads and inference (0: as fast as possible)")
	runCmd.Flags().IntVar(&concurrency, "concurrency", 64, "Maximum queries in flight (0: unbounded)")
	runCmd.Flags().StringVar(&runDevice, "device", "", "Static device profile instead of probing the host")
}
