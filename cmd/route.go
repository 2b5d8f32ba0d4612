package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/inference-sim/tier-router/router"
	"github.com/inference-sim/tier-router/router/profile"
)

var (
	queryText    string   // Query text to route
	escalated    bool     // Mark the query as security-escalated
	costCeiling  float64  // Per-query cost ceiling in cents; negative disables
	deviceSpec   string   // Static device profile override
	attachments  int      // Number of attachments in the query context
	domainHints  []string // Domain hints in the query context
	dryRun       bool     // Decide without acquiring weights
	routeTimeout time.Duration
)

// routeOutput is the JSON printed by `route`.
type routeOutput struct {
	QueryID          string  `json:"query_id"`
	Model            string  `json:"model"`
	Mode             string  `json:"mode"`
	Tier             int     `json:"tier"`
	Complexity       string  `json:"complexity"`
	Confidence       float64 `json:"confidence"`
	Fallback         bool    `json:"classification_fallback"`
	Escalated        bool    `json:"security_escalated"`
	MinAccuracy      string  `json:"min_accuracy"`
	EstimatedLatency string  `json:"estimated_latency"`
	EstimatedCost    float64 `json:"estimated_cost_cents"`
	Resident         bool    `json:"resident"`
	Reason           string  `json:"reason"`
}

func newRouteOutput(d router.RoutingDecision) routeOutput {
	return routeOutput{
		QueryID:          d.QueryID,
		Model:            d.ModelID,
		Mode:             string(d.Mode),
		Tier:             d.TierRank,
		Complexity:       d.Complexity.String(),
		Confidence:       d.Confidence,
		Fallback:         d.ClassificationFallback,
		Escalated:        d.SecurityEscalated,
		MinAccuracy:      d.MinAccuracy.String(),
		EstimatedLatency: d.EstimatedLatency.String(),
		EstimatedCost:    d.EstimatedCost,
		Resident:         d.Resident,
		Reason:           d.Reason,
	}
}

// routeCmd routes a single query and prints the decision
var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Route one query and print the decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var prof router.Profiler
		if deviceSpec != "" {
			static, err := profile.ParseStatic(deviceSpec)
			if err != nil {
				return err
			}
			prof = static
		} else {
			prof = profile.New(cfg.Profiler)
		}
		s, err := buildStack(cfg, stackOptions{profiler: prof})
		if err != nil {
			return err
		}
		defer s.close()

		q := buildQuery()
		ctx, cancel := context.WithTimeout(cmd.Context(), routeTimeout)
		defer cancel()
		return routeOnce(ctx, s, q, cmd.OutOrStdout())
	},
}

func buildQuery() router.Query {
	q := router.Query{
		Text: queryText,
		Context: router.QueryContext{
			Attachments: attachments,
			DomainHints: domainHints,
		},
	}
	if escalated {
		q.Security = router.SecurityEscalated
	}
	if costCeiling >= 0 {
		c := costCeiling
		q.CostCeiling = &c
	}
	return q
}

// routeOnce prints the decision for q. In dry-run mode only the engine
// runs and nothing is loaded.
func routeOnce(ctx context.Context, s *stack, q router.Query, out io.Writer) error {
	var d router.RoutingDecision
	if dryRun {
		c := s.router.Classifier().Classify(ctx, q.Text, q.Context)
		dev := s.router.Profiler().Snapshot(ctx)
		var err error
		d, err = s.router.Engine().Decide(q, c, dev)
		if err != nil {
			return err
		}
	} else {
		lease, err := s.router.Route(ctx, q)
		if err != nil {
			return err
		}
		d = lease.Decision
		lease.Release()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(newRouteOutput(d)); err != nil {
		return fmt.Errorf("writing decision: %w", err)
	}
	return nil
}

func init() {
	routeCmd.Flags().StringVar(&queryText, "text", "", "Query text")
	routeCmd.Flags().BoolVar(&escalated, "escalated", false, "Mark the query as security-escalated")
	routeCmd.Flags().Float64Var(&costCeiling, "cost-ceiling", -1, "Per-query cost ceiling in cents (negative: none)")
	routeCmd.Flags().StringVar(&deviceSpec, "device", "", "Static device profile, e.g. \"battery=15,thermal=serious\"")
	routeCmd.Flags().IntVar(&attachments, "attachments", 0, "Number of attachments")
	routeCmd.Flags().StringSliceVar(&domainHints, "hints", nil, "Comma-separated domain hints")
	routeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Decide without loading weights")
	routeCmd.Flags().DurationVar(&routeTimeout, "timeout", 30*time.Second, "Deadline for routing and loading")
	_ = routeCmd.MarkFlagRequired("text")
}
