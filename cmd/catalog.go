package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/inference-sim/tier-router/router"
	"github.com/inference-sim/tier-router/router/registry"
)

// catalogCmd prints the configured tiers
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the model catalog, routing tables and memory budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := registry.FromConfig(cfg)
		if err != nil {
			return err
		}
		return printCatalog(cmd.OutOrStdout(), cfg, reg)
	},
}

func printCatalog(out io.Writer, cfg *router.Config, reg *registry.Registry) error {
	fmt.Fprintf(out, "memory budget: %s  security floor: tier %d\n\n",
		humanize.IBytes(uint64(cfg.Memory.MaxBytes)), cfg.Routing.SecurityFloorTier)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tMODEL\tCOST/1K\tLATENCY\tMODES")
	for _, d := range reg.Ordered() {
		modes := make([]string, 0, len(d.Modes))
		for _, q := range d.Modes {
			fit := ""
			if q.FootprintBytes > int64(cfg.Memory.MaxBytes) {
				fit = " !budget"
			}
			modes = append(modes, fmt.Sprintf("%s=%s/%s%s", q.Mode, humanize.IBytes(uint64(q.FootprintBytes)), q.Accuracy, fit))
		}
		fmt.Fprintf(w, "%d\t%s\t%.4f¢\t%v\t%s\n", d.TierRank, d.ID, d.CostPer1KTokens, d.BaseLatency, strings.Join(modes, " "))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPLEXITY\tTIER\tMIN ACCURACY\tCANDIDATES")
	for _, level := range router.AllComplexityLevels() {
		var ids []string
		for _, d := range reg.TiersFor(level) {
			ids = append(ids, d.ID)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", level, cfg.TierFor(level), cfg.AccuracyFor(level), strings.Join(ids, " > "))
	}
	return w.Flush()
}
