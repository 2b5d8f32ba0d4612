package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/tier-router/router"
)

// executeCommand runs the CLI with args after resetting every flag to its
// default, and returns stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	reset := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			if strings.HasSuffix(f.Value.Type(), "Slice") {
				return
			}
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	reset(rootCmd.PersistentFlags())
	for _, c := range rootCmd.Commands() {
		reset(c.Flags())
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	return out.String(), err
}

func TestLoadConfig_DefaultsAndBudgetOverride(t *testing.T) {
	// GIVEN no config file and a budget from the environment
	t.Setenv("TIER_ROUTER_MEMORY_BUDGET", "6GiB")
	_, err := executeCommand(t, "catalog")
	require.NoError(t, err)

	// WHEN the config is resolved
	cfg, err := loadConfig()

	// THEN the built-in catalog is used with the overridden budget
	require.NoError(t, err)
	assert.Len(t, cfg.Models, len(router.DefaultCatalog()))
	assert.Equal(t, router.ByteSize(6*humanize.GiByte), cfg.Memory.MaxBytes)
}

func TestLoadConfig_InvalidBudget(t *testing.T) {
	_, err := executeCommand(t, "catalog", "--memory-budget", "plenty")
	assert.ErrorContains(t, err, "--memory-budget")
}

func TestSetupLogging_RejectsUnknownLevel(t *testing.T) {
	_, err := executeCommand(t, "catalog", "--log", "loud")
	assert.ErrorContains(t, err, "invalid log level")
}

func TestCatalogCmd_PrintsTiers(t *testing.T) {
	out, err := executeCommand(t, "catalog", "--memory-budget", "20GiB")
	require.NoError(t, err)
	assert.Contains(t, out, "memory budget: 20 GiB")
	assert.Contains(t, out, "llama-3.1-8b")
	assert.Contains(t, out, "q8=34 GiB/full !budget")
	assert.Contains(t, out, "expert")
}

func TestRouteCmd_DryRunHonoursFloor(t *testing.T) {
	// GIVEN a trivial escalated query on a constrained device
	out, err := executeCommand(t, "route", "--text", "hi there", "--escalated", "--dry-run",
		"--device", "battery=50,thermal=nominal")
	require.NoError(t, err)

	// THEN the decision is at or above the floor and nothing is loaded
	var got routeOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "trivial", got.Complexity)
	assert.True(t, got.Escalated)
	assert.GreaterOrEqual(t, got.Tier, 2)
	assert.False(t, got.Resident)
}

func TestRouteCmd_LoadsWeights(t *testing.T) {
	out, err := executeCommand(t, "route", "--text", "explain why the build fails", "--device", "battery=80")
	require.NoError(t, err)
	var got routeOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.NotEmpty(t, got.QueryID)
	assert.Equal(t, "phi-3-mini", got.Model)
}

func TestRouteCmd_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
routing:
  security_floor_tier: 1
  tier_map: {trivial: 1, simple: 1, standard: 1, advanced: 1, expert: 1}
models:
  - id: only
    tier: 1
    modes:
      - {mode: q4, footprint: 1GiB, accuracy: high}
`), 0o644))
	out, err := executeCommand(t, "--config", path, "route", "--text", "hi", "--dry-run", "--device", "cpu=0.9")
	require.NoError(t, err)
	assert.Contains(t, out, `"model": "only"`)
}

func TestRunCmd_Summarizes(t *testing.T) {
	out, err := executeCommand(t, "run", "--num-queries", "40", "--device", "battery=90", "--seed", "3")
	require.NoError(t, err)
	var report struct {
		Summary struct {
			TotalQueries int `json:"TotalQueries"`
			Routed       int `json:"Routed"`
		} `json:"summary"`
		Loader struct {
			Loads uint64 `json:"loads"`
		} `json:"loader"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 40, report.Summary.TotalQueries)
	assert.Positive(t, report.Summary.Routed)
	assert.Positive(t, report.Loader.Loads)
}

