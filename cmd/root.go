package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inference-sim/tier-router/router"
)

// settings resolves the persistent flags against TIER_ROUTER_* environment
// variables. Flags win over the environment.
var settings = viper.New()

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "tier-router",
	Short: "Complexity-aware model tier router with a quantization-aware loader",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(settings.GetString("log"))
	},
	SilenceUsage: true,
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(name string) error {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	logrus.SetLevel(level)
	return nil
}

// loadConfig returns the validated configuration: the --config file if
// given, else built-in defaults, with --memory-budget applied on top.
func loadConfig() (*router.Config, error) {
	var cfg *router.Config
	if path := settings.GetString("config"); path != "" {
		loaded, err := router.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = router.DefaultConfig()
		cfg.Models = router.DefaultCatalog()
	}
	if budget := settings.GetString("memory-budget"); budget != "" {
		size, err := router.ParseByteSize(budget)
		if err != nil {
			return nil, fmt.Errorf("--memory-budget: %w", err)
		}
		cfg.Memory.MaxBytes = size
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// init sets up persistent flags and subcommands
func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to the router YAML config (default: built-in catalog)")
	flags.String("log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	flags.String("memory-budget", "", "Override memory.max_bytes, e.g. \"12GiB\"")
	for _, name := range []string{"config", "log", "memory-budget"} {
		if err := settings.BindPFlag(name, flags.Lookup(name)); err != nil {
			logrus.Fatalf("binding flag %s: %v", name, err)
		}
	}
	settings.SetEnvPrefix("TIER_ROUTER")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	rootCmd.AddCommand(routeCmd, runCmd, catalogCmd)
}
