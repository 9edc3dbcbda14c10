package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/converge/pkg/config"
	"github.com/cuemby/converge/pkg/log"
	"github.com/cuemby/converge/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "converge",
	Short: "Converge - infrastructure graph and container convergence",
	Long: `Converge keeps a typed graph of infrastructure resources (machines,
domains, DNS entries, users, certificates, applications) and drives the
containers of one machine towards the applications installed on it.

Changes to the graph are reconciled by per-type handlers until a fixed
point is reached. The orchestrator then builds, starts and stops
containers so the machine matches the graph.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Converge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to the YAML configuration file")
	flags.String("data-dir", "", "Data directory for the graph store")
	flags.String("store", "", "Store backend (memory|bolt)")
	flags.String("runtime", "", "Container runtime (docker|containerd)")
	flags.String("containerd-socket", "", "containerd socket path")
	flags.String("machine", "", "Name of the machine this node converges")
	flags.String("log-level", "", "Log level (debug|info|warn|error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.Int("max-iterations", 0, "Reconciliation iteration cap (0 for unbounded)")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Converge version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// loadConfig reads the configuration file, applies the flags the user set
// and initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	metrics.SetVersion(Version)
	return cfg, nil
}

// applyFlags overrides the configuration with every flag set on the
// command line
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	stringFlags := map[string]*string{
		"data-dir":          &cfg.DataDir,
		"store":             &cfg.Store.Backend,
		"runtime":           &cfg.Runtime.Kind,
		"containerd-socket": &cfg.Runtime.ContainerdSocket,
		"machine":           &cfg.Machine,
		"log-level":         &cfg.Log.Level,
		"network":           &cfg.Orchestrator.Network,
		"subnet":            &cfg.Orchestrator.Subnet,
		"metrics-addr":      &cfg.API.MetricsAddr,
		"grpc-addr":         &cfg.API.GRPCAddr,
		"dns-addr":          &cfg.DNS.ListenAddr,
		"watch-dir":         &cfg.Watch.Dir,
	}
	for name, target := range stringFlags {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*target = v
	}

	if flags.Changed("log-json") {
		v, err := flags.GetBool("log-json")
		if err != nil {
			return err
		}
		cfg.Log.JSON = v
	}
	if flags.Lookup("workers") != nil && flags.Changed("workers") {
		v, err := flags.GetInt("workers")
		if err != nil {
			return err
		}
		cfg.Orchestrator.Workers = v
	}
	if flags.Lookup("interval") != nil && flags.Changed("interval") {
		v, err := flags.GetDuration("interval")
		if err != nil {
			return err
		}
		cfg.Orchestrator.Interval = v
	}
	if flags.Lookup("command-timeout") != nil && flags.Changed("command-timeout") {
		v, err := flags.GetDuration("command-timeout")
		if err != nil {
			return err
		}
		cfg.Orchestrator.CommandTimeout = v
	}
	if flags.Changed("max-iterations") {
		v, err := flags.GetInt("max-iterations")
		if err != nil {
			return err
		}
		cfg.Reconciler.MaxIterations = v
	}
	return nil
}

// addOrchestratorFlags registers the flags of commands that run cycles
func addOrchestratorFlags(cmd *cobra.Command) {
	cmd.Flags().String("network", "", "Container network name")
	cmd.Flags().String("subnet", "", "Container network subnet (IPv4 CIDR)")
	cmd.Flags().Int("workers", 0, "Applications processed in parallel")
	cmd.Flags().Duration("command-timeout", 0, "Timeout of each container command")
}
