package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/converge/pkg/api"
	"github.com/cuemby/converge/pkg/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running converge daemon",
	Long: `Query the gRPC health service and the HTTP readiness report of a
running "converge serve".

With --wait the command blocks until the orchestrator reports SERVING.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("grpc-addr", "", "Address of the gRPC health server")
	statusCmd.Flags().String("metrics-addr", "", "Address of the HTTP health server")
	statusCmd.Flags().Duration("wait", 0, "Wait up to this long for the orchestrator to serve")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetDuration("wait")

	c, err := client.NewClient(cfg.API.GRPCAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		err := c.WaitServing(waitCtx, api.OrchestratorService)
		cancel()
		if err != nil {
			return fmt.Errorf("orchestrator not serving after %s: %w", wait, err)
		}
	}

	out := cmd.OutOrStdout()
	status, err := c.Check(ctx, api.OrchestratorService)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Orchestrator: %s\n", status)

	ready, err := c.Ready(ctx, cfg.API.MetricsAddr)
	if err != nil {
		fmt.Fprintf(out, "Readiness:    unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Readiness:    %s (%s)\n", ready.Status, ready.Timestamp.Format(time.RFC3339))
		names := make([]string, 0, len(ready.Checks))
		for name := range ready.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "  %-14s %s\n", name, ready.Checks[name])
		}
	}

	if status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("orchestrator is %s", status)
	}
	return nil
}
