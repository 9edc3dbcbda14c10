package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/converge/pkg/orchestrator"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Run a single orchestration cycle",
	Long: `Converge the containers of this machine once and print what changed.

Failed applications are reported but do not stop the cycle; the command
exits with an error when at least one application failed.`,
	RunE: runOrchestrate,
}

func init() {
	addOrchestratorFlags(orchestrateCmd)
	rootCmd.AddCommand(orchestrateCmd)
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	orch, rt, err := n.newOrchestrator()
	if err != nil {
		return err
	}
	defer rt.Close()

	desired, err := n.desired()
	if err != nil {
		return fmt.Errorf("failed to read desired applications: %w", err)
	}

	result, err := orch.Run(cmd.Context(), desired)
	if err != nil {
		return err
	}

	printResult(cmd.OutOrStdout(), result)
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d application(s) failed", len(result.Failed))
	}
	return nil
}

func printResult(w io.Writer, r *orchestrator.Result) {
	line := func(label string, names []string) {
		if len(names) > 0 {
			fmt.Fprintf(w, "%-10s %s\n", label+":", strings.Join(names, ", "))
		}
	}
	line("Built", r.Built)
	line("Started", r.Started)
	line("Stopped", r.Stopped)
	line("Unchanged", r.Unchanged)

	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "✗ %s: %v\n", name, r.Failed[name])
	}

	if r.Snapshot != nil {
		for _, redirect := range r.Snapshot.Redirects {
			fmt.Fprintf(w, "→ %s:%d -> %s/%s (%s)\n", redirect.Application, redirect.LocalPort, redirect.Machine, redirect.Container, redirect.Endpoint)
		}
	}
}
