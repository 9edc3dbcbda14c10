package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/converge/pkg/bulk"
	"github.com/cuemby/converge/pkg/changes"
)

var importCmd = &cobra.Command{
	Use:   "import PATH",
	Short: "Import resources, tags and links into the graph",
	Long: `Import resources, tags and links into the graph.

PATH is either a directory in the export layout (one folder per resource
type, tags.txt and links.txt) or a YAML dump. Use "-" to read a YAML dump
from stdin. Resources that already exist are updated. The whole import is
committed as one changeset and reconciled.

Examples:
  converge import ./graph
  converge import graph.yaml
  cat graph.yaml | converge import -`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var exportCmd = &cobra.Command{
	Use:   "export [PATH]",
	Short: "Export the graph",
	Long: `Export every resource, tag and link of the graph.

Without PATH, or with "-", a YAML dump is written to stdout. With --dir the
directory layout accepted by import is written to PATH.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().Bool("dir", false, "Write the directory layout instead of a YAML dump")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	cs, err := readImport(bulk.NewImporter(n.store, n.reg), args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	if !cs.HasChanges() {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to import")
		return nil
	}

	if err := n.engine.Execute(cmd.Context(), cs); err != nil {
		return fmt.Errorf("failed to apply import: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Imported %d resources, %d tags, %d links\n",
		len(cs.Adds())+len(cs.Updates()), len(cs.TagAdds()), len(cs.LinkAdds()))
	return nil
}

func readImport(imp *bulk.Importer, path string, stdin io.Reader) (*changes.Changeset, error) {
	if path == "-" {
		return imp.ImportYAML(stdin)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if info.IsDir() {
		return imp.ImportDir(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return imp.ImportYAML(f)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	asDir, _ := cmd.Flags().GetBool("dir")

	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	exp := bulk.NewExporter(n.store, n.reg)
	path := "-"
	if len(args) == 1 {
		path = args[0]
	}

	if asDir {
		if path == "-" {
			return fmt.Errorf("--dir requires a target directory")
		}
		return exp.ExportDir(path)
	}

	if path == "-" {
		return exp.ExportYAML(cmd.OutOrStdout())
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := exp.ExportYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
