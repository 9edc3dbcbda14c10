package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/converge/pkg/certs"
	"github.com/cuemby/converge/pkg/resources"
	"github.com/cuemby/converge/pkg/types"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Record certificates in the graph",
}

var certImportCmd = &cobra.Command{
	Use:   "import FILE...",
	Short: "Import the certificates of PEM files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCertImport,
}

var certFetchCmd = &cobra.Command{
	Use:   "fetch HOST[:PORT]...",
	Short: "Record the certificates served by TLS sites",
	Long: `Connect to each site and record the certificate it serves as a
WebsiteCertificate. The port defaults to 443.

Examples:
  converge cert fetch example.com
  converge cert fetch mail.example.com:993`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCertFetch,
}

var certExpiringCmd = &cobra.Command{
	Use:   "expiring",
	Short: "List certificates ending soon",
	Args:  cobra.NoArgs,
	RunE:  runCertExpiring,
}

func init() {
	certExpiringCmd.Flags().Duration("within", 30*24*time.Hour, "List certificates ending within this duration")

	certCmd.AddCommand(certImportCmd)
	certCmd.AddCommand(certFetchCmd)
	certCmd.AddCommand(certExpiringCmd)
	rootCmd.AddCommand(certCmd)
}

func runCertImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	var found []types.Resource
	for _, path := range args {
		loaded, err := certs.LoadFile(path)
		if err != nil {
			return err
		}
		for _, c := range loaded {
			found = append(found, c)
		}
	}
	return stageCertificates(cmd, n, found)
}

func runCertFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	var found []types.Resource
	for _, addr := range args {
		wc, err := certs.Fetch(cmd.Context(), addr)
		if err != nil {
			return err
		}
		found = append(found, wc)
	}
	return stageCertificates(cmd, n, found)
}

func stageCertificates(cmd *cobra.Command, n *node, found []types.Resource) error {
	cs := n.engine.NewChangeset()
	added := 0
	for _, r := range found {
		staged, err := certs.Stage(cs, n.store, r)
		if err != nil {
			return err
		}
		if staged {
			added++
		}
	}

	if added > 0 {
		if err := n.engine.Execute(cmd.Context(), cs); err != nil {
			return fmt.Errorf("failed to record certificates: %w", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Recorded %d certificates, %d already known\n", added, len(found)-added)
	return nil
}

func runCertExpiring(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	within, _ := cmd.Flags().GetDuration("within")

	n, err := openNode(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	found, err := certs.Expiring(n.store, n.reg, time.Now().Add(within))
	if err != nil {
		return err
	}
	printCertificates(cmd.OutOrStdout(), found)
	return nil
}

func printCertificates(w io.Writer, found []types.Resource) {
	if len(found) == 0 {
		fmt.Fprintln(w, "No certificates found")
		return
	}
	for _, r := range found {
		var c *resources.Certificate
		ca := ""
		switch v := r.(type) {
		case *resources.Certificate:
			c = v
		case *resources.WebsiteCertificate:
			c = &v.Certificate
			ca = v.CA
		default:
			continue
		}
		thumb := c.Thumbprint
		if len(thumb) > 16 {
			thumb = thumb[:16]
		}
		fmt.Fprintf(w, "%s  %s  %v", c.End.Format(time.DateOnly), thumb, c.Domains)
		if ca != "" {
			fmt.Fprintf(w, "  (issued by %s)", ca)
		}
		fmt.Fprintln(w)
	}
}
