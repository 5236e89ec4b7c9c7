package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/minos/pkg/plugins"
	"github.com/tartarus-sandbox/minos/pkg/themis"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Validate plugin manifests",
}

var manifestCheckCmd = &cobra.Command{
	Use:   "check <manifest.yaml>",
	Short: "Validate a manifest and show the grants and limits it would get",
	Args:  cobra.ExactArgs(1),
	RunE:  runManifestCheck,
}

var manifestSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the manifest JSON schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := plugins.Schema()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	manifestCmd.AddCommand(manifestCheckCmd)
	manifestCmd.AddCommand(manifestSchemaCmd)
}

func runManifestCheck(cmd *cobra.Command, args []string) error {
	m, err := plugins.LoadManifest(args[0])
	if err != nil {
		return err
	}
	entries, err := themis.DefaultCatalog().ParseManifestPermissions(m.Spec.Permissions)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Plugin %s %s is valid.\n\n", m.PluginID(), m.Metadata.Version)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTRY\tSCOPE\tRESOURCE\tLEVEL\tRISK\tGRANT")
	for _, e := range entries {
		scope, _ := themis.DefaultCatalog().Lookup(e.Scope)
		grant := "auto"
		if scope.RequiresApproval {
			grant = "approval"
		}
		if scope.Dangerous() {
			grant += " (dangerous)"
		}
		resource := e.Resource
		if resource == "" {
			resource = "*"
		}
		fmt.Fprintf(w, "%s/%s\t%s\t%s\t%s\t%d\t%s\n", e.Section, e.Entry, e.Scope, resource, e.AccessLevel, e.RiskLevel, grant)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	limits := cfg.Sandbox.Defaults
	if m.Spec.Limits != nil {
		limits = limits.Tighten(*m.Spec.Limits)
	}
	fmt.Fprintln(out, "\nEffective limits:")
	fmt.Fprintf(out, "  max_execution_time:       %s\n", limits.MaxExecutionTime)
	fmt.Fprintf(out, "  memory_bytes:             %d\n", limits.MemoryBytes)
	fmt.Fprintf(out, "  api_requests_per_minute:  %d\n", limits.APIRequestsPerMinute)
	fmt.Fprintf(out, "  network_bytes_per_day:    %d\n", limits.NetworkBytesPerDay)
	fmt.Fprintf(out, "  storage_bytes:            %d\n", limits.StorageBytes)
	if len(limits.AllowedDomains) > 0 {
		fmt.Fprintf(out, "  allowed_domains:          %v\n", limits.AllowedDomains)
	}
	return nil
}
