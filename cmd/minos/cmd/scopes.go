package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/minos/pkg/cerberus"
	"github.com/tartarus-sandbox/minos/pkg/hermes"
	"github.com/tartarus-sandbox/minos/pkg/hermes/audit"
	"github.com/tartarus-sandbox/minos/pkg/themis"
)

var scopeCategory string

var scopesCmd = &cobra.Command{
	Use:   "scopes",
	Short: "Inspect the scope catalog",
}

var scopesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scopes",
	Args:  cobra.NoArgs,
	RunE:  runScopesList,
}

var scopesShowCmd = &cobra.Command{
	Use:   "show <scope>",
	Short: "Show a scope and everything it implies",
	Args:  cobra.ExactArgs(1),
	RunE:  runScopesShow,
}

var scopesMinimizeCmd = &cobra.Command{
	Use:   "minimize <scope>...",
	Short: "Reduce a scope request to the scopes that cover it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(offlineValidator().MinimizeScopes(args), " "))
		return nil
	},
}

var scopesConsentCmd = &cobra.Command{
	Use:   "consent <scope>...",
	Short: "Group requested scopes by risk for a consent prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b := offlineValidator().CategorizeScopesForConsent(args)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "safe:      %s\n", strings.Join(b.Safe, " "))
		fmt.Fprintf(out, "caution:   %s\n", strings.Join(b.Caution, " "))
		fmt.Fprintf(out, "dangerous: %s\n", strings.Join(b.Dangerous, " "))
		return nil
	},
}

func init() {
	scopesListCmd.Flags().StringVar(&scopeCategory, "category", "", "only list scopes of this category")

	rootCmd.AddCommand(scopesCmd)
	scopesCmd.AddCommand(scopesListCmd)
	scopesCmd.AddCommand(scopesShowCmd)
	scopesCmd.AddCommand(scopesMinimizeCmd)
	scopesCmd.AddCommand(scopesConsentCmd)
}

// offlineValidator answers catalog questions without any grant storage.
func offlineValidator() *cerberus.Validator {
	catalog := themis.DefaultCatalog()
	return cerberus.NewValidator(nil, catalog, audit.Discard, hermes.DiscardLogger())
}

func runScopesList(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tRISK\tAPPROVAL\tDESCRIPTION")
	for _, s := range themis.DefaultCatalog().Scopes() {
		if scopeCategory != "" && s.Category != scopeCategory {
			continue
		}
		approval := ""
		if s.RequiresApproval {
			approval = "required"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.ID, s.RiskLevel, approval, s.Description)
	}
	return w.Flush()
}

func runScopesShow(cmd *cobra.Command, args []string) error {
	catalog := themis.DefaultCatalog()
	s, ok := catalog.Parse(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", themis.ErrUnknownScope, args[0])
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scope:       %s\n", s.ID)
	fmt.Fprintf(out, "Name:        %s\n", s.Name)
	fmt.Fprintf(out, "Category:    %s\n", s.Category)
	fmt.Fprintf(out, "Risk:        %d\n", s.RiskLevel)
	fmt.Fprintf(out, "Approval:    %t\n", s.RequiresApproval)
	fmt.Fprintf(out, "Description: %s\n", s.Description)

	implied := catalog.Implies(s.ID)
	if len(implied) > 0 {
		fmt.Fprintln(out, "Implies:")
		for _, i := range implied {
			fmt.Fprintf(out, "  %s\n", i.ID)
		}
	}
	return nil
}
