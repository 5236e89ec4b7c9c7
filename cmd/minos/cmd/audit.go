package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/minos/pkg/hermes/audit"
)

var auditSecret string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Work with the audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [audit.log]",
	Short: "Verify the hash chain of an audit log",
	Long:  `Verifies a hash-chained audit log. Defaults to audit.path and audit.chain_secret from the config.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

func init() {
	auditVerifyCmd.Flags().StringVar(&auditSecret, "secret", "", "chain secret (overrides audit.chain_secret)")

	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Audit.Path
	if len(args) == 1 {
		path = args[0]
	}
	secret := cfg.Audit.ChainSecret
	if auditSecret != "" {
		secret = auditSecret
	}
	if path == "" {
		return errors.New("no audit log given and audit.path is not set")
	}
	if secret == "" {
		return errors.New("no chain secret given and audit.chain_secret is not set")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	events, err := audit.ReadLog(f)
	if err != nil {
		return err
	}
	if err := audit.NewChainManager([]byte(secret)).VerifyChain(events); err != nil {
		return fmt.Errorf("audit log %s is not intact: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d events verified\n", len(events))
	return nil
}
