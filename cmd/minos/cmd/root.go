package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tartarus-sandbox/minos/pkg/config"
	"github.com/tartarus-sandbox/minos/pkg/hermes"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "minos",
	Short: "Minos plugin governance",
	Long: `Minos decides what third-party plugins may touch: scopes and grants, API keys,
resource limits and outbound network access.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./minos.yaml or /etc/minos/minos.yaml)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger writes to stderr so command output stays clean on stdout.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return hermes.NewLoggerTo(os.Stderr, cfg.Log)
}
