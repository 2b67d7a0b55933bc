package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/movingally/smsrelay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect smsrelay configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show resolved configuration with credentials masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		renderConfig(cmd.OutOrStdout(), cfg, viper.ConfigFileUsed())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func renderConfig(w io.Writer, cfg *config.Config, file string) {
	if file == "" {
		file = "(none, env and defaults only)"
	}
	fmt.Fprintf(w, "Config file:    %s\n", file)
	dirState := "(missing)"
	if dirExists(cfg.DataDir) {
		dirState = "(exists)"
	}
	fmt.Fprintf(w, "Data directory: %s %s\n", cfg.DataDir, dirState)
	fmt.Fprintf(w, "Evidence DB:    %s\n", cfg.EvidenceDBPath())
	fmt.Fprintf(w, "Ledger DB:      %s\n\n", cfg.LedgerDBPath())

	values := cfg.Redacted()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %v\n", k, values[k])
	}
	for _, name := range cfg.FallbackEnv {
		fmt.Fprintf(w, "\n! %s is set; prefer the SMSRELAY_ equivalent\n", name)
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
