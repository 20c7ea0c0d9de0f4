package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/tessera/internal/cli"
	"github.com/aretw0/tessera/internal/config"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "tessera",
	Version: version,
	Short:   "Tessera is a session store over conditional key-value backends",
	Long: `Tessera keeps request sessions in Redis, PostgreSQL, DynamoDB or memory
using only single-key conditional writes.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of tessera",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tessera version %s\n", cmd.Root().Version)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate("tessera version {{.Version}}\n")
	rootCmd.AddCommand(versionCmd)

	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file (TESSERA_* variables override it)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

// setup loads the configuration and the logger shared by every command.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cli.NewLogger(cfg.Log, debug), nil
}
