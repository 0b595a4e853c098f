// Command kagand is the Kagan core daemon: one process per repository,
// started by the UI or CLI layer the first time it needs the core and
// addressed afterwards over the loopback IPC transport (spec §4.11,
// §6). Structured as a small cobra root with serve/migrate/version
// subcommands, following the teacher's cmd/main root-command wiring
// (cobra.OnInitialize + viper-bound persistent flags).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kagan-sh/kagan-core/internal/logging"
	"github.com/kagan-sh/kagan-core/internal/version"
)

var (
	cfgFile string
	debug   bool

	rootCmd = &cobra.Command{
		Use:     "kagand",
		Short:   "Kagan core — local orchestration daemon for agent-assisted development",
		Version: version.GetVersionString(),
	}
)

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file read by serve (no config file is read when unset)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	_ = viper.BindPFlag("general.debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logging.Initialize(debug || viper.GetBool("general.debug"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
