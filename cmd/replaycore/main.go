package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rejourneyco/replaycore/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "replaycore",
	Short: "ReplayCore capture core harness",
	Long:  "replaycore drives the session-replay capture core end to end for integration testing and local operation.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the module version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("replaycore v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/replaycore/replaycore.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	logging.Init("text", "info", os.Stdout)
	log = logging.L("main")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
