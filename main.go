package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath string
	outDir     string
	verbose    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "btsim",
	Short: "btsim simulates a BitTorrent swarm in virtual time",
	Long: `btsim runs the peer side of the BitTorrent protocol for a whole swarm
inside a discrete-event simulator: a tracker, seeders and leechers exchanging
handshakes, choke decisions, block requests and pieces over a network with
random latency.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "bencoded swarm configuration")
	rootCmd.PersistentFlags().StringVarP(&outDir, "out", "o", "out", "directory for run snapshots")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every protocol message")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
