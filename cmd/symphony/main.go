package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/symphony/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// invariantViolationError marks a runtime failure as an irrecoverable
// conductor invariant violation (exit code 2) rather than an ordinary
// startup error (exit code 1). Raised by `symphony conductor` when
// pkg/reconciler's per-cycle audit reports a breach over pkg/conductor's
// Fatal channel.
type invariantViolationError struct{ err error }

func (e invariantViolationError) Error() string { return e.err.Error() }
func (e invariantViolationError) Unwrap() error { return e.err }

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var invariantErr invariantViolationError
	if errors.As(err, &invariantErr) {
		os.Exit(2)
	}
	os.Exit(1)
}

var rootCmd = &cobra.Command{
	Use:   "symphony",
	Short: "Symphony - a lightweight conductor/node orchestrator",
	Long: `Symphony schedules deployments onto nodes through a conductor
that holds a persistent session to every node, a capacity-aware
scheduler, and a reconciliation loop that drives each node's execution
supervisor toward the declared desired state.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Symphony version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(conductorCmd)
	rootCmd.AddCommand(nodeCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
