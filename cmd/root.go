package cmd

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 store unreachable
// at startup, 3 transport unreachable at startup.
const (
	exitConfigError    = 1
	exitStoreError     = 2
	exitTransportError = 3
)

var rootCmd = &cobra.Command{
	Use:   "wabroker",
	Short: "Multi-tenant WhatsApp conversation broker",
	Long: `wabroker routes BSP webhook traffic to per-tenant AI agents:
destination-based tenant routing, per-conversation debouncing, a bounded
worker pool, usage enforcement and an operator event stream.`,
}

func init() {
	time.Local = time.UTC
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Errorln(err)
		os.Exit(exitConfigError)
	}
}
