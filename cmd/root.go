// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lanchat",
	Short: "lanchat - chat and file transfer over raw Ethernet frames",
	Long: `lanchat is a small link-layer stack for talking to hosts on the same segment
without an IP stack in between.

Layers, bottom up:
  - Transport: AF_PACKET raw socket, or a WebSocket relay for testing
  - Framing: 14-byte Ethernet header, padded to the 60-byte minimum
  - Resolution: ARP request/reply, proxy answers, gratuitous announcements
  - Fragmentation: 20-byte header, reassembly, protocol multiplexing
  - Applications: console chat and file transfer`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and LANCHAT_* env only when empty)")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(hubCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
