package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Peap1ant/Chatting-Program-testing/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load and validate the configuration without opening the transport.

Node addresses are auto-detected from the interface the same way "run" does.

Examples:
  lanchat validate -c lanchat.yml
  lanchat validate -c lanchat.yml --print`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, validatePrint, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

var validatePrint bool

func init() {
	validateCmd.Flags().BoolVarP(&validatePrint, "print", "p", false,
		"print the effective configuration as YAML")
}

func runValidate(path string, printConfig bool, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "VALID: node %s (%s), transport %s, ether type %#04x, mtu %d\n",
		cfg.Node.IP, cfg.Node.MAC, cfg.Transport.Kind, cfg.Link.EtherType, cfg.Fragment.MTU)

	if printConfig {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(map[string]any{"lanchat": cfg}); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return enc.Close()
	}
	return nil
}
