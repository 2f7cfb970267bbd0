package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Peap1ant/Chatting-Program-testing/internal/app"
	"github.com/Peap1ant/Chatting-Program-testing/internal/config"
	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	logpkg "github.com/Peap1ant/Chatting-Program-testing/internal/log"
	"github.com/Peap1ant/Chatting-Program-testing/internal/node"
)

var (
	runNickname string
	runPeer     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join the segment and start the chat console",
	Long: `Open the configured transport, announce this station and read chat lines
from stdin. Lines starting with "/" are commands, see /help.

Examples:
  sudo lanchat run -c lanchat.yml
  sudo LANCHAT_NODE_INTERFACE=eth0 lanchat run --nick alice --peer 10.0.0.2`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runChat(ctx); err != nil {
			exitWithError("lanchat stopped", err)
		}
	},
}

func init() {
	runCmd.Flags().StringVarP(&runNickname, "nick", "n", "", "nickname (overrides node.nickname)")
	runCmd.Flags().StringVarP(&runPeer, "peer", "p", "", "peer network address (overrides node.peer_ip)")
}

func runChat(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logpkg.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	if runPeer != "" {
		if cfg.Node.PeerIP, err = core.ParseNetAddr(runPeer); err != nil {
			return err
		}
	}
	if runNickname != "" {
		cfg.Node.Nickname = runNickname
	}
	if cfg.Node.Nickname == "" {
		nick, err := pterm.DefaultInteractiveTextInput.
			WithDefaultValue("User").
			Show("Nickname")
		if err != nil {
			return err
		}
		cfg.Node.Nickname = nick
	}

	n, err := node.New(cfg, nil, node.Handlers{
		OnMessage: func(m app.Message) {
			if m.From == "" {
				pterm.Println(m.Text)
				return
			}
			pterm.Printfln("%s %s", pterm.LightCyan("["+m.From+"]"), m.Text)
		},
		OnFile: func(f app.ReceivedFile) {
			pterm.Success.Printfln("received %s (%d bytes), saved to %s", f.Name, f.Size, f.Path)
		},
	})
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop()

	ip, mac := n.Local()
	pterm.Info.Printfln("%s is %s (%s), talking to %s. Type /help for commands.",
		n.Nickname(), ip, mac, n.Peer())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := runCommand(ctx, n, line, os.Stdout)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				pterm.Error.Println(err)
			}
		}
	}
}
