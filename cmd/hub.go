package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/Peap1ant/Chatting-Program-testing/internal/transport"
)

var (
	hubListen string
	hubPath   string
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Run a WebSocket frame relay",
	Long: `Run a broadcast relay for the websocket transport. Every frame a client sends
is copied to all other clients, like a shared Ethernet segment.

Examples:
  lanchat hub --listen :8080
  lanchat run -c alice.yml   # transport.kind: websocket, ws_url: ws://host:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runHub(ctx, hubListen, hubPath); err != nil {
			exitWithError("hub failed", err)
		}
	},
}

func init() {
	hubCmd.Flags().StringVarP(&hubListen, "listen", "l", ":8080", "listen address")
	hubCmd.Flags().StringVar(&hubPath, "path", "/ws", "WebSocket endpoint path")
}

func runHub(ctx context.Context, listen, path string) error {
	hub := transport.NewWSHub()
	mux := http.NewServeMux()
	mux.Handle(path, hub)

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	pterm.Info.Printfln("relay listening on ws://%s%s", listen, path)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	pterm.Info.Printfln("shutting down relay (%d peers)", hub.Peers())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
