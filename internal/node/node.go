// Package node assembles the layer chain for one station and manages its
// lifecycle.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Peap1ant/Chatting-Program-testing/internal/app"
	"github.com/Peap1ant/Chatting-Program-testing/internal/config"
	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/metrics"
	"github.com/Peap1ant/Chatting-Program-testing/internal/stack"
	"github.com/Peap1ant/Chatting-Program-testing/internal/transport"
)

// Handlers receive application deliveries. Either may be nil.
type Handlers struct {
	OnMessage func(app.Message)
	OnFile    func(app.ReceivedFile)
}

// Node owns one chain: transport → Ethernet → Resolver → IP → {chat, file}.
type Node struct {
	cfg *config.Config

	// Chain, bottom up
	transport transport.Transport
	eth       *stack.Ethernet
	resolver  *stack.Resolver
	ip        *stack.IP
	chat      *app.Chat
	files     *app.FileApp

	sweeper       *stack.Sweeper
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// TransportOptions maps configuration onto transport options.
func TransportOptions(cfg *config.Config) transport.Options {
	return transport.Options{
		Kind:         cfg.Transport.Kind,
		Interface:    cfg.Node.Interface,
		SnapLen:      cfg.Transport.SnapLen,
		BufferSizeMB: cfg.Transport.BufferSizeMB,
		PollTimeout:  time.Duration(cfg.Transport.TimeoutMs) * time.Millisecond,
		BPFFilter:    cfg.Transport.BPFFilter,
		AppEtherType: uint16(cfg.Link.EtherType),
		WSURL:        cfg.Transport.WSURL,
		RecordPcap:   cfg.Transport.RecordPcap,
	}
}

// New builds the chain on t. A nil t creates the transport selected by cfg.
func New(cfg *config.Config, t transport.Transport, h Handlers) (*Node, error) {
	if t == nil {
		var err error
		if t, err = transport.New(TransportOptions(cfg)); err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	n := &Node{cfg: cfg, transport: t}

	n.eth = stack.NewEthernet(t, cfg.Node.MAC, uint16(cfg.Link.EtherType))
	n.eth.SetDst(cfg.Node.PeerMAC)

	n.resolver = stack.NewResolver(n.eth, stack.ResolverConfig{
		RetryInterval: cfg.Resolution.RetryInterval,
		MaxRetries:    retries(cfg.Resolution.MaxRetries),
	})
	n.resolver.SetLocalBinding(cfg.Node.IP, cfg.Node.MAC)
	for _, p := range cfg.Resolution.Proxies {
		n.resolver.AddProxy(p.IP, p.MAC)
	}

	n.ip = stack.NewIP(n.resolver, stack.IPConfig{
		MTU:    cfg.Fragment.MTU,
		Pacing: cfg.Fragment.PacingInterval,
		Reassembly: stack.ReassemblyConfig{
			Timeout:    cfg.Fragment.ReassemblyTimeout,
			MaxGroups:  cfg.Fragment.MaxGroups,
			MaxPayload: cfg.Fragment.MaxPayload,
		},
		MaxFragsPerIP:   cfg.Fragment.MaxFragsPerIP,
		RateLimitWindow: cfg.Fragment.RateLimitWindow,
	})
	n.ip.SetLocal(cfg.Node.IP)
	n.ip.SetPeer(cfg.Node.PeerIP)

	n.chat = app.NewChat(cfg.Node.Nickname, h.OnMessage)
	n.files = app.NewFileApp(cfg.Files.DownloadDir, h.OnFile)
	n.ip.Register(app.ProtoChat, n.chat)
	n.ip.Register(app.ProtoFile, n.files)

	n.sweeper = stack.NewSweeper(cfg.SweepInterval, n.resolver, n.ip)

	if cfg.Metrics.Enabled {
		n.metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	return n, nil
}

// retries maps a configured count onto the resolver, where 0 means default.
func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// Start opens the transport, activates the chain and starts background
// maintenance. The node runs until Stop or until ctx is done.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}

	slog.Info("starting node",
		"ip", n.cfg.Node.IP,
		"mac", n.cfg.Node.MAC,
		"transport", n.cfg.Transport.Kind,
		"ether_type", fmt.Sprintf("%#04x", n.cfg.Link.EtherType),
		"mtu", n.ip.MTU(),
	)

	// 1. Acquire the medium
	if err := n.transport.Open(); err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	// 2. Start the chain from the top; Start cascades to the transport
	n.chat.Start()
	n.files.Start()

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	// 3. Periodic resolution retries and reassembly expiry
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sweeper.Run(runCtx)
	}()

	// 4. Metrics server (non-fatal: the chain works without it)
	if n.metricsServer != nil {
		if err := n.metricsServer.Start(runCtx); err != nil {
			slog.Error("failed to start metrics server", "error", err)
			n.metricsServer = nil
		}
	}

	// 5. Tell the segment who we are
	if n.cfg.Node.AnnounceOnStart && !n.resolver.Announce() {
		slog.Warn("gratuitous announcement failed")
	}

	n.started = true
	slog.Info("node started")
	return nil
}

// Stop performs graceful shutdown. It is safe to call more than once.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return
	}
	slog.Info("stopping node")

	// 1. Stop the chain; cascades down to the transport read loop
	n.chat.Stop()
	n.files.Stop()

	// 2. Stop background goroutines
	if n.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		cancel()
	}
	n.cancel()
	n.wg.Wait()

	// 3. Release the medium
	if err := n.transport.Close(); err != nil {
		slog.Error("error closing transport", "error", err)
	}

	n.started = false
	slog.Info("node stopped")
}

// Say sends a chat line to the current peer.
func (n *Node) Say(ctx context.Context, text string) error { return n.chat.Say(ctx, text) }

// SendFile sends a file to the current peer.
func (n *Node) SendFile(ctx context.Context, path string) error {
	return n.files.SendFile(ctx, path)
}

// SetPeer changes the destination network address. The link destination
// is resolved on demand; until then frames go to the configured peer MAC.
func (n *Node) SetPeer(ip core.NetAddr) {
	n.ip.SetPeer(ip)
	if mac, ok := n.resolver.Lookup(ip); ok {
		n.eth.SetDst(mac)
	}
	slog.Info("peer changed", "ip", ip)
}

// Resolve blocks until ip is resolved, the retries run out, or ctx is done.
func (n *Node) Resolve(ctx context.Context, ip core.NetAddr) (core.LinkAddr, error) {
	return n.resolver.Resolve(ctx, ip)
}

// Announce broadcasts a gratuitous binding for this station.
func (n *Node) Announce() error {
	if !n.resolver.Announce() {
		return core.ErrSendFailed
	}
	return nil
}

func (n *Node) AddProxy(ip core.NetAddr, mac core.LinkAddr) { n.resolver.AddProxy(ip, mac) }

func (n *Node) RemoveProxy(ip core.NetAddr) bool { return n.resolver.RemoveProxy(ip) }

func (n *Node) Proxies() map[core.NetAddr]core.LinkAddr { return n.resolver.Proxies() }

// Cache returns a snapshot of learned bindings.
func (n *Node) Cache() map[core.NetAddr]core.LinkAddr { return n.resolver.Cache() }

func (n *Node) Peer() core.NetAddr { return n.ip.Peer() }

func (n *Node) Nickname() string { return n.chat.Nickname() }

func (n *Node) SetNickname(nick string) { n.chat.SetNickname(nick) }

// Local returns this station's addresses.
func (n *Node) Local() (core.NetAddr, core.LinkAddr) { return n.cfg.Node.IP, n.cfg.Node.MAC }

func (n *Node) DownloadDir() string { return n.files.Dir() }
