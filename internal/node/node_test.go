package node

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peap1ant/Chatting-Program-testing/internal/app"
	"github.com/Peap1ant/Chatting-Program-testing/internal/config"
	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/transport"
)

var (
	ipA  = core.MustParseNetAddr("10.0.0.1")
	ipB  = core.MustParseNetAddr("10.0.0.2")
	macA = core.MustParseLinkAddr("aa:aa:aa:aa:aa:aa")
	macB = core.MustParseLinkAddr("bb:bb:bb:bb:bb:bb")
	macC = core.MustParseLinkAddr("cc:cc:cc:cc:cc:cc")
)

// inbox collects deliveries from one node.
type inbox struct {
	mu    sync.Mutex
	msgs  []app.Message
	files []app.ReceivedFile
}

func (b *inbox) handlers() Handlers {
	return Handlers{
		OnMessage: func(m app.Message) {
			b.mu.Lock()
			b.msgs = append(b.msgs, m)
			b.mu.Unlock()
		},
		OnFile: func(f app.ReceivedFile) {
			b.mu.Lock()
			b.files = append(b.files, f)
			b.mu.Unlock()
		},
	}
}

func (b *inbox) messages() []app.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]app.Message(nil), b.msgs...)
}

func (b *inbox) received() []app.ReceivedFile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]app.ReceivedFile(nil), b.files...)
}

func testConfig(t *testing.T, nick string, ip, peer core.NetAddr, mac core.LinkAddr) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Nickname = nick
	cfg.Node.IP = ip
	cfg.Node.MAC = mac
	cfg.Node.PeerIP = peer
	cfg.Node.PeerMAC = core.BroadcastLinkAddr
	cfg.Resolution.RetryInterval = 20 * time.Millisecond
	cfg.Resolution.MaxRetries = 1
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.Fragment.PacingInterval = 0
	cfg.Files.DownloadDir = t.TempDir()
	return &cfg
}

// pair starts two nodes on one hub.
func pair(t *testing.T, mutate func(a, b *config.Config)) (*Node, *inbox, *Node, *inbox) {
	t.Helper()
	hub := transport.NewHub()

	cfgA := testConfig(t, "alice", ipA, ipB, macA)
	cfgB := testConfig(t, "bob", ipB, ipA, macB)
	if mutate != nil {
		mutate(cfgA, cfgB)
	}

	boxA, boxB := &inbox{}, &inbox{}
	a, err := New(cfgA, hub.Port(), boxA.handlers())
	require.NoError(t, err)
	b, err := New(cfgB, hub.Port(), boxB.handlers())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
		cancel()
	})
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	return a, boxA, b, boxB
}

func TestNodeChat(t *testing.T) {
	a, _, _, boxB := pair(t, nil)

	require.NoError(t, a.Say(context.Background(), "hello bob"))

	require.Eventually(t, func() bool { return len(boxB.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	msg := boxB.messages()[0]
	assert.Equal(t, "alice", msg.From)
	assert.Equal(t, "hello bob", msg.Text)
}

func TestNodeChatEmptyMessage(t *testing.T) {
	a, _, _, _ := pair(t, nil)
	assert.ErrorIs(t, a.Say(context.Background(), "   "), core.ErrEmptyMessage)
}

func TestNodeLearnsAnnouncement(t *testing.T) {
	a, _, _, _ := pair(t, nil)

	// b starts after a, so a hears b's gratuitous announcement.
	require.Eventually(t, func() bool {
		mac, ok := a.Cache()[ipB]
		return ok && mac == macB
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNodeFileTransfer(t *testing.T) {
	a, _, b, boxB := pair(t, func(a, b *config.Config) {
		a.Fragment.MTU = 200
		b.Fragment.MTU = 200
	})

	content := bytes.Repeat([]byte("0123456789abcdef"), 400)
	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, content, 0o644))

	require.NoError(t, a.SendFile(context.Background(), src))

	require.Eventually(t, func() bool { return len(boxB.received()) == 1 }, 5*time.Second, 10*time.Millisecond)
	got := boxB.received()[0]
	assert.Equal(t, "notes.txt", got.Name)
	assert.Equal(t, len(content), got.Size)

	saved, err := os.ReadFile(filepath.Join(b.DownloadDir(), "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, saved)
}

func TestNodeResolve(t *testing.T) {
	_, _, b, _ := pair(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	mac, err := b.Resolve(ctx, ipA)
	require.NoError(t, err)
	assert.Equal(t, macA, mac)
}

func TestNodeProxyResolve(t *testing.T) {
	proxied := core.MustParseNetAddr("10.0.0.50")
	_, _, b, _ := pair(t, func(a, _ *config.Config) {
		a.Resolution.Proxies = []config.ProxyConfig{{IP: proxied, MAC: macC}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	mac, err := b.Resolve(ctx, proxied)
	require.NoError(t, err)
	assert.Equal(t, macC, mac)
}

func TestNodeResolveTimeout(t *testing.T) {
	a, _, _, _ := pair(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := a.Resolve(ctx, core.MustParseNetAddr("10.0.0.99"))
	assert.ErrorIs(t, err, core.ErrResolveTimeout)
}

func TestNodeRuntimeProxy(t *testing.T) {
	a, _, _, _ := pair(t, nil)
	target := core.MustParseNetAddr("10.0.0.60")

	a.AddProxy(target, macC)
	assert.Equal(t, macC, a.Proxies()[target])
	assert.True(t, a.RemoveProxy(target))
	assert.False(t, a.RemoveProxy(target))
}

func TestNodeSetPeer(t *testing.T) {
	a, _, _, _ := pair(t, nil)
	other := core.MustParseNetAddr("10.0.0.7")

	a.SetPeer(other)
	assert.Equal(t, other, a.Peer())
}

func TestNodeStopIdempotent(t *testing.T) {
	hub := transport.NewHub()
	n, err := New(testConfig(t, "solo", ipA, ipB, macA), hub.Port(), Handlers{})
	require.NoError(t, err)

	require.NoError(t, n.Start(context.Background()))
	require.NoError(t, n.Start(context.Background()))
	n.Stop()
	n.Stop()
}

func TestTransportOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Node.Interface = "eth1"
	cfg.Link.EtherType = 0x88B5
	cfg.Transport.TimeoutMs = 250

	opts := TransportOptions(&cfg)
	assert.Equal(t, "afpacket", opts.Kind)
	assert.Equal(t, "eth1", opts.Interface)
	assert.Equal(t, uint16(0x88B5), opts.AppEtherType)
	assert.Equal(t, 250*time.Millisecond, opts.PollTimeout)
}
