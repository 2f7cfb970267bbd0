package stack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
)

// newResolverChain builds transport fake → Ethernet → Resolver for macA.
func newResolverChain(t *testing.T, cfg ResolverConfig) (*recordingLayer, *Ethernet, *Resolver) {
	t.Helper()
	bottom := &recordingLayer{}
	eth := NewEthernet(bottom, macA, 0)
	r := NewResolver(eth, cfg)
	return bottom, eth, r
}

func arpPayload(op uint16, sha core.LinkAddr, spa core.NetAddr, tha core.LinkAddr, tpa core.NetAddr) []byte {
	pkt := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   sha[:],
		SourceProtAddress: spa[:],
		DstHwAddress:      tha[:],
		DstProtAddress:    tpa[:],
	}
	buf := gopacket.NewSerializeBuffer()
	if err := pkt.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// decodeSent parses a frame the resolver handed to the transport.
func decodeSent(t *testing.T, frame []byte) (*layers.Ethernet, arpMessage) {
	t.Helper()
	var eth layers.Ethernet
	require.NoError(t, eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback))
	require.Equal(t, layers.EthernetTypeARP, eth.EthernetType)
	m, ok := parseARP(eth.Payload)
	require.True(t, ok)
	return &eth, m
}

func TestResolver_RequestShape(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{})
	assert.False(t, r.Request(ipB), "no local binding yet")

	r.SetLocalBinding(ipA, macA)
	require.True(t, r.Request(ipB))

	eth, m := decodeSent(t, bottom.frames()[0])
	assert.Equal(t, core.BroadcastLinkAddr.HardwareAddr(), eth.DstMAC)
	assert.Equal(t, uint16(layers.ARPRequest), m.op)
	assert.Equal(t, ipA, m.senderIP)
	assert.Equal(t, macA, m.senderMAC)
	assert.Equal(t, ipB, m.targetIP)
}

func TestResolver_AnswersForOwnAddress(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{})
	r.SetLocalBinding(core.MustParseNetAddr("10.0.0.1"), core.MustParseLinkAddr("AA:AA:AA:AA:AA:AA"))

	req := arpPayload(layers.ARPRequest, macB, ipB, core.LinkAddr{}, core.MustParseNetAddr("10.0.0.1"))
	require.True(t, bottom.inject(ethFrame(core.BroadcastLinkAddr, macB, ResolutionEtherType, req)))

	sent := bottom.frames()
	require.Len(t, sent, 1)
	eth, m := decodeSent(t, sent[0])
	assert.Equal(t, macB.HardwareAddr(), eth.DstMAC, "reply is unicast to the requester")
	assert.Equal(t, uint16(layers.ARPReply), m.op)
	assert.Equal(t, core.MustParseNetAddr("10.0.0.1"), m.senderIP)
	assert.Equal(t, core.MustParseLinkAddr("AA:AA:AA:AA:AA:AA"), m.senderMAC)
	assert.Equal(t, ipB, m.targetIP)
	assert.Equal(t, macB, m.targetMAC)
}

func TestResolver_AnswersForProxiedAddress(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{})
	r.SetLocalBinding(ipA, macA)
	proxied := core.MustParseNetAddr("10.0.0.50")
	owner := core.MustParseLinkAddr("BB:BB:BB:BB:BB:BB")
	r.AddProxy(proxied, owner)

	req := arpPayload(layers.ARPRequest, macC, ipB, core.LinkAddr{}, proxied)
	require.True(t, bottom.inject(ethFrame(core.BroadcastLinkAddr, macC, ResolutionEtherType, req)))

	_, m := decodeSent(t, bottom.frames()[0])
	assert.Equal(t, uint16(layers.ARPReply), m.op)
	assert.Equal(t, proxied, m.senderIP)
	assert.Equal(t, owner, m.senderMAC)

	assert.True(t, r.RemoveProxy(proxied))
	assert.False(t, r.RemoveProxy(proxied))
	bottom.reset()
	assert.False(t, bottom.inject(ethFrame(core.BroadcastLinkAddr, macC, ResolutionEtherType, req)))
	assert.Empty(t, bottom.frames())
}

func TestResolver_IgnoresRequestsForOthers(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{})
	r.SetLocalBinding(ipA, macA)

	req := arpPayload(layers.ARPRequest, macB, ipB, core.LinkAddr{}, core.MustParseNetAddr("10.0.0.99"))
	assert.False(t, bottom.inject(ethFrame(core.BroadcastLinkAddr, macB, ResolutionEtherType, req)))
	assert.Empty(t, bottom.frames())
	assert.Empty(t, r.Cache(), "requests never populate the cache")
}

func TestResolver_LearnsFromReplies(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{})
	r.SetLocalBinding(ipA, macA)

	reply := arpPayload(layers.ARPReply, macB, ipB, macA, ipA)
	require.True(t, bottom.inject(ethFrame(macA, macB, ResolutionEtherType, reply)))

	mac, ok := r.Lookup(ipB)
	require.True(t, ok)
	assert.Equal(t, macB, mac)
	assert.Empty(t, bottom.frames(), "cache hit sends nothing")

	// Last write wins.
	reply = arpPayload(layers.ARPReply, macC, ipB, macA, ipA)
	require.True(t, bottom.inject(ethFrame(macA, macC, ResolutionEtherType, reply)))
	mac, _ = r.Lookup(ipB)
	assert.Equal(t, macC, mac)

	r.ClearCache()
	assert.Empty(t, r.Cache())
}

func TestResolver_LookupBroadcast(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{})
	mac, ok := r.Lookup(core.BroadcastNetAddr)
	assert.True(t, ok)
	assert.Equal(t, core.BroadcastLinkAddr, mac)
	assert.Empty(t, bottom.frames())
}

func TestResolver_LookupOwnAddress(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{RetryInterval: 20 * time.Millisecond, MaxRetries: 1})
	r.SetLocalBinding(ipA, macA)

	mac, ok := r.Lookup(ipA)
	assert.True(t, ok)
	assert.Equal(t, macA, mac)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mac, err := r.Resolve(ctx, ipA)
	require.NoError(t, err)
	assert.Equal(t, macA, mac)

	assert.Empty(t, bottom.frames(), "own address needs no request")
	assert.Zero(t, r.PendingCount())
}

func TestResolver_LookupMissSendsOneRequest(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{RetryInterval: time.Second, MaxRetries: 2})
	r.SetLocalBinding(ipA, macA)

	_, ok := r.Lookup(ipB)
	assert.False(t, ok)
	_, ok = r.Lookup(ipB)
	assert.False(t, ok)
	assert.Len(t, bottom.frames(), 1, "pending target is not re-requested")
	assert.Equal(t, 1, r.PendingCount())
}

func TestResolver_LookupWithoutBindingLeavesNothingPending(t *testing.T) {
	_, _, r := newResolverChain(t, ResolverConfig{})
	_, ok := r.Lookup(ipB)
	assert.False(t, ok)
	assert.Zero(t, r.PendingCount())
}

func TestResolver_SweepRetriesThenExpires(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{RetryInterval: time.Second, MaxRetries: 2})
	r.SetLocalBinding(ipA, macA)
	start := time.Unix(1000, 0)
	r.now = func() time.Time { return start }

	r.Lookup(ipB)
	require.Len(t, bottom.frames(), 1)

	r.Sweep(start.Add(500 * time.Millisecond))
	assert.Len(t, bottom.frames(), 1, "not due yet")

	r.Sweep(start.Add(time.Second))
	assert.Len(t, bottom.frames(), 2)
	r.Sweep(start.Add(2 * time.Second))
	assert.Len(t, bottom.frames(), 3)

	r.Sweep(start.Add(3 * time.Second))
	assert.Len(t, bottom.frames(), 3, "deadline reached, no more retries")
	assert.Zero(t, r.PendingCount())
}

func TestResolver_ResolveWaitsForReply(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{RetryInterval: time.Minute})
	r.SetLocalBinding(ipA, macA)

	done := make(chan struct{})
	var (
		got core.LinkAddr
		err error
	)
	go func() {
		defer close(done)
		got, err = r.Resolve(context.Background(), ipB)
	}()

	require.Eventually(t, func() bool { return len(bottom.frames()) == 1 }, time.Second, 5*time.Millisecond)
	// The waiter may attach after the reply; give it a moment to block.
	require.Eventually(t, func() bool {
		r.pending.mu.Lock()
		defer r.pending.mu.Unlock()
		e, ok := r.pending.entries[ipB]
		return ok && len(e.waiters) == 1
	}, time.Second, 5*time.Millisecond)

	reply := arpPayload(layers.ARPReply, macB, ipB, macA, ipA)
	require.True(t, bottom.inject(ethFrame(macA, macB, ResolutionEtherType, reply)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Resolve did not return after reply")
	}
	require.NoError(t, err)
	assert.Equal(t, macB, got)
}

func TestResolver_ResolveTimesOut(t *testing.T) {
	_, _, r := newResolverChain(t, ResolverConfig{RetryInterval: time.Second, MaxRetries: -1})
	r.SetLocalBinding(ipA, macA)
	start := time.Unix(1000, 0)
	r.now = func() time.Time { return start }

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), ipB)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		r.pending.mu.Lock()
		defer r.pending.mu.Unlock()
		e, ok := r.pending.entries[ipB]
		return ok && len(e.waiters) == 1
	}, time.Second, 5*time.Millisecond)

	r.Sweep(start.Add(time.Second))
	err := <-errCh
	assert.True(t, errors.Is(err, core.ErrResolveTimeout))
}

func TestResolver_ResolveHonorsContext(t *testing.T) {
	_, _, r := newResolverChain(t, ResolverConfig{RetryInterval: time.Minute})
	r.SetLocalBinding(ipA, macA)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Resolve(ctx, ipB)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolver_AnnounceShape(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{})
	assert.False(t, r.Announce())

	r.SetLocalBinding(ipA, macA)
	require.True(t, r.Announce())

	eth, m := decodeSent(t, bottom.frames()[0])
	assert.Equal(t, core.BroadcastLinkAddr.HardwareAddr(), eth.DstMAC)
	assert.Equal(t, uint16(layers.ARPReply), m.op)
	assert.Equal(t, ipA, m.senderIP)
	assert.Equal(t, ipA, m.targetIP)
	assert.Equal(t, macA, m.senderMAC)
	assert.True(t, m.targetMAC.IsZero())
}

func TestResolver_ApplicationFramesPassUp(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{})
	up := &sink{}
	r.SetUpper(up)

	require.True(t, bottom.inject(ethFrame(macA, macB, DefaultAppEtherType, []byte("opaque"))))
	require.Len(t, up.deliveries(), 1)
	assert.Equal(t, []byte("opaque"), up.deliveries()[0][:6])
}

func TestResolver_UntaggedFallbackForwardsOpaque(t *testing.T) {
	r := NewResolver(nil, ResolverConfig{})
	up := &sink{}
	r.SetUpper(up)

	assert.True(t, r.Recv([]byte("not a resolution message at all")))
	require.Len(t, up.deliveries(), 1)

	// A request nobody here answers is forwarded as well.
	req := arpPayload(layers.ARPRequest, macB, ipB, core.LinkAddr{}, core.MustParseNetAddr("10.9.9.9"))
	assert.True(t, r.Recv(req))
	assert.Len(t, up.deliveries(), 2)
}

func TestResolver_SendToUsesCacheOrFallback(t *testing.T) {
	bottom, eth, r := newResolverChain(t, ResolverConfig{})
	r.SetLocalBinding(ipA, macA)
	eth.SetDst(macC)

	// Miss: request goes out, payload goes to the configured destination.
	require.True(t, r.SendTo(ipB, []byte("data")))
	sent := bottom.frames()
	require.Len(t, sent, 2)
	var last layers.Ethernet
	require.NoError(t, last.DecodeFromBytes(sent[1], gopacket.NilDecodeFeedback))
	assert.Equal(t, macC.HardwareAddr(), last.DstMAC)
	assert.Equal(t, layers.EthernetType(DefaultAppEtherType), last.EthernetType)

	reply := arpPayload(layers.ARPReply, macB, ipB, macA, ipA)
	require.True(t, bottom.inject(ethFrame(macA, macB, ResolutionEtherType, reply)))
	bottom.reset()

	require.True(t, r.SendTo(ipB, []byte("data")))
	sent = bottom.frames()
	require.Len(t, sent, 1)
	require.NoError(t, last.DecodeFromBytes(sent[0], gopacket.NilDecodeFeedback))
	assert.Equal(t, macB.HardwareAddr(), last.DstMAC)
}

func TestResolver_MalformedResolutionFrameDropped(t *testing.T) {
	bottom, _, r := newResolverChain(t, ResolverConfig{})
	up := &sink{}
	r.SetUpper(up)
	assert.False(t, bottom.inject(ethFrame(macA, macB, ResolutionEtherType, []byte{0, 1, 8, 0, 6})))
	assert.Empty(t, up.deliveries())
}
