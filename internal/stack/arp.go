package stack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/metrics"
)

const (
	// arpPayloadLen is the Ethernet/IPv4 shape: 8-byte fixed part + 2×(6+4).
	arpPayloadLen = 28

	defaultRetryInterval = time.Second
	defaultMaxRetries    = 2
)

// ResolverConfig configures retry behavior for unanswered requests.
type ResolverConfig struct {
	RetryInterval time.Duration // Gap between re-sent requests (default 1s)
	MaxRetries    int           // Re-sends after the first request (default 2, -1 = none)
}

// ProxyBinding is an address pair the resolver answers for on behalf of
// another host.
type ProxyBinding struct {
	IP  core.NetAddr
	MAC core.LinkAddr
}

// Resolver maps network addresses to link addresses with request, reply
// and gratuitous exchanges, and answers for proxied addresses.
//
// The cache and proxy map are written from the capture goroutine (replies)
// and the control goroutine (configuration) concurrently; each table has
// its own lock, never held across a send.
type Resolver struct {
	Base

	bindMu sync.RWMutex
	ip     core.NetAddr
	mac    core.LinkAddr
	bound  bool

	cache   *bindingTable
	proxies *bindingTable
	pending *pendingTable

	now func() time.Time
}

// NewResolver creates the resolution layer on top of the framing layer.
func NewResolver(lower FrameSender, cfg ResolverConfig) *Resolver {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	r := &Resolver{
		cache:   newBindingTable(),
		proxies: newBindingTable(),
		pending: newPendingTable(cfg.RetryInterval, cfg.MaxRetries),
		now:     time.Now,
	}
	if lower != nil {
		link(r, lower)
	}
	return r
}

// framer returns the lower neighbor if it can frame resolution traffic.
func (r *Resolver) framer() FrameSender {
	fs, _ := r.Lower().(FrameSender)
	return fs
}

// SetLocalBinding records this host's own addresses.
func (r *Resolver) SetLocalBinding(ip core.NetAddr, mac core.LinkAddr) {
	r.bindMu.Lock()
	r.ip, r.mac, r.bound = ip, mac, true
	r.bindMu.Unlock()
	slog.Info("arp: local binding set", "ip", ip, "mac", mac)
}

// LocalBinding returns the host's addresses and whether they were set.
func (r *Resolver) LocalBinding() (core.NetAddr, core.LinkAddr, bool) {
	r.bindMu.RLock()
	defer r.bindMu.RUnlock()
	return r.ip, r.mac, r.bound
}

// AddProxy makes the resolver answer requests for target with owner.
func (r *Resolver) AddProxy(target core.NetAddr, owner core.LinkAddr) {
	r.proxies.Set(target, owner)
	slog.Info("arp: proxy entry added", "ip", target, "mac", owner)
}

// RemoveProxy deletes a proxy entry and reports whether it existed.
func (r *Resolver) RemoveProxy(target core.NetAddr) bool {
	ok := r.proxies.Delete(target)
	if ok {
		slog.Info("arp: proxy entry removed", "ip", target)
	}
	return ok
}

// Proxies returns a snapshot of the proxy map.
func (r *Resolver) Proxies() map[core.NetAddr]core.LinkAddr { return r.proxies.Snapshot() }

// Cache returns a snapshot of learned bindings.
func (r *Resolver) Cache() map[core.NetAddr]core.LinkAddr { return r.cache.Snapshot() }

// ClearCache forgets every learned binding.
func (r *Resolver) ClearCache() {
	n := r.cache.Clear()
	metrics.ResolutionCacheEntries.Sub(float64(n))
}

// Lookup returns the cached link address for ip. On a miss it sends a
// request without waiting for the reply and reports false; while that
// request is outstanding further lookups do not re-send. The broadcast and
// local addresses resolve without a request.
func (r *Resolver) Lookup(ip core.NetAddr) (core.LinkAddr, bool) {
	if ip == core.BroadcastNetAddr {
		return core.BroadcastLinkAddr, true
	}
	if own, mac, bound := r.LocalBinding(); bound && ip == own {
		return mac, true
	}
	if mac, ok := r.cache.Get(ip); ok {
		return mac, true
	}
	if r.pending.begin(ip, r.now()) {
		metrics.ResolutionPending.Inc()
		slog.Debug("arp: cache miss, requesting", "ip", ip)
		if !r.Request(ip) {
			r.pending.cancel(ip)
			metrics.ResolutionPending.Dec()
		}
	}
	return core.LinkAddr{}, false
}

// Resolve is Lookup that blocks until a reply arrives, the pending request
// expires (core.ErrResolveTimeout) or ctx is done.
func (r *Resolver) Resolve(ctx context.Context, ip core.NetAddr) (core.LinkAddr, error) {
	if mac, ok := r.Lookup(ip); ok {
		return mac, nil
	}
	ch := r.pending.wait(ip)
	if ch == nil {
		// Settled between Lookup and wait, or the request never went out.
		if mac, ok := r.cache.Get(ip); ok {
			return mac, nil
		}
		if _, _, bound := r.LocalBinding(); !bound {
			return core.LinkAddr{}, fmt.Errorf("resolve %s: %w", ip, core.ErrNotConfigured)
		}
		return core.LinkAddr{}, fmt.Errorf("resolve %s: %w", ip, core.ErrResolveTimeout)
	}
	select {
	case mac, ok := <-ch:
		if !ok {
			return core.LinkAddr{}, fmt.Errorf("resolve %s: %w", ip, core.ErrResolveTimeout)
		}
		return mac, nil
	case <-ctx.Done():
		return core.LinkAddr{}, ctx.Err()
	}
}

// Request broadcasts a who-has for target with the local binding as sender.
func (r *Resolver) Request(target core.NetAddr) bool {
	ip, mac, bound := r.LocalBinding()
	if !bound {
		slog.Warn("arp: request failed, local binding not set", "target", target)
		return false
	}
	fs := r.framer()
	if fs == nil {
		slog.Warn("arp: request failed, no framing layer", "target", target)
		return false
	}
	ok := r.emit(fs, core.BroadcastLinkAddr, layers.ARPRequest, mac, ip, core.LinkAddr{}, target)
	if ok {
		metrics.ResolutionMessagesTotal.WithLabelValues("tx", "request").Inc()
		slog.Debug("arp: request sent", "target", target)
	}
	return ok
}

// Reply unicasts an is-at to dstMAC. With onBehalfOf set the reply
// advertises the proxied pair instead of the local binding.
func (r *Resolver) Reply(dstIP core.NetAddr, dstMAC core.LinkAddr, onBehalfOf *ProxyBinding) bool {
	fs := r.framer()
	if fs == nil {
		return false
	}
	var srcIP core.NetAddr
	var srcMAC core.LinkAddr
	if onBehalfOf != nil {
		srcIP, srcMAC = onBehalfOf.IP, onBehalfOf.MAC
	} else {
		ip, mac, bound := r.LocalBinding()
		if !bound {
			return false
		}
		srcIP, srcMAC = ip, mac
	}
	ok := r.emit(fs, dstMAC, layers.ARPReply, srcMAC, srcIP, dstMAC, dstIP)
	if ok {
		metrics.ResolutionMessagesTotal.WithLabelValues("tx", "reply").Inc()
		slog.Debug("arp: reply sent", "ip", srcIP, "mac", srcMAC, "to", dstIP, "proxy", onBehalfOf != nil)
	}
	return ok
}

// Announce broadcasts a gratuitous reply advertising the local binding,
// with the target hardware field zeroed and target IP equal to sender IP.
func (r *Resolver) Announce() bool {
	ip, mac, bound := r.LocalBinding()
	if !bound {
		slog.Warn("arp: announce failed, local binding not set")
		return false
	}
	fs := r.framer()
	if fs == nil {
		return false
	}
	ok := r.emit(fs, core.BroadcastLinkAddr, layers.ARPReply, mac, ip, core.LinkAddr{}, ip)
	if ok {
		metrics.ResolutionMessagesTotal.WithLabelValues("tx", "announce").Inc()
		slog.Info("arp: gratuitous announce sent", "ip", ip, "mac", mac)
	}
	return ok
}

func (r *Resolver) emit(fs FrameSender, to core.LinkAddr, op uint16,
	sha core.LinkAddr, spa core.NetAddr, tha core.LinkAddr, tpa core.NetAddr) bool {
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
		slog.Warn("arp: serialize failed", "error", err)
		return false
	}
	return fs.SendFrame(to, KindResolution, buf.Bytes())
}

// arpMessage is a parsed resolution payload.
type arpMessage struct {
	op        uint16
	senderIP  core.NetAddr
	senderMAC core.LinkAddr
	targetIP  core.NetAddr
	targetMAC core.LinkAddr
}

func parseARP(payload []byte) (arpMessage, bool) {
	if len(payload) < arpPayloadLen || payload[4] != 6 || payload[5] != 4 {
		return arpMessage{}, false
	}
	var pkt layers.ARP
	if err := pkt.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		return arpMessage{}, false
	}
	if pkt.AddrType != layers.LinkTypeEthernet || pkt.Protocol != layers.EthernetTypeIPv4 {
		return arpMessage{}, false
	}
	var m arpMessage
	m.op = pkt.Operation
	m.senderIP, _ = core.NetAddrFrom(pkt.SourceProtAddress)
	m.senderMAC, _ = core.LinkAddrFrom(pkt.SourceHwAddress)
	m.targetIP, _ = core.NetAddrFrom(pkt.DstProtAddress)
	m.targetMAC, _ = core.LinkAddrFrom(pkt.DstHwAddress)
	return m, true
}

// handle applies a parsed message. It reports whether the message was
// consumed (a reply learned, or a request answered).
func (r *Resolver) handle(m arpMessage) bool {
	switch m.op {
	case layers.ARPReply:
		metrics.ResolutionMessagesTotal.WithLabelValues("rx", "reply").Inc()
		r.learn(m.senderIP, m.senderMAC)
		return true
	case layers.ARPRequest:
		metrics.ResolutionMessagesTotal.WithLabelValues("rx", "request").Inc()
		slog.Debug("arp: request received", "target", m.targetIP, "from", m.senderIP)
		if ip, _, bound := r.LocalBinding(); bound && m.targetIP == ip {
			return r.Reply(m.senderIP, m.senderMAC, nil)
		}
		if owner, ok := r.proxies.Get(m.targetIP); ok {
			return r.Reply(m.senderIP, m.senderMAC, &ProxyBinding{IP: m.targetIP, MAC: owner})
		}
		return false
	default:
		return false
	}
}

// learn stores a binding from a reply and settles any pending lookup.
// Requests observed in flight never reach here.
func (r *Resolver) learn(ip core.NetAddr, mac core.LinkAddr) {
	if r.cache.Set(ip, mac) {
		metrics.ResolutionCacheEntries.Inc()
	}
	if r.pending.settle(ip, mac) {
		metrics.ResolutionPending.Dec()
	}
	slog.Debug("arp: learned binding", "ip", ip, "mac", mac)
}

// Recv handles an untagged payload: a resolution message is processed
// here; anything else, including a request nobody here answers, is passed
// up unchanged as opaque application data.
func (r *Resolver) Recv(payload []byte) bool {
	if m, ok := parseARP(payload); ok && r.handle(m) {
		return true
	}
	return r.deliver(payload)
}

// RecvFrame dispatches on the frame kind decided by the framing layer, so
// application payloads are never parsed as resolution messages.
func (r *Resolver) RecvFrame(f Frame) bool {
	switch f.Kind {
	case KindResolution:
		m, ok := parseARP(f.Payload)
		if !ok {
			metrics.Drop("arp", "malformed")
			return false
		}
		return r.handle(m)
	case KindApplication:
		return r.deliver(f.Payload)
	default:
		return false
	}
}

// Send passes payload through to the framing layer's configured destination.
func (r *Resolver) Send(payload []byte) bool {
	fs := r.framer()
	if fs == nil {
		return false
	}
	return fs.Send(payload)
}

// SendTo resolves dst and frames payload for it. On a cache miss a request
// goes out and the payload is framed for the framing layer's configured
// destination (broadcast unless a peer link address was set).
func (r *Resolver) SendTo(dst core.NetAddr, payload []byte) bool {
	fs := r.framer()
	if fs == nil {
		return false
	}
	mac, ok := r.Lookup(dst)
	if !ok {
		mac = fs.Dst()
	}
	return fs.SendFrame(mac, KindApplication, payload)
}

// Sweep re-sends due requests and expires those past their deadline.
func (r *Resolver) Sweep(now time.Time) {
	retry, expired := r.pending.due(now)
	if expired > 0 {
		metrics.ResolutionTimeoutsTotal.Add(float64(expired))
		metrics.ResolutionPending.Sub(float64(expired))
		slog.Debug("arp: pending requests expired", "count", expired)
	}
	for _, ip := range retry {
		r.Request(ip)
	}
}

// PendingCount returns the number of outstanding requests.
func (r *Resolver) PendingCount() int { return r.pending.len() }
