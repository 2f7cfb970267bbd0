package stack

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"golang.org/x/time/rate"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/metrics"
)

const (
	DefaultMTU = 1500
	// MinMTU leaves room for the header and one payload byte.
	MinMTU = FragmentHeaderLen + 1
)

// IPConfig configures fragmentation and reassembly.
type IPConfig struct {
	MTU             int           // Largest fragment including header (default 1500)
	Pacing          time.Duration // Minimum gap between fragments of one send (0 = none)
	Reassembly      ReassemblyConfig
	MaxFragsPerIP   int           // Fragments accepted per source per window (0 = unlimited)
	RateLimitWindow time.Duration // Rate limit window (default 10s)
}

// NetworkSender is a lower layer that can address a network destination,
// such as the resolution layer.
type NetworkSender interface {
	Layer
	SendTo(dst core.NetAddr, data []byte) bool
}

// IP splits payloads into 20-byte-header fragments, reassembles incoming
// fragments and multiplexes completed payloads to consumers by protocol id.
type IP struct {
	Base

	mu        sync.RWMutex
	local     core.NetAddr
	peer      core.NetAddr
	consumers map[uint8]Receiver

	mtu     int
	reasm   *Reassembler
	limiter *SourceLimiter
	pacer   *rate.Limiter
	now     func() time.Time
}

// NewIP creates the fragmentation layer on top of lower. The peer starts as
// the network broadcast address.
func NewIP(lower Layer, cfg IPConfig) *IP {
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.MTU < MinMTU {
		cfg.MTU = MinMTU
	}
	ip := &IP{
		peer:      core.BroadcastNetAddr,
		consumers: make(map[uint8]Receiver),
		mtu:       cfg.MTU,
		reasm:     NewReassembler(cfg.Reassembly),
		limiter:   NewSourceLimiter(cfg.MaxFragsPerIP, cfg.RateLimitWindow),
		now:       time.Now,
	}
	if cfg.Pacing > 0 {
		ip.pacer = rate.NewLimiter(rate.Every(cfg.Pacing), 1)
	}
	link(ip, lower)
	return ip
}

func (ip *IP) SetLocal(addr core.NetAddr) {
	ip.mu.Lock()
	ip.local = addr
	ip.mu.Unlock()
}

func (ip *IP) Local() core.NetAddr {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.local
}

// SetPeer sets the default destination of SendProto.
func (ip *IP) SetPeer(addr core.NetAddr) {
	ip.mu.Lock()
	ip.peer = addr
	ip.mu.Unlock()
}

func (ip *IP) Peer() core.NetAddr {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.peer
}

// MTU returns the largest fragment size including the header.
func (ip *IP) MTU() int { return ip.mtu }

// Register binds proto to consumer. A consumer that accepts a lower layer is
// wired back to an endpoint that sends with proto.
func (ip *IP) Register(proto uint8, consumer Receiver) {
	ip.bind(proto, consumer)
	if l, ok := consumer.(interface{ SetLower(Layer) }); ok {
		l.SetLower(ip.Endpoint(proto))
	}
}

func (ip *IP) bind(proto uint8, consumer Receiver) {
	ip.mu.Lock()
	ip.consumers[proto] = consumer
	ip.mu.Unlock()
}

func (ip *IP) consumer(proto uint8) Receiver {
	ip.mu.RLock()
	defer ip.mu.RUnlock()
	return ip.consumers[proto]
}

// Endpoint returns the per-protocol sending side of the layer.
func (ip *IP) Endpoint(proto uint8) *Endpoint {
	return &Endpoint{ip: ip, proto: proto}
}

// SendProto fragments payload to the peer address.
func (ip *IP) SendProto(payload []byte, proto uint8) bool {
	return ip.SendProtoTo(ip.Peer(), payload, proto)
}

// SendProtoTo fragments payload to dst.
func (ip *IP) SendProtoTo(dst core.NetAddr, payload []byte, proto uint8) bool {
	return ip.SendProtoContext(context.Background(), dst, payload, proto) == nil
}

// SendProtoContext fragments payload to dst and hands each fragment down in
// order. Pacing waits honor ctx. Returning nil means every fragment was
// handed off, not that it was delivered.
func (ip *IP) SendProtoContext(ctx context.Context, dst core.NetAddr, payload []byte, proto uint8) error {
	lower := ip.Lower()
	if lower == nil {
		return core.ErrNoLowerLayer
	}
	start := time.Now()

	chunkSize := ip.mtu - FragmentHeaderLen
	hdr := Fragment{
		Src:   ip.Local(),
		Dst:   dst,
		Proto: proto,
		Group: uint16(rand.N(1 << 16)),
	}

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(offset+chunkSize, len(payload))
		hdr.Offset = uint32(offset)
		hdr.More = end < len(payload)

		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true}
		if err := gopacket.SerializeLayers(buf, opts, &hdr, gopacket.Payload(payload[offset:end])); err != nil {
			return fmt.Errorf("serialize fragment: %w", err)
		}

		if ip.pacer != nil {
			if err := ip.pacer.Wait(ctx); err != nil {
				return err
			}
		}
		if !ip.transmit(lower, dst, buf.Bytes()) {
			slog.Debug("fragment: lower layer refused fragment",
				"group", hdr.Group, "offset", hdr.Offset, "dst", dst)
			return fmt.Errorf("fragment at offset %d: %w", offset, core.ErrSendFailed)
		}
		metrics.FragmentsTotal.WithLabelValues("tx").Inc()

		offset = end
		if !hdr.More {
			break
		}
	}

	metrics.SendLatencySeconds.Observe(time.Since(start).Seconds())
	return nil
}

func (ip *IP) transmit(lower Layer, dst core.NetAddr, frag []byte) bool {
	if ns, ok := lower.(NetworkSender); ok {
		return ns.SendTo(dst, frag)
	}
	return lower.Send(frag)
}

// Recv accepts one fragment. It reports true for any structurally valid
// fragment addressed to this host, complete or not.
func (ip *IP) Recv(frame []byte) bool {
	if len(frame) < FragmentHeaderLen {
		metrics.Drop("fragment", "short")
		return false
	}

	var f Fragment
	if err := f.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		metrics.Drop("fragment", "truncated")
		return false
	}

	if f.Dst != core.BroadcastNetAddr && f.Dst != ip.Local() {
		metrics.Drop("fragment", "not_for_us")
		return false
	}

	now := ip.now()
	if ip.limiter != nil && !ip.limiter.Allow(f.Src, now) {
		metrics.Drop("fragment", "rate_limited")
		return false
	}
	metrics.FragmentsTotal.WithLabelValues("rx").Inc()

	payload, done, err := ip.reasm.Add(&f, now)
	if err != nil {
		slog.Debug("fragment: group discarded", "src", f.Src, "group", f.Group, "error", err)
		metrics.Drop("fragment", "reassembly")
		return true
	}
	if !done {
		return true
	}

	c := ip.consumer(f.Proto)
	if c == nil {
		slog.Warn("fragment: no consumer for protocol, payload dropped",
			"proto", f.Proto, "src", f.Src, "bytes", len(payload))
		metrics.Drop("fragment", "unknown_proto")
		return true
	}
	metrics.DeliveriesTotal.WithLabelValues(strconv.Itoa(int(f.Proto))).Inc()
	c.Recv(payload)
	return true
}

// Sweep discards reassembly groups that outlived their timeout.
func (ip *IP) Sweep(now time.Time) {
	if n := ip.reasm.Sweep(now); n > 0 {
		slog.Debug("fragment: expired incomplete groups", "count", n)
	}
}

// PendingGroups returns the number of incomplete fragment groups.
func (ip *IP) PendingGroups() int { return ip.reasm.Len() }

// Endpoint is the lower neighbor handed to a registered consumer: sends go
// out with its protocol id, lifecycle calls reach the shared layer.
type Endpoint struct {
	ip    *IP
	proto uint8
}

// Send fragments data to the layer's peer.
func (e *Endpoint) Send(data []byte) bool { return e.ip.SendProto(data, e.proto) }

// SendContext fragments data to the peer, honoring ctx between fragments.
func (e *Endpoint) SendContext(ctx context.Context, data []byte) error {
	return e.ip.SendProtoContext(ctx, e.ip.Peer(), data, e.proto)
}

// SendTo fragments data to dst.
func (e *Endpoint) SendTo(dst core.NetAddr, data []byte) bool {
	return e.ip.SendProtoTo(dst, data, e.proto)
}

// Recv is not used: delivery goes from the layer to the consumer directly.
func (e *Endpoint) Recv([]byte) bool { return false }

// SetUpper rebinds the endpoint's protocol to r.
func (e *Endpoint) SetUpper(r Receiver) { e.ip.bind(e.proto, r) }

func (e *Endpoint) SetLower(Layer) {}

func (e *Endpoint) Start() { e.ip.Start() }

func (e *Endpoint) Stop() { e.ip.Stop() }

// Proto returns the endpoint's protocol id.
func (e *Endpoint) Proto() uint8 { return e.proto }
