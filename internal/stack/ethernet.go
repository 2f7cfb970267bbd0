package stack

import (
	"log/slog"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/metrics"
)

const (
	// EthernetHeaderLen is dst(6) + src(6) + type(2).
	EthernetHeaderLen = 14
	// MinFramePayload is the payload size frames are zero-padded up to on send.
	MinFramePayload = 46

	// DefaultAppEtherType tags chat/file traffic on the wire.
	DefaultAppEtherType uint16 = 0xFFFF
	// ResolutionEtherType tags resolution frames (the conventional ARP tag).
	ResolutionEtherType = uint16(layers.EthernetTypeARP)
)

// FrameKind classifies an accepted frame by its type tag before any
// protocol-specific parsing happens.
type FrameKind uint8

const (
	KindApplication FrameKind = iota + 1
	KindResolution
)

func (k FrameKind) String() string {
	switch k {
	case KindApplication:
		return "application"
	case KindResolution:
		return "resolution"
	default:
		return "unknown"
	}
}

// Frame is an accepted link frame with its header stripped.
type Frame struct {
	Kind    FrameKind
	Src     core.LinkAddr
	Dst     core.LinkAddr
	Payload []byte
}

// FrameReceiver is implemented by uppers that want the classified frame
// instead of bare payload bytes.
type FrameReceiver interface {
	RecvFrame(f Frame) bool
}

// FrameSender is what the resolution layer needs from the framing layer.
type FrameSender interface {
	Layer
	SendFrame(dst core.LinkAddr, kind FrameKind, payload []byte) bool
	Src() core.LinkAddr
	Dst() core.LinkAddr
}

// Ethernet builds and validates fixed 14-byte link headers.
type Ethernet struct {
	Base

	addrMu  sync.RWMutex
	src     core.LinkAddr
	dst     core.LinkAddr
	appType layers.EthernetType
}

// NewEthernet creates the framing layer on top of lower (usually a
// transport). appType 0 selects DefaultAppEtherType. The destination starts
// as broadcast.
func NewEthernet(lower Layer, src core.LinkAddr, appType uint16) *Ethernet {
	if appType == 0 {
		appType = DefaultAppEtherType
	}
	e := &Ethernet{
		src:     src,
		dst:     core.BroadcastLinkAddr,
		appType: layers.EthernetType(appType),
	}
	link(e, lower)
	return e
}

func (e *Ethernet) SetSrc(mac core.LinkAddr) {
	e.addrMu.Lock()
	e.src = mac
	e.addrMu.Unlock()
}

func (e *Ethernet) Src() core.LinkAddr {
	e.addrMu.RLock()
	defer e.addrMu.RUnlock()
	return e.src
}

// SetDst sets the destination used by Send.
func (e *Ethernet) SetDst(mac core.LinkAddr) {
	e.addrMu.Lock()
	e.dst = mac
	e.addrMu.Unlock()
}

func (e *Ethernet) Dst() core.LinkAddr {
	e.addrMu.RLock()
	defer e.addrMu.RUnlock()
	return e.dst
}

// AppEtherType returns the type tag used for application frames.
func (e *Ethernet) AppEtherType() uint16 { return uint16(e.appType) }

// Send frames payload as application traffic to the configured destination.
func (e *Ethernet) Send(payload []byte) bool {
	return e.SendFrame(e.Dst(), KindApplication, payload)
}

// SendFrame frames payload for dst with the type tag of kind. Payloads
// shorter than MinFramePayload are zero-padded.
func (e *Ethernet) SendFrame(dst core.LinkAddr, kind FrameKind, payload []byte) bool {
	lower := e.Lower()
	if lower == nil {
		metrics.Drop("ethernet", "no_lower")
		return false
	}

	var etherType layers.EthernetType
	switch kind {
	case KindApplication:
		etherType = e.appType
	case KindResolution:
		etherType = layers.EthernetTypeARP
	default:
		return false
	}

	src := e.Src()
	eth := &layers.Ethernet{
		SrcMAC:       src.HardwareAddr(),
		DstMAC:       dst.HardwareAddr(),
		EthernetType: etherType,
	}
	// layers.Ethernet pads the serialized frame to 60 bytes.
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)); err != nil {
		slog.Warn("ethernet: serialize failed", "error", err)
		return false
	}

	ok := lower.Send(buf.Bytes())
	if ok {
		metrics.FramesTotal.WithLabelValues("tx").Inc()
	}
	return ok
}

// Recv validates a raw frame and pushes its payload up. Frames shorter than
// the header, addressed elsewhere, echoed from ourselves or carrying an
// unknown type tag are dropped. Trailing zero bytes are left alone: a
// resolution payload may legitimately end in zeros.
func (e *Ethernet) Recv(frame []byte) bool {
	if len(frame) < EthernetHeaderLen {
		metrics.Drop("ethernet", "short")
		return false
	}

	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		metrics.Drop("ethernet", "malformed")
		return false
	}

	dst, _ := core.LinkAddrFrom(eth.DstMAC)
	src, _ := core.LinkAddrFrom(eth.SrcMAC)
	own := e.Src()
	if dst != core.BroadcastLinkAddr && dst != own {
		metrics.Drop("ethernet", "not_for_us")
		return false
	}
	if src == own {
		metrics.Drop("ethernet", "echo")
		return false
	}

	var kind FrameKind
	switch eth.EthernetType {
	case e.appType:
		kind = KindApplication
	case layers.EthernetTypeARP:
		kind = KindResolution
	default:
		metrics.Drop("ethernet", "type")
		return false
	}
	metrics.FramesTotal.WithLabelValues("rx").Inc()

	f := Frame{Kind: kind, Src: src, Dst: dst, Payload: eth.Payload}
	switch u := e.Upper().(type) {
	case nil:
		return false
	case FrameReceiver:
		return u.RecvFrame(f)
	default:
		return u.Recv(f.Payload)
	}
}
