//go:build linux && cgo

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/metrics"
	"github.com/Peap1ant/Chatting-Program-testing/internal/stack"
)

const (
	defaultSnapLen      = 2048
	defaultBufferSizeMB = 8
	defaultPollTimeout  = 100 * time.Millisecond
)

// AFPacket sends and captures raw Ethernet frames on one interface through
// a TPACKET_V3 ring.
type AFPacket struct {
	stack.Base

	iface       string
	snapLen     int
	ring        ringLayout
	pollTimeout time.Duration
	filter      string
	appType     uint16

	mu     sync.Mutex
	handle *afpacket.TPacket
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAFPacket validates opts and sizes the ring. The socket is opened by Open.
func NewAFPacket(opts Options) (*AFPacket, error) {
	if opts.Interface == "" {
		return nil, fmt.Errorf("afpacket: interface is required: %w", core.ErrConfigInvalid)
	}
	if opts.SnapLen <= 0 {
		opts.SnapLen = defaultSnapLen
	}
	if opts.BufferSizeMB <= 0 {
		opts.BufferSizeMB = defaultBufferSizeMB
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.AppEtherType == 0 {
		opts.AppEtherType = stack.DefaultAppEtherType
	}
	ring, err := computeRing(opts.BufferSizeMB, opts.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("afpacket: %w", err)
	}
	return &AFPacket{
		iface:       opts.Interface,
		snapLen:     opts.SnapLen,
		ring:        ring,
		pollTimeout: opts.PollTimeout,
		filter:      opts.BPFFilter,
		appType:     opts.AppEtherType,
	}, nil
}

// Open creates the capture socket and installs the frame filter.
func (a *AFPacket) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != nil {
		return nil
	}

	h, err := afpacket.NewTPacket(
		afpacket.OptInterface(a.iface),
		afpacket.OptFrameSize(a.ring.frameSize),
		afpacket.OptBlockSize(a.ring.blockSize),
		afpacket.OptNumBlocks(a.ring.numBlocks),
		afpacket.OptPollTimeout(a.pollTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return fmt.Errorf("afpacket: open %s: %w", a.iface, err)
	}

	prog, err := a.program()
	if err != nil {
		h.Close()
		return err
	}
	if err := h.SetBPF(prog); err != nil {
		h.Close()
		return fmt.Errorf("afpacket: set BPF: %w", err)
	}

	a.handle = h
	slog.Info("afpacket opened", "interface", a.iface,
		"frame_size", a.ring.frameSize, "block_size", a.ring.blockSize, "num_blocks", a.ring.numBlocks)
	return nil
}

// program returns the filter for the socket: the configured expression
// compiled by libpcap, or a built-in one accepting the application type
// tag and resolution frames.
func (a *AFPacket) program() ([]bpf.RawInstruction, error) {
	if a.filter != "" {
		insns, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, a.snapLen, a.filter)
		if err != nil {
			return nil, fmt.Errorf("afpacket: compile BPF filter %q: %w", a.filter, err)
		}
		raw := make([]bpf.RawInstruction, len(insns))
		for i, ins := range insns {
			raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
		}
		slog.Debug("afpacket filter compiled", "filter", a.filter, "instructions", len(raw))
		return raw, nil
	}
	return etherTypeFilter(a.appType, uint32(a.snapLen))
}

// Start launches the capture goroutine.
func (a *AFPacket) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.Base.Start()
	go a.readLoop(ctx, a.handle, a.done)
}

// readLoop reads until ctx is cancelled. Frames are zero-copy views of the
// ring and are only valid during the upper's Recv call.
func (a *AFPacket) readLoop(ctx context.Context, h *afpacket.TPacket, done chan struct{}) {
	defer close(done)
	slog.Info("afpacket capture started", "interface", a.iface)
	for {
		select {
		case <-ctx.Done():
			slog.Info("afpacket capture stopped", "interface", a.iface)
			return
		default:
		}

		data, _, err := h.ZeroCopyReadPacketData()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("afpacket capture stopped", "interface", a.iface)
				return
			}
			// Poll timeouts and EINTR: retry.
			continue
		}
		if up := a.Upper(); up != nil {
			up.Recv(data)
		}
	}
}

// Send writes one frame to the interface.
func (a *AFPacket) Send(frame []byte) bool {
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	if h == nil {
		return false
	}
	if err := h.WritePacketData(frame); err != nil {
		metrics.TransportErrorsTotal.WithLabelValues(KindAFPacket, "write").Inc()
		slog.Warn("afpacket write failed", "interface", a.iface, "error", err)
		return false
	}
	return true
}

// Stop ends the capture goroutine and waits for it. The handle stays open.
func (a *AFPacket) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	a.Base.Stop()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops capture and releases the socket. The handle is closed only
// after the read loop has returned, so the mmap ring is never unmapped
// under a reader.
func (a *AFPacket) Close() error {
	a.Stop()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != nil {
		a.handle.Close()
		a.handle = nil
	}
	return nil
}
