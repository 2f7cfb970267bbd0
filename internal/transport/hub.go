package transport

import (
	"log/slog"
	"sync"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/metrics"
	"github.com/Peap1ant/Chatting-Program-testing/internal/stack"
)

const portQueueLen = 1024

// Hub is an in-memory broadcast medium: a frame sent on one port is copied
// to every other attached port. Filtering is left to the framing layer,
// as on a shared Ethernet segment.
type Hub struct {
	mu    sync.RWMutex
	ports map[*HubPort]struct{}
}

func NewHub() *Hub {
	return &Hub{ports: make(map[*HubPort]struct{})}
}

// Port creates a transport attached to the hub. It must be opened before
// it receives frames.
func (h *Hub) Port() *HubPort {
	return &HubPort{hub: h}
}

func (h *Hub) attach(p *HubPort) {
	h.mu.Lock()
	h.ports[p] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) detach(p *HubPort) {
	h.mu.Lock()
	delete(h.ports, p)
	h.mu.Unlock()
}

func (h *Hub) broadcast(from *HubPort, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.ports {
		if p == from {
			continue
		}
		p.enqueue(append([]byte(nil), frame...))
	}
}

// HubPort is one station on a Hub. Each port delivers from its own
// goroutine, like a capture thread.
type HubPort struct {
	stack.Base

	hub *Hub

	mu     sync.Mutex
	queue  chan []byte
	closed chan struct{}
	done   chan struct{}
}

// Open attaches the port and starts its delivery goroutine. Frames that
// arrive while the port is not running are discarded.
func (p *HubPort) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue != nil {
		return nil
	}
	p.queue = make(chan []byte, portQueueLen)
	p.closed = make(chan struct{})
	p.done = make(chan struct{})
	go p.deliverLoop(p.queue, p.closed, p.done)
	p.hub.attach(p)
	return nil
}

func (p *HubPort) deliverLoop(queue <-chan []byte, closed, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-closed:
			return
		case frame := <-queue:
			if !p.Running() {
				continue
			}
			if up := p.Upper(); up != nil {
				up.Recv(frame)
			}
		}
	}
}

func (p *HubPort) enqueue(frame []byte) {
	if !p.Running() {
		metrics.Drop("transport", "not_running")
		return
	}
	p.mu.Lock()
	queue := p.queue
	p.mu.Unlock()
	if queue == nil {
		return
	}
	select {
	case queue <- frame:
	default:
		metrics.Drop("transport", "queue_full")
		slog.Debug("hub port queue full, frame dropped")
	}
}

// Send copies frame to every other port on the hub.
func (p *HubPort) Send(frame []byte) bool {
	p.mu.Lock()
	open := p.queue != nil
	p.mu.Unlock()
	if !open {
		return false
	}
	p.hub.broadcast(p, frame)
	return true
}

// Close detaches the port and stops its goroutine.
func (p *HubPort) Close() error {
	p.hub.detach(p)
	p.mu.Lock()
	closed, done := p.closed, p.done
	p.queue, p.closed, p.done = nil, nil, nil
	p.mu.Unlock()
	if closed == nil {
		return core.ErrTransportClosed
	}
	p.Stop()
	close(closed)
	<-done
	return nil
}
