package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/metrics"
	"github.com/Peap1ant/Chatting-Program-testing/internal/stack"
)

const (
	wsDialTimeout  = 10 * time.Second
	wsWriteTimeout = 5 * time.Second
	wsMaxFrame     = 64 << 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsPeer is one connection on a WSHub. Writes are serialized because a
// gorilla connection supports one concurrent writer.
type wsPeer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *wsPeer) write(frame []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// WSHub is a broadcast medium over WebSocket for hosts that cannot open
// raw sockets. Every binary message from one peer is relayed to all others.
type WSHub struct {
	mu    sync.RWMutex
	peers map[*wsPeer]struct{}
}

func NewWSHub() *WSHub {
	return &WSHub{peers: make(map[*wsPeer]struct{})}
}

// ServeHTTP upgrades the request and relays frames until the peer leaves.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("wshub upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(wsMaxFrame)
	p := &wsPeer{conn: conn}

	h.mu.Lock()
	h.peers[p] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()
	slog.Info("wshub peer joined", "remote", r.RemoteAddr, "peers", n)

	defer func() {
		h.mu.Lock()
		delete(h.peers, p)
		n := len(h.peers)
		h.mu.Unlock()
		conn.Close()
		slog.Info("wshub peer left", "remote", r.RemoteAddr, "peers", n)
	}()

	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		h.relay(p, frame)
	}
}

func (h *WSHub) relay(from *wsPeer, frame []byte) {
	h.mu.RLock()
	targets := make([]*wsPeer, 0, len(h.peers))
	for p := range h.peers {
		if p != from {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		if err := p.write(frame); err != nil {
			metrics.TransportErrorsTotal.WithLabelValues("wshub", "write").Inc()
			slog.Debug("wshub relay failed", "error", err)
		}
	}
}

// Peers returns the number of connected peers.
func (h *WSHub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// WebSocket is a transport that exchanges frames with a WSHub.
type WebSocket struct {
	stack.Base

	url string

	mu   sync.Mutex
	peer *wsPeer
	done chan struct{}
}

// NewWebSocket creates a client transport for the hub at url (ws:// or wss://).
func NewWebSocket(url string) (*WebSocket, error) {
	if url == "" {
		return nil, fmt.Errorf("websocket: url is required: %w", core.ErrConfigInvalid)
	}
	return &WebSocket{url: url}, nil
}

// Open dials the hub and starts the read goroutine. Frames that arrive
// while the transport is not running are discarded.
func (w *WebSocket) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.peer != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsDialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("websocket: dial %s: %w", w.url, err)
	}
	conn.SetReadLimit(wsMaxFrame)

	w.peer = &wsPeer{conn: conn}
	w.done = make(chan struct{})
	go w.readLoop(conn, w.done)
	slog.Info("websocket transport connected", "url", w.url)
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				slog.Debug("websocket read ended", "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage || !w.Running() {
			continue
		}
		if up := w.Upper(); up != nil {
			up.Recv(frame)
		}
	}
}

// Send writes one frame as a binary message.
func (w *WebSocket) Send(frame []byte) bool {
	w.mu.Lock()
	p := w.peer
	w.mu.Unlock()
	if p == nil {
		return false
	}
	if err := p.write(frame); err != nil {
		metrics.TransportErrorsTotal.WithLabelValues(KindWebSocket, "write").Inc()
		slog.Warn("websocket write failed", "error", err)
		return false
	}
	return true
}

// Close says goodbye to the hub and waits for the read goroutine.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	p, done := w.peer, w.done
	w.peer, w.done = nil, nil
	w.mu.Unlock()
	if p == nil {
		return core.ErrTransportClosed
	}
	w.Stop()

	p.wmu.Lock()
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	p.wmu.Unlock()
	err := p.conn.Close()
	<-done
	return err
}
