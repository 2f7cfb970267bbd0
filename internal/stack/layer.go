// Package stack implements the layer chain: Ethernet-style framing, address
// resolution and fragmentation/multiplexing over a raw frame transport.
package stack

import (
	"sync"
	"sync/atomic"
)

// Sender accepts a payload travelling down the chain.
type Sender interface {
	Send(data []byte) bool
}

// Receiver accepts a payload travelling up the chain.
type Receiver interface {
	Recv(data []byte) bool
}

// Layer is one node of the chain.
//
// The lower neighbor is owned: constructors take it and sends flow into it.
// The upper neighbor is only a registered Receiver used to push received
// bytes up; it is never used for ownership or teardown.
type Layer interface {
	Sender
	Receiver
	SetUpper(r Receiver)
	SetLower(l Layer)
	Start()
	Stop()
}

// Base carries neighbor wiring and the running flag. Concrete layers embed
// it and override Send/Recv; the defaults are no-ops that report failure.
type Base struct {
	mu      sync.RWMutex
	upper   Receiver
	lower   Layer
	running atomic.Bool
}

// SetUpper registers the receiver for upward delivery. Last call wins.
func (b *Base) SetUpper(r Receiver) {
	b.mu.Lock()
	b.upper = r
	b.mu.Unlock()
}

// SetLower sets the downstream neighbor. Last call wins.
func (b *Base) SetLower(l Layer) {
	b.mu.Lock()
	b.lower = l
	b.mu.Unlock()
}

func (b *Base) Upper() Receiver {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.upper
}

func (b *Base) Lower() Layer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lower
}

func (b *Base) Send([]byte) bool { return false }

func (b *Base) Recv([]byte) bool { return false }

// Start marks the layer running and cascades to the lower neighbor, so a
// single call at the top of the chain activates the transport.
func (b *Base) Start() {
	b.running.Store(true)
	if l := b.Lower(); l != nil {
		l.Start()
	}
}

// Stop clears the running flag and cascades downward.
func (b *Base) Stop() {
	b.running.Store(false)
	if l := b.Lower(); l != nil {
		l.Stop()
	}
}

func (b *Base) Running() bool { return b.running.Load() }

// deliver pushes data to the upper receiver, reporting false if none is set.
func (b *Base) deliver(data []byte) bool {
	u := b.Upper()
	if u == nil {
		return false
	}
	return u.Recv(data)
}

// link wires upper on top of lower in both directions.
func link(upper Layer, lower Layer) {
	if lower == nil {
		return
	}
	upper.SetLower(lower)
	lower.SetUpper(upper)
}
