// Package transport implements raw frame media underneath the layer chain.
package transport

import (
	"fmt"
	"time"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/stack"
)

// Transport kinds.
const (
	KindAFPacket  = "afpacket"
	KindWebSocket = "websocket"
)

// Transport is the bottom of the chain. Send hands a complete link frame
// to the medium; a capture goroutine started by Start pushes every
// observed frame to the upper receiver until Stop.
type Transport interface {
	stack.Layer
	// Open acquires the medium. It must be called before Start.
	Open() error
	// Close releases the medium. Start is not allowed afterwards.
	Close() error
}

// Options configures a transport.
type Options struct {
	Kind         string
	Interface    string
	SnapLen      int
	BufferSizeMB int
	PollTimeout  time.Duration
	BPFFilter    string
	AppEtherType uint16
	WSURL        string
	RecordPcap   string
}

// New creates the transport selected by opts.Kind, wrapped in a Recorder
// when RecordPcap is set.
func New(opts Options) (Transport, error) {
	var (
		t   Transport
		err error
	)
	switch opts.Kind {
	case KindAFPacket, "":
		t, err = NewAFPacket(opts)
	case KindWebSocket:
		t, err = NewWebSocket(opts.WSURL)
	default:
		return nil, fmt.Errorf("transport kind %q: %w", opts.Kind, core.ErrConfigInvalid)
	}
	if err != nil {
		return nil, err
	}
	if opts.RecordPcap != "" {
		return NewRecorder(t, opts.RecordPcap, opts.SnapLen)
	}
	return t, nil
}
