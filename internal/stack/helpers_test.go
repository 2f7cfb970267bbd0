package stack

import (
	"sync"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
)

// recordingLayer is a bottom-of-chain fake that records every send and
// can push frames up to whatever sits on top of it.
type recordingLayer struct {
	Base
	mu     sync.Mutex
	sent   [][]byte
	refuse bool
}

func (r *recordingLayer) Send(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse {
		return false
	}
	r.sent = append(r.sent, append([]byte(nil), data...))
	return true
}

func (r *recordingLayer) frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.sent...)
}

func (r *recordingLayer) reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

// inject pushes a raw frame up the chain as a transport would.
func (r *recordingLayer) inject(frame []byte) bool {
	return r.deliver(frame)
}

// sink is an upper receiver that records deliveries.
type sink struct {
	mu   sync.Mutex
	got  [][]byte
	fail bool
}

func (s *sink) Recv(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, append([]byte(nil), data...))
	return !s.fail
}

func (s *sink) deliveries() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.got...)
}

var (
	macA = core.MustParseLinkAddr("aa:aa:aa:aa:aa:aa")
	macB = core.MustParseLinkAddr("bb:bb:bb:bb:bb:bb")
	macC = core.MustParseLinkAddr("cc:cc:cc:cc:cc:cc")

	ipA = core.MustParseNetAddr("10.0.0.1")
	ipB = core.MustParseNetAddr("10.0.0.2")
)

// ethFrame builds a raw link frame without padding.
func ethFrame(dst, src core.LinkAddr, etherType uint16, payload []byte) []byte {
	f := make([]byte, 0, EthernetHeaderLen+len(payload))
	f = append(f, dst[:]...)
	f = append(f, src[:]...)
	f = append(f, byte(etherType>>8), byte(etherType))
	return append(f, payload...)
}
