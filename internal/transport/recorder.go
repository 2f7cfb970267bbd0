package transport

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/Peap1ant/Chatting-Program-testing/internal/stack"
)

// Recorder wraps a transport and appends every frame it sends or delivers
// to a pcap file readable by Wireshark or tcpdump.
type Recorder struct {
	inner Transport
	upper stack.Receiver

	mu      sync.Mutex
	file    *os.File
	w       *pcapgo.Writer
	snapLen int
}

// NewRecorder creates path and writes the pcap file header.
func NewRecorder(inner Transport, path string, snapLen int) (*Recorder, error) {
	if snapLen <= 0 {
		snapLen = 65536
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(uint32(snapLen), layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("recorder: write header: %w", err)
	}
	r := &Recorder{inner: inner, file: f, w: w, snapLen: snapLen}
	inner.SetUpper(r)
	slog.Info("recording frames", "path", path)
	return r, nil
}

func (r *Recorder) record(frame []byte) {
	n := min(len(frame), r.snapLen)
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: n,
		Length:        len(frame),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return
	}
	if err := r.w.WritePacket(ci, frame[:n]); err != nil {
		slog.Debug("recorder write failed", "error", err)
	}
}

// Send records and forwards a frame; only frames the medium accepted are recorded.
func (r *Recorder) Send(frame []byte) bool {
	ok := r.inner.Send(frame)
	if ok {
		r.record(frame)
	}
	return ok
}

// Recv records a frame from the medium and passes it up.
func (r *Recorder) Recv(frame []byte) bool {
	r.record(frame)
	r.mu.Lock()
	up := r.upper
	r.mu.Unlock()
	if up == nil {
		return false
	}
	return up.Recv(frame)
}

func (r *Recorder) SetUpper(up stack.Receiver) {
	r.mu.Lock()
	r.upper = up
	r.mu.Unlock()
}

func (r *Recorder) SetLower(l stack.Layer) {}

func (r *Recorder) Open() error { return r.inner.Open() }

func (r *Recorder) Start() { r.inner.Start() }

func (r *Recorder) Stop() { r.inner.Stop() }

// Close closes the wrapped transport, then the capture file.
func (r *Recorder) Close() error {
	err := r.inner.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file, r.w = nil, nil
	}
	return err
}
