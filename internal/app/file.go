package app

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/stack"
)

const (
	// DefaultFileName replaces names that are empty or unusable after
	// stripping directories.
	DefaultFileName = "unknown_file.bin"
	// DefaultDownloadDir is relative to the working directory.
	DefaultDownloadDir = "files"

	fileNameLenSize = 4
)

// ReceivedFile describes a file written to the download directory.
type ReceivedFile struct {
	Name string
	Path string
	Size int
	At   time.Time
}

// EncodeFile builds name_len(u32 BE) ‖ name ‖ content.
func EncodeFile(name string, content []byte) []byte {
	out := make([]byte, fileNameLenSize, fileNameLenSize+len(name)+len(content))
	binary.BigEndian.PutUint32(out, uint32(len(name)))
	out = append(out, name...)
	return append(out, content...)
}

// DecodeFile splits a file payload into its name and content.
func DecodeFile(data []byte) (string, []byte, error) {
	if len(data) < fileNameLenSize {
		return "", nil, fmt.Errorf("%d bytes: %w", len(data), core.ErrMalformedFile)
	}
	n := uint64(binary.BigEndian.Uint32(data))
	if uint64(len(data)-fileNameLenSize) < n {
		return "", nil, fmt.Errorf("name length %d exceeds payload: %w", n, core.ErrMalformedFile)
	}
	name := strings.ToValidUTF8(string(data[fileNameLenSize:fileNameLenSize+n]), "")
	return name, data[fileNameLenSize+n:], nil
}

// safeName keeps only the final path element of a peer-supplied name.
func safeName(name string) string {
	name = strings.TrimSpace(filepath.Base(filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))))
	switch name {
	case "", ".", "..", string(filepath.Separator):
		return DefaultFileName
	}
	return name
}

// FileApp transfers whole files as single fragmented payloads.
type FileApp struct {
	stack.Base

	dir string

	mu      sync.RWMutex
	handler func(ReceivedFile)
}

// NewFileApp creates a file consumer saving into dir. handler may be nil.
func NewFileApp(dir string, handler func(ReceivedFile)) *FileApp {
	if dir == "" {
		dir = DefaultDownloadDir
	}
	return &FileApp{dir: dir, handler: handler}
}

// OnFile replaces the receive handler.
func (f *FileApp) OnFile(h func(ReceivedFile)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

// Dir returns the download directory.
func (f *FileApp) Dir() string { return f.dir }

// SendFile reads path and sends it under its base name. The call blocks
// until every fragment was handed down or ctx is done.
func (f *FileApp) SendFile(ctx context.Context, path string) error {
	lower := f.Lower()
	if lower == nil {
		return core.ErrNoLowerLayer
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	name := filepath.Base(path)
	payload := EncodeFile(name, content)

	slog.Info("file: sending", "name", name, "bytes", len(content))
	if cs, ok := lower.(contextSender); ok {
		if err := cs.SendContext(ctx, payload); err != nil {
			return fmt.Errorf("send %s: %w", name, err)
		}
	} else if !lower.Send(payload) {
		return fmt.Errorf("send %s: %w", name, core.ErrSendFailed)
	}
	slog.Info("file: sent", "name", name)
	return nil
}

// Recv saves a received file. Malformed payloads are dropped.
func (f *FileApp) Recv(data []byte) bool {
	name, content, err := DecodeFile(data)
	if err != nil {
		slog.Warn("file: dropped payload", "error", err)
		return false
	}
	name = safeName(name)

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		slog.Error("file: create download dir", "dir", f.dir, "error", err)
		return false
	}
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		slog.Error("file: save failed", "path", path, "error", err)
		return false
	}
	slog.Info("file: saved", "path", path, "bytes", len(content))

	f.mu.RLock()
	h := f.handler
	f.mu.RUnlock()
	if h != nil {
		h(ReceivedFile{Name: name, Path: path, Size: len(content), At: time.Now()})
	}
	return true
}
