//go:build !linux || !cgo

package transport

import (
	"fmt"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
)

// AFPacket is unavailable on this platform.
type AFPacket struct{ Transport }

// NewAFPacket reports that raw sockets need a cgo-enabled linux build.
func NewAFPacket(Options) (*AFPacket, error) {
	return nil, fmt.Errorf("afpacket: requires linux with cgo, use the websocket transport: %w", core.ErrConfigInvalid)
}
