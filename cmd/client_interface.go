package cmd

import (
	"context"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
)

// ChatClient is the node surface the interactive console drives.
type ChatClient interface {
	Say(ctx context.Context, text string) error
	SendFile(ctx context.Context, path string) error
	SetPeer(ip core.NetAddr)
	Peer() core.NetAddr
	SetNickname(nick string)
	Nickname() string
	Resolve(ctx context.Context, ip core.NetAddr) (core.LinkAddr, error)
	Announce() error
	AddProxy(ip core.NetAddr, mac core.LinkAddr)
	RemoveProxy(ip core.NetAddr) bool
	Proxies() map[core.NetAddr]core.LinkAddr
	Cache() map[core.NetAddr]core.LinkAddr
}
