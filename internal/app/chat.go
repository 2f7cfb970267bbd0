// Package app implements the consumers multiplexed over the fragmentation
// layer: console chat and file transfer.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/stack"
)

// Protocol ids on the fragmentation layer.
const (
	ProtoChat uint8 = 0xEE
	ProtoFile uint8 = 0xEF
)

// Message is a received chat line.
type Message struct {
	From string // Nickname from the "[nick]: " prefix, empty if absent
	Text string
	At   time.Time
}

// contextSender is implemented by fragmentation endpoints.
type contextSender interface {
	SendContext(ctx context.Context, data []byte) error
}

// Chat sends and receives "[nick]: text" lines as UTF-8.
type Chat struct {
	stack.Base

	mu       sync.RWMutex
	nickname string
	handler  func(Message)
}

// NewChat creates a chat consumer. handler may be nil.
func NewChat(nickname string, handler func(Message)) *Chat {
	if nickname == "" {
		nickname = "User"
	}
	return &Chat{nickname: nickname, handler: handler}
}

func (c *Chat) SetNickname(nick string) {
	c.mu.Lock()
	c.nickname = nick
	c.mu.Unlock()
}

func (c *Chat) Nickname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nickname
}

// OnMessage replaces the receive handler.
func (c *Chat) OnMessage(h func(Message)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Say sends text prefixed with the nickname.
func (c *Chat) Say(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return core.ErrEmptyMessage
	}
	lower := c.Lower()
	if lower == nil {
		return core.ErrNoLowerLayer
	}
	line := []byte(fmt.Sprintf("[%s]: %s", c.Nickname(), text))
	if cs, ok := lower.(contextSender); ok {
		return cs.SendContext(ctx, line)
	}
	if !lower.Send(line) {
		return core.ErrSendFailed
	}
	return nil
}

// Recv decodes a chat line. Invalid UTF-8 is replaced rather than rejected.
func (c *Chat) Recv(data []byte) bool {
	text := strings.ToValidUTF8(string(data), "�")
	if text == "" {
		return false
	}
	msg := parseLine(text)
	msg.At = time.Now()
	slog.Debug("chat: message received", "from", msg.From, "bytes", len(data))

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h != nil {
		h(msg)
	}
	return true
}

func parseLine(line string) Message {
	if strings.HasPrefix(line, "[") {
		if end := strings.Index(line, "]: "); end > 0 {
			return Message{From: line[1:end], Text: line[end+3:]}
		}
	}
	return Message{Text: line}
}
