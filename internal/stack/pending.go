package stack

import (
	"sync"
	"time"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
)

// pendingEntry tracks one outstanding resolution target.
type pendingEntry struct {
	attempts  int
	nextRetry time.Time
	deadline  time.Time
	waiters   []chan core.LinkAddr
}

// pendingTable holds resolution requests awaiting a reply. Entries are
// settled by a reply, retried by Sweep until maxRetries, then expired.
type pendingTable struct {
	mu            sync.Mutex
	entries       map[core.NetAddr]*pendingEntry
	retryInterval time.Duration
	maxRetries    int
}

func newPendingTable(retryInterval time.Duration, maxRetries int) *pendingTable {
	return &pendingTable{
		entries:       make(map[core.NetAddr]*pendingEntry),
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
	}
}

// begin registers target and reports true if a request should go out now.
// A target already pending reports false: no redundant request.
func (p *pendingTable) begin(target core.NetAddr, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[target]; ok {
		return false
	}
	p.entries[target] = &pendingEntry{
		attempts:  1,
		nextRetry: now.Add(p.retryInterval),
		deadline:  now.Add(p.retryInterval * time.Duration(p.maxRetries+1)),
	}
	return true
}

// wait returns a channel that yields the resolved address, or is closed
// empty on expiry. It returns nil when target is not pending.
func (p *pendingTable) wait(target core.NetAddr) <-chan core.LinkAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[target]
	if !ok {
		return nil
	}
	ch := make(chan core.LinkAddr, 1)
	e.waiters = append(e.waiters, ch)
	return ch
}

// settle resolves target and wakes its waiters. It reports whether the
// target was pending.
func (p *pendingTable) settle(target core.NetAddr, mac core.LinkAddr) bool {
	p.mu.Lock()
	e, ok := p.entries[target]
	delete(p.entries, target)
	p.mu.Unlock()
	if !ok {
		return false
	}
	for _, ch := range e.waiters {
		ch <- mac
		close(ch)
	}
	return true
}

// cancel drops target without resolving it.
func (p *pendingTable) cancel(target core.NetAddr) {
	p.mu.Lock()
	e, ok := p.entries[target]
	delete(p.entries, target)
	p.mu.Unlock()
	if ok {
		for _, ch := range e.waiters {
			close(ch)
		}
	}
}

// due returns the targets to re-request at now and the number of entries
// that expired. Expired entries are removed and their waiters released.
func (p *pendingTable) due(now time.Time) (retry []core.NetAddr, expired int) {
	var released []chan core.LinkAddr

	p.mu.Lock()
	for target, e := range p.entries {
		switch {
		case !now.Before(e.deadline):
			delete(p.entries, target)
			released = append(released, e.waiters...)
			expired++
		case !now.Before(e.nextRetry) && e.attempts <= p.maxRetries:
			e.attempts++
			e.nextRetry = now.Add(p.retryInterval)
			retry = append(retry, target)
		}
	}
	p.mu.Unlock()

	for _, ch := range released {
		close(ch)
	}
	return retry, expired
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
