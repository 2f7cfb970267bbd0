package stack

import (
	"sync"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
)

// bindingTable is a mutex-guarded NetAddr → LinkAddr map with
// last-write-wins semantics. The lock is held only for the map access.
type bindingTable struct {
	mu sync.RWMutex
	m  map[core.NetAddr]core.LinkAddr
}

func newBindingTable() *bindingTable {
	return &bindingTable{m: make(map[core.NetAddr]core.LinkAddr)}
}

func (t *bindingTable) Get(ip core.NetAddr) (core.LinkAddr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mac, ok := t.m[ip]
	return mac, ok
}

// Set stores the binding and reports whether the key was new.
func (t *bindingTable) Set(ip core.NetAddr, mac core.LinkAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.m[ip]
	t.m[ip] = mac
	return !existed
}

// Delete removes the key and reports whether it was present.
func (t *bindingTable) Delete(ip core.NetAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.m[ip]
	delete(t.m, ip)
	return ok
}

// Clear empties the table and returns how many entries were removed.
func (t *bindingTable) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.m)
	t.m = make(map[core.NetAddr]core.LinkAddr)
	return n
}

// Snapshot returns a copy safe to range over without the lock.
func (t *bindingTable) Snapshot() map[core.NetAddr]core.LinkAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[core.NetAddr]core.LinkAddr, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

func (t *bindingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
