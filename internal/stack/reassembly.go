package stack

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Peap1ant/Chatting-Program-testing/internal/core"
	"github.com/Peap1ant/Chatting-Program-testing/internal/metrics"
)

const (
	defaultReassemblyTimeout = 30 * time.Second
	defaultMaxGroups         = 256
	defaultMaxPayload        = 64 << 20
	defaultMaxFragments      = 1 << 16

	// completedPerGroup sizes the completed-group memory relative to MaxGroups.
	completedPerGroup = 16
)

// ReassemblyConfig bounds the memory held by incomplete groups.
type ReassemblyConfig struct {
	Timeout      time.Duration // Age after which an incomplete group is discarded (default 30s)
	MaxGroups    int           // Concurrent incomplete groups; the oldest is evicted beyond this (default 256)
	MaxPayload   int           // Largest reassembled payload in bytes (default 64 MiB)
	MaxFragments int           // Fragments per group (default 65536)
}

// groupKey identifies a fragment group.
type groupKey struct {
	src   core.NetAddr
	group uint16
}

// chunk is one received fragment payload at its byte offset.
type chunk struct {
	offset uint32
	data   []byte
}

// fragmentGroup collects the fragments of one payload in arrival order.
type fragmentGroup struct {
	chunks     []chunk
	seen       map[uint32]struct{}
	received   uint64
	total      uint64
	totalKnown bool
	created    time.Time
}

// Reassembler rebuilds payloads from fragments arriving in any order.
// Incomplete groups expire Timeout after their first fragment, either by
// Sweep or lazily on the next Add. Completed groups are remembered for
// Timeout so late duplicates are ignored instead of starting a new group.
type Reassembler struct {
	mu        sync.Mutex
	groups    map[groupKey]*fragmentGroup
	completed map[groupKey]time.Time
	config    ReassemblyConfig
}

// NewReassembler creates a reassembler with defaults applied.
func NewReassembler(cfg ReassemblyConfig) *Reassembler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultReassemblyTimeout
	}
	if cfg.MaxGroups <= 0 {
		cfg.MaxGroups = defaultMaxGroups
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = defaultMaxPayload
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = defaultMaxFragments
	}
	return &Reassembler{
		groups:    make(map[groupKey]*fragmentGroup),
		completed: make(map[groupKey]time.Time),
		config:    cfg,
	}
}

// Add records one fragment. It returns:
//   - (payload, true, nil) when the group completed with this fragment
//   - (nil, false, nil) while the group is still incomplete, or for a duplicate
//   - (nil, false, err) when the fragment breaks a limit or contradicts the
//     group; the group is discarded
func (r *Reassembler) Add(f *Fragment, now time.Time) ([]byte, bool, error) {
	end := uint64(f.Offset) + uint64(f.Length)
	if end > uint64(r.config.MaxPayload) {
		return nil, false, fmt.Errorf("fragment end %d exceeds %d: %w", end, r.config.MaxPayload, core.ErrPayloadTooLarge)
	}

	key := groupKey{src: f.Src, group: f.Group}

	r.mu.Lock()
	defer r.mu.Unlock()

	if doneAt, seen := r.completed[key]; seen {
		if now.Sub(doneAt) <= r.config.Timeout {
			metrics.Drop("fragment", "stale")
			return nil, false, nil
		}
		delete(r.completed, key)
	}

	g, ok := r.groups[key]
	if ok && now.Sub(g.created) > r.config.Timeout {
		r.discard(key, "expired")
		ok = false
	}
	if !ok {
		if len(r.groups) >= r.config.MaxGroups {
			r.evictOldest()
		}
		g = &fragmentGroup{seen: make(map[uint32]struct{}), created: now}
		r.groups[key] = g
		metrics.ReassemblyActiveGroups.Inc()
	}

	if _, dup := g.seen[f.Offset]; dup {
		return nil, false, nil
	}
	if len(g.chunks) >= r.config.MaxFragments {
		r.discard(key, "evicted")
		return nil, false, fmt.Errorf("group %d from %s: %w", f.Group, f.Src, core.ErrReassemblyLimit)
	}

	if !f.More {
		if g.totalKnown && g.total != end {
			r.discard(key, "corrupt")
			return nil, false, fmt.Errorf("group %d from %s: conflicting total length: %w", f.Group, f.Src, core.ErrReassemblyCorrupt)
		}
		g.total, g.totalKnown = end, true
	}
	if g.totalKnown && end > g.total {
		r.discard(key, "corrupt")
		return nil, false, fmt.Errorf("group %d from %s: fragment beyond end: %w", f.Group, f.Src, core.ErrReassemblyCorrupt)
	}

	// The caller's buffer may be reused by the transport.
	data := make([]byte, len(f.Payload))
	copy(data, f.Payload)
	g.chunks = append(g.chunks, chunk{offset: f.Offset, data: data})
	g.seen[f.Offset] = struct{}{}
	g.received += uint64(f.Length)

	if !g.totalKnown || g.received != g.total {
		return nil, false, nil
	}

	payload, err := g.assemble()
	if err != nil {
		r.discard(key, "corrupt")
		return nil, false, fmt.Errorf("group %d from %s: %w", f.Group, f.Src, err)
	}
	delete(r.groups, key)
	r.remember(key, now)
	metrics.ReassemblyActiveGroups.Dec()
	metrics.ReassemblyGroupsTotal.WithLabelValues("completed").Inc()
	return payload, true, nil
}

// assemble sorts chunks by offset and concatenates them, checking that
// they tile [0, total) exactly.
func (g *fragmentGroup) assemble() ([]byte, error) {
	slices.SortFunc(g.chunks, func(a, b chunk) int {
		switch {
		case a.offset < b.offset:
			return -1
		case a.offset > b.offset:
			return 1
		}
		return 0
	})
	out := make([]byte, 0, g.total)
	for _, c := range g.chunks {
		if uint64(c.offset) != uint64(len(out)) {
			return nil, core.ErrReassemblyCorrupt
		}
		out = append(out, c.data...)
	}
	return out, nil
}

// discard drops a group. Must be called with r.mu held.
func (r *Reassembler) discard(key groupKey, outcome string) {
	if _, ok := r.groups[key]; !ok {
		return
	}
	delete(r.groups, key)
	metrics.ReassemblyActiveGroups.Dec()
	metrics.ReassemblyGroupsTotal.WithLabelValues(outcome).Inc()
}

// evictOldest drops the group created first. Must be called with r.mu held.
func (r *Reassembler) evictOldest() {
	var (
		oldest groupKey
		when   time.Time
		found  bool
	)
	for k, g := range r.groups {
		if !found || g.created.Before(when) {
			oldest, when, found = k, g.created, true
		}
	}
	if found {
		slog.Debug("fragment: evicting oldest incomplete group", "src", oldest.src, "group", oldest.group)
		r.discard(oldest, "evicted")
	}
}

// remember records a completed group, bounded to a multiple of MaxGroups.
// Must be called with r.mu held.
func (r *Reassembler) remember(key groupKey, now time.Time) {
	if len(r.completed) >= r.config.MaxGroups*completedPerGroup {
		var (
			oldest groupKey
			when   time.Time
			found  bool
		)
		for k, t := range r.completed {
			if !found || t.Before(when) {
				oldest, when, found = k, t, true
			}
		}
		delete(r.completed, oldest)
	}
	r.completed[key] = now
}

// Sweep discards groups older than the timeout and returns how many.
// Completed-group records past the timeout are pruned as well.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, t := range r.completed {
		if now.Sub(t) > r.config.Timeout {
			delete(r.completed, k)
		}
	}

	expired := 0
	for k, g := range r.groups {
		if now.Sub(g.created) > r.config.Timeout {
			r.discard(k, "expired")
			expired++
		}
	}
	return expired
}

// Len returns the number of incomplete groups.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}
