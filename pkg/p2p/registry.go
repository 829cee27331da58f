package p2p

import (
	"slices"
	"sync"
	"time"

	"github.com/uhyunpark/peerbook/pkg/directory"
	"github.com/uhyunpark/peerbook/pkg/util"
)

// registry is the local view of who provides what, built from received
// announcements. Entries not refreshed within ttl are ignored and pruned.
type registry struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   util.Clock
	entries map[directory.Endpoint]entry
	changed chan struct{} // closed and replaced on every update
}

type entry struct {
	seq      uint64
	seen     time.Time
	services map[string]struct{}
}

func newRegistry(ttl time.Duration, clock util.Clock) *registry {
	return &registry{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[directory.Endpoint]entry),
		changed: make(chan struct{}),
	}
}

// update records from's announcement. Announcements older than the one
// already held are dropped; it reports whether the entry changed.
func (r *registry) update(from directory.Endpoint, seq uint64, services []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[from]; ok && cur.seq >= seq {
		return false
	}
	set := make(map[string]struct{}, len(services))
	for _, s := range services {
		set[s] = struct{}{}
	}
	r.entries[from] = entry{seq: seq, seen: r.clock.Now(), services: set}

	close(r.changed)
	r.changed = make(chan struct{})
	return true
}

func (r *registry) forget(ep directory.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, ep)
}

// providers returns the live providers of service, sorted.
func (r *registry) providers(service string) []directory.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var out []directory.Endpoint
	for ep, e := range r.entries {
		if r.expired(e, now) {
			continue
		}
		if _, ok := e.services[service]; ok {
			out = append(out, ep)
		}
	}
	slices.Sort(out)
	return out
}

// prune drops expired entries and returns how many were removed.
func (r *registry) prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	n := 0
	for ep, e := range r.entries {
		if r.expired(e, now) {
			delete(r.entries, ep)
			n++
		}
	}
	return n
}

// changes returns a channel closed at the next update.
func (r *registry) changes() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

func (r *registry) expired(e entry, now time.Time) bool {
	return r.ttl > 0 && now.Sub(e.seen) > r.ttl
}
