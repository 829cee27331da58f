package lock

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/util"
)

type Options struct {
	// LeaseTTL bounds how long a lock entry is honoured. Zero means entries
	// never expire and are only removed by Unlock.
	LeaseTTL time.Duration
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

// Store is this node's view of which peers are mid-join somewhere in the
// network. It is bookkeeping only: nothing here is atomic across nodes.
type Store struct {
	mu   sync.Mutex
	held map[string]time.Time // peer -> lock time

	ttl   time.Duration
	clock util.Clock
	log   *zap.SugaredLogger
}

func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	return &Store{
		held:  make(map[string]time.Time),
		ttl:   opts.LeaseTTL,
		clock: opts.Clock,
		log:   util.OrNop(opts.Logger),
	}
}

// Lock records peer as holding a lock. Locking again refreshes the lease.
func (s *Store) Lock(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held[peer] = s.clock.Now()
	s.log.Infow("peer_locked", "peer", peer, "held", len(s.held))
}

func (s *Store) Unlock(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.held, peer)
	s.log.Infow("peer_unlocked", "peer", peer, "held", len(s.held))
}

// AnyLocked reports whether at least one peer currently holds a lock.
func (s *Store) AnyLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return len(s.held) > 0
}

// Held returns the locked peers in sorted order.
func (s *Store) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	out := make([]string, 0, len(s.held))
	for p := range s.held {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// expireLocked drops entries older than the lease. Caller holds mu.
func (s *Store) expireLocked() {
	if s.ttl <= 0 {
		return
	}
	now := s.clock.Now()
	for p, at := range s.held {
		if now.Sub(at) >= s.ttl {
			delete(s.held, p)
			s.log.Warnw("lock_lease_expired", "peer", p, "age", now.Sub(at))
		}
	}
}
