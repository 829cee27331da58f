package node

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/uhyunpark/peerbook/pkg/directory"
	"github.com/uhyunpark/peerbook/pkg/rpc"
	"github.com/uhyunpark/peerbook/pkg/util"
)

// ErrVisibilityTimeout means this node never saw itself among the
// submit-order providers within the configured attempts.
var ErrVisibilityTimeout = errors.New("node: not visible in directory")

// Join runs the bootstrap sequence once:
//
//	request_lock -> announce_self -> await_visibility -> sync_book
//	  -> release_lock -> announce_sync
//
// No step is retried. A failure before release_lock withdraws whatever was
// announced, sends a best-effort unlock to the peers that may have recorded
// the lock, and is returned. release_lock itself is best-effort.
func (n *Node) Join(ctx context.Context) (err error) {
	self := string(n.Self())
	released := false
	defer func() {
		if err == nil {
			return
		}
		n.setPhase(PhaseFailed)
		n.withdraw()
		if !released {
			if _, uerr := n.client.Unlock(context.WithoutCancel(ctx), self); uerr != nil && !directory.IsNoResponders(uerr) {
				n.log.Warnw("abort_unlock_failed", "self", self, "err", uerr)
			}
		}
	}()

	n.setPhase(PhaseRequestLock)
	acks, err := n.client.Lock(ctx, self)
	switch {
	case directory.IsNoResponders(err):
		n.log.Infow("lock_no_responders", "self", self)
	case err != nil:
		return fmt.Errorf("request lock: %w", err)
	default:
		n.log.Infow("lock_acquired", "self", self, "acks", len(acks))
	}

	n.setPhase(PhaseAnnounceSelf)
	if err := n.announce(rpc.MethodSubmitOrder, rpc.MethodLock, rpc.MethodUnlock); err != nil {
		return fmt.Errorf("announce: %w", err)
	}

	n.setPhase(PhaseAwaitVisibility)
	if err := n.awaitVisibility(ctx); err != nil {
		return err
	}

	n.setPhase(PhaseSyncBook)
	if err := n.syncBook(ctx); err != nil {
		return err
	}

	n.setPhase(PhaseReleaseLock)
	released = true
	if acks, err := n.client.Unlock(ctx, self); err != nil {
		n.log.Warnw("unlock_failed", "self", self, "acks", len(acks), "err", err)
	} else {
		n.log.Infow("lock_released", "self", self, "acks", len(acks))
	}

	n.setPhase(PhaseAnnounceSync)
	if err := n.announce(rpc.MethodBookSync); err != nil {
		return fmt.Errorf("announce book-sync: %w", err)
	}

	n.setPhase(PhaseSteadyState)
	return nil
}

// awaitVisibility polls the directory until this node is listed as a
// submit-order provider. A lookup that times out is fatal; any other failed
// lookup only consumes an attempt.
func (n *Node) awaitVisibility(ctx context.Context) error {
	self := n.Self()
	for attempt := 1; attempt <= n.cfg.VisibilityAttempts; attempt++ {
		peers, err := n.dir.Lookup(ctx, rpc.MethodSubmitOrder)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case directory.IsTimeout(err):
			return fmt.Errorf("await visibility: %w", err)
		case err != nil:
			n.log.Infow("visibility_lookup_failed", "attempt", attempt, "err", err)
		case slices.Contains(peers, self):
			n.log.Infow("visibility_confirmed", "attempt", attempt, "providers", len(peers))
			return nil
		default:
			n.log.Infow("visibility_pending", "attempt", attempt, "providers", len(peers))
		}
		if attempt == n.cfg.VisibilityAttempts {
			break
		}
		if err := util.Sleep(ctx, n.clock, n.cfg.VisibilityInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrVisibilityTimeout, n.cfg.VisibilityAttempts)
}

// syncBook seeds the local book from one existing peer. The seed overwrites;
// it never merges with orders received meanwhile.
func (n *Node) syncBook(ctx context.Context) error {
	book, from, err := n.client.SyncBook(ctx, string(n.Self()))
	switch {
	case directory.IsNoResponders(err):
		n.log.Infow("book_sync_no_responders", "book_size", n.book.Size())
		return nil
	case err != nil:
		return fmt.Errorf("sync book: %w", err)
	}
	n.book.Seed(book)
	n.metrics.SetBookSize(n.book.Size())
	n.log.Infow("book_synced", "from", from, "orders", len(book))
	return nil
}
