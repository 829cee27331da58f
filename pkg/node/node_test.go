package node

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/peerbook/pkg/directory"
	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/orderbook"
	"github.com/uhyunpark/peerbook/pkg/rpc"
)

type testNode struct {
	*Node
	book   *orderbook.OrderBook
	locks  *lock.Store
	peer   *directory.Peer
	client *rpc.Client

	mu      sync.Mutex
	methods []string
}

func (tn *testNode) seen() []string {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return append([]string(nil), tn.methods...)
}

func (tn *testNode) reset() {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.methods = nil
}

func sameOrders(t *testing.T, want, got []orderbook.Order) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.True(t, want[i].Price.Equal(got[i].Price), "price %s != %s", got[i].Price, want[i].Price)
		assert.True(t, want[i].Amount.Equal(got[i].Amount), "amount %s != %s", got[i].Amount, want[i].Amount)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VisibilityInterval = time.Millisecond
	cfg.VisibilityAttempts = 3
	return cfg
}

func newTestNode(t *testing.T, net *directory.Network, id string) *testNode {
	t.Helper()
	tn := &testNode{
		book:  orderbook.NewOrderBook(),
		locks: lock.NewStore(lock.Options{}),
	}
	disp := rpc.NewDispatcher(rpc.DispatcherConfig{Book: tn.book, Locks: tn.locks})
	tn.peer = net.Join(directory.Endpoint(id), func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		tn.mu.Lock()
		tn.methods = append(tn.methods, method)
		tn.mu.Unlock()
		return disp.Handle(ctx, method, payload)
	})
	tn.client = rpc.NewClient(tn.peer, tn.peer, time.Second)
	tn.Node = New(testConfig(), Deps{
		Book:   tn.book,
		Locks:  tn.locks,
		Dir:    tn.peer,
		Client: tn.client,
	})
	return tn
}

func lookup(t *testing.T, p *directory.Peer, service string) []directory.Endpoint {
	t.Helper()
	eps, err := p.Lookup(context.Background(), service)
	if directory.IsNoResponders(err) {
		return nil
	}
	require.NoError(t, err)
	return eps
}

func TestJoin_FirstNodeWithNoResponders(t *testing.T) {
	net := directory.NewNetwork()
	a := newTestNode(t, net, "a")

	require.NoError(t, a.Join(context.Background()))

	assert.Equal(t, PhaseSteadyState, a.Phase())
	assert.Equal(t, 0, a.book.Size())
	for _, svc := range []string{rpc.MethodSubmitOrder, rpc.MethodLock, rpc.MethodUnlock, rpc.MethodBookSync} {
		assert.Equal(t, []directory.Endpoint{"a"}, lookup(t, a.peer, svc), svc)
	}
	assert.False(t, a.locks.AnyLocked())
}

func TestJoin_SecondNodeSeedsFromFirst(t *testing.T) {
	net := directory.NewNetwork()
	ctx := context.Background()

	a := newTestNode(t, net, "a")
	require.NoError(t, a.Join(ctx))
	_, err := a.client.SubmitOrder(ctx, decimal.NewFromInt(100), decimal.NewFromInt(5))
	require.NoError(t, err)
	_, err = a.client.SubmitOrder(ctx, decimal.NewFromInt(105), decimal.NewFromInt(-2))
	require.NoError(t, err)
	require.Equal(t, 2, a.book.Size())
	a.reset()

	b := newTestNode(t, net, "b")
	require.NoError(t, b.Join(ctx))

	sameOrders(t, a.book.Bids(), b.book.Bids())
	sameOrders(t, a.book.Asks(), b.book.Asks())

	// a saw b lock, sync, and unlock in that order
	assert.Equal(t, []string{rpc.MethodLock, rpc.MethodBookSync, rpc.MethodUnlock}, a.seen())
	assert.False(t, a.locks.AnyLocked())
	assert.False(t, b.locks.AnyLocked())

	// steady state: one broadcast reaches both replicas
	replies, err := b.client.SubmitOrder(ctx, decimal.NewFromInt(99), decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Len(t, replies, 2)
	assert.Equal(t, 3, a.book.Size())
	assert.Equal(t, 3, b.book.Size())
}

func TestJoin_VisibilityTimeout(t *testing.T) {
	net := directory.NewNetwork()
	a := newTestNode(t, net, "a")
	net.Hide("a", true)

	err := a.Join(context.Background())

	require.ErrorIs(t, err, ErrVisibilityTimeout)
	assert.Equal(t, PhaseFailed, a.Phase())
	net.Hide("a", false)
	assert.Empty(t, lookup(t, a.peer, rpc.MethodSubmitOrder), "announcements withdrawn on failure")
}

func TestJoin_LockFailureIsFatal(t *testing.T) {
	net := directory.NewNetwork()
	bad := net.Join("bad", func(context.Context, string, []byte) ([]byte, error) {
		return nil, errors.New("refused")
	})
	require.NoError(t, bad.Announce(rpc.MethodLock))

	a := newTestNode(t, net, "a")
	err := a.Join(context.Background())

	require.Error(t, err)
	assert.False(t, directory.IsNoResponders(err))
	var re *directory.RemoteError
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, PhaseFailed, a.Phase())
	assert.Empty(t, lookup(t, a.peer, rpc.MethodSubmitOrder))
}

func TestJoin_SyncFailureIsFatal(t *testing.T) {
	net := directory.NewNetwork()
	bad := net.Join("bad", func(context.Context, string, []byte) ([]byte, error) {
		return nil, errors.New("snapshot unavailable")
	})
	require.NoError(t, bad.Announce(rpc.MethodBookSync))

	a := newTestNode(t, net, "a")
	err := a.Join(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync book")
	assert.Equal(t, PhaseFailed, a.Phase())
}

func TestJoin_DeadPeerAbortsLockRequest(t *testing.T) {
	net := directory.NewNetwork()
	a := newTestNode(t, net, "a")
	require.NoError(t, a.Join(context.Background()))
	net.Leave("a") // still announced, no longer answering

	b := newTestNode(t, net, "b")
	err := b.Join(context.Background())

	require.ErrorIs(t, err, directory.ErrUnreachable)
	assert.Contains(t, err.Error(), "request lock")
	assert.Equal(t, PhaseFailed, b.Phase())
}

func TestJoin_UnlockFailureTolerated(t *testing.T) {
	net := directory.NewNetwork()
	flaky := net.Join("flaky", func(_ context.Context, method string, _ []byte) ([]byte, error) {
		if method == rpc.MethodUnlock {
			return nil, errors.New("unlock unavailable")
		}
		return nil, errors.New("unexpected " + method)
	})
	require.NoError(t, flaky.Announce(rpc.MethodUnlock))

	a := newTestNode(t, net, "a")
	require.NoError(t, a.Join(context.Background()))
	assert.Equal(t, PhaseSteadyState, a.Phase())
}

func TestJoin_AbortReleasesRecordedLocks(t *testing.T) {
	net := directory.NewNetwork()
	a := newTestNode(t, net, "a")
	require.NoError(t, a.Join(context.Background()))

	b := newTestNode(t, net, "b")
	net.Hide("b", true)
	require.ErrorIs(t, b.Join(context.Background()), ErrVisibilityTimeout)

	assert.False(t, a.locks.AnyLocked(), "a must not keep b's lock after b aborted")
}

func TestNode_ShutdownWithdrawsAnnouncements(t *testing.T) {
	net := directory.NewNetwork()
	a := newTestNode(t, net, "a")
	require.NoError(t, a.Join(context.Background()))

	a.Shutdown(0)

	for _, svc := range []string{rpc.MethodSubmitOrder, rpc.MethodLock, rpc.MethodUnlock, rpc.MethodBookSync} {
		assert.Empty(t, lookup(t, a.peer, svc), svc)
	}
}

func TestNode_RunTradesAfterJoin(t *testing.T) {
	net := directory.NewNetwork()
	a := newTestNode(t, net, "a")
	a.cfg.Trading.MinDelay = time.Millisecond
	a.cfg.Trading.MaxDelay = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return slices.Contains(a.seen(), rpc.MethodSubmitOrder)
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// slowDirectory times out every lookup and counts them.
type slowDirectory struct {
	*directory.Peer
	lookups atomic.Int32
}

func (d *slowDirectory) Lookup(context.Context, string) ([]directory.Endpoint, error) {
	d.lookups.Add(1)
	return nil, directory.ErrTimeout
}

func TestJoin_VisibilityLookupTimeoutIsFatal(t *testing.T) {
	net := directory.NewNetwork()
	a := newTestNode(t, net, "a")
	dir := &slowDirectory{Peer: a.peer}
	a.Node = New(testConfig(), Deps{
		Book:   a.book,
		Locks:  a.locks,
		Dir:    dir,
		Client: a.client,
	})

	err := a.Join(context.Background())

	require.ErrorIs(t, err, directory.ErrTimeout)
	assert.NotErrorIs(t, err, ErrVisibilityTimeout)
	assert.Contains(t, err.Error(), "await visibility")
	assert.Equal(t, int32(1), dir.lookups.Load(), "no further attempts after a timeout")
	assert.Equal(t, PhaseFailed, a.Phase())
	assert.Empty(t, lookup(t, a.peer, rpc.MethodSubmitOrder), "announcements withdrawn on failure")
}
