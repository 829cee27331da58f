package p2p

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/node"
	"github.com/uhyunpark/peerbook/pkg/orderbook"
	"github.com/uhyunpark/peerbook/pkg/rpc"
)

// replica is a full node on a libp2p Net that records the methods it served.
type replica struct {
	net    *Net
	book   *orderbook.OrderBook
	locks  *lock.Store
	client *rpc.Client
	node   *node.Node

	mu      sync.Mutex
	methods []string
}

func (r *replica) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.methods...)
}

func (r *replica) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = nil
}

func joinTestNetConfig(bootstrap ...string) Config {
	cfg := testNetConfig()
	cfg.AnnounceInterval = 200 * time.Millisecond
	cfg.LookupWait = 2 * time.Second
	cfg.Bootstrap = bootstrap
	return cfg
}

func startReplica(t *testing.T, bootstrap ...string) *replica {
	t.Helper()
	n, err := NewNet(context.Background(), joinTestNetConfig(bootstrap...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	r := &replica{
		net:   n,
		book:  orderbook.NewOrderBook(),
		locks: lock.NewStore(lock.Options{}),
	}
	disp := rpc.NewDispatcher(rpc.DispatcherConfig{Book: r.book, Locks: r.locks})
	n.SetHandler(func(ctx context.Context, method string, payload []byte) ([]byte, error) {
		r.mu.Lock()
		r.methods = append(r.methods, method)
		r.mu.Unlock()
		return disp.Handle(ctx, method, payload)
	})
	r.client = rpc.NewClient(n, n, 10*time.Second)

	cfg := node.DefaultConfig()
	cfg.VisibilityInterval = 50 * time.Millisecond
	r.node = node.New(cfg, node.Deps{
		Book:   r.book,
		Locks:  r.locks,
		Dir:    n,
		Client: r.client,
	})
	return r
}

func TestJoin_LocksPeersReachedThroughBootstrap(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	ctx := context.Background()

	a := startReplica(t)
	require.NoError(t, a.node.Join(ctx))
	c := startReplica(t, a.net.Addrs()...)
	require.NoError(t, c.node.Join(ctx))

	for _, r := range []*replica{a, c} {
		require.Eventually(t, func() bool {
			eps, err := r.net.Lookup(ctx, rpc.MethodLock)
			return err == nil && len(eps) == 2
		}, 15*time.Second, 50*time.Millisecond)
	}
	_, err := c.client.SubmitOrder(ctx, decimal.NewFromInt(100), decimal.NewFromInt(3))
	require.NoError(t, err)
	require.Equal(t, 1, a.book.Size())
	a.reset()
	c.reset()

	// b only knows a; c has to be learned from gossip
	b := startReplica(t, a.net.Addrs()...)
	require.NoError(t, b.node.Join(ctx))

	for name, r := range map[string]*replica{"a": a, "c": c} {
		methods := r.seen()
		assert.True(t, slices.Contains(methods, rpc.MethodLock), "%s never received lock: %v", name, methods)
		assert.True(t, slices.Contains(methods, rpc.MethodUnlock), "%s never received unlock: %v", name, methods)
		assert.False(t, r.locks.AnyLocked(), name)
	}
	assert.Equal(t, node.PhaseSteadyState, b.node.Phase())
	assert.Equal(t, 1, b.book.Size())
}

func TestNet_ColdLookupWaitsForFullRound(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	n, err := NewNet(context.Background(), joinTestNetConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	require.NoError(t, n.Announce(rpc.MethodLock))

	// a deadline inside the warm-up window cannot vouch for the provider set
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = n.Lookup(ctx, rpc.MethodLock)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	start := time.Now()
	eps, err := n.Lookup(context.Background(), rpc.MethodLock)
	require.NoError(t, err)
	assert.Equal(t, n.Self(), eps[0])
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestNet_AnnouncementSeqOrdersServiceSets(t *testing.T) {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	n, err := NewNet(context.Background(), testNetConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	var (
		mu  sync.Mutex
		got []AnnounceWire
		wg  sync.WaitGroup
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				w := n.currentAnnouncement()
				mu.Lock()
				got = append(got, w)
				mu.Unlock()
			}
		}()
	}
	// services only grow, so a higher seq must never carry fewer of them
	for i := range 200 {
		require.NoError(t, n.Announce(string(rune('a'+i%26))+string(rune('a'+i/26))))
	}
	wg.Wait()

	slices.SortFunc(got, func(x, y AnnounceWire) int { return cmp.Compare(x.Seq, y.Seq) })
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i].Seq, got[i-1].Seq, "seq reused")
		require.GreaterOrEqual(t, len(got[i].Services), len(got[i-1].Services),
			"seq %d carries %d services, seq %d carried %d",
			got[i].Seq, len(got[i].Services), got[i-1].Seq, len(got[i-1].Services))
	}
}
