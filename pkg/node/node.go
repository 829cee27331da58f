package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/directory"
	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/metrics"
	"github.com/uhyunpark/peerbook/pkg/orderbook"
	"github.com/uhyunpark/peerbook/pkg/rpc"
	"github.com/uhyunpark/peerbook/pkg/util"
)

type Config struct {
	// VisibilityInterval and VisibilityAttempts bound how long the node
	// waits to see itself in the directory after announcing.
	VisibilityInterval time.Duration
	VisibilityAttempts int

	Trading    TraderConfig
	TradingOff bool
}

func DefaultConfig() Config {
	return Config{
		VisibilityInterval: 2 * time.Second,
		VisibilityAttempts: 100,
		Trading:            DefaultTraderConfig(),
	}
}

// Node owns one replica: its book, its lock store, and the protocol that
// joins it to the network.
type Node struct {
	cfg     Config
	book    *orderbook.OrderBook
	locks   *lock.Store
	dir     directory.Directory
	client  *rpc.Client
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	clock   util.Clock

	phase atomic.Int32

	muAnn     sync.Mutex
	announced map[string]struct{}
}

type Deps struct {
	Book    *orderbook.OrderBook
	Locks   *lock.Store
	Dir     directory.Directory
	Client  *rpc.Client
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
	Clock   util.Clock
}

func New(cfg Config, d Deps) *Node {
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	return &Node{
		cfg:       cfg,
		book:      d.Book,
		locks:     d.Locks,
		dir:       d.Dir,
		client:    d.Client,
		metrics:   d.Metrics,
		log:       util.OrNop(d.Logger),
		clock:     d.Clock,
		announced: make(map[string]struct{}),
	}
}

func (n *Node) Self() directory.Endpoint { return n.dir.Self() }
func (n *Node) Phase() Phase             { return Phase(n.phase.Load()) }

func (n *Node) setPhase(p Phase) {
	n.phase.Store(int32(p))
	n.metrics.SetJoinPhase(int(p))
	n.log.Infow("join_phase", "phase", p.String(), "self", n.Self())
}

// Run joins the network and then trades until ctx is done. A join failure is
// returned immediately; the trading loop only returns on cancellation.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Join(ctx); err != nil {
		return err
	}
	if n.cfg.TradingOff {
		n.log.Infow("trading_disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	t := NewTrader(n.cfg.Trading, n.locks, n.client, TraderDeps{
		Metrics: n.metrics,
		Logger:  n.log,
		Clock:   n.clock,
	})
	return t.Run(ctx)
}

func (n *Node) announce(services ...string) error {
	n.muAnn.Lock()
	defer n.muAnn.Unlock()
	for _, s := range services {
		if err := n.dir.Announce(s); err != nil {
			return err
		}
		n.announced[s] = struct{}{}
	}
	return nil
}

// withdraw stops every announcement this node made.
func (n *Node) withdraw() {
	n.muAnn.Lock()
	defer n.muAnn.Unlock()
	for s := range n.announced {
		if err := n.dir.StopAnnouncing(s); err != nil {
			n.log.Warnw("stop_announcing_failed", "service", s, "err", err)
		}
		delete(n.announced, s)
	}
}

// Shutdown withdraws all announcements and then waits grace so in-flight
// calls can drain.
func (n *Node) Shutdown(grace time.Duration) {
	n.log.Infow("node_stopping", "self", n.Self(), "grace", grace)
	n.withdraw()
	if grace > 0 {
		<-n.clock.After(grace)
	}
}
