package node

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/metrics"
	"github.com/uhyunpark/peerbook/pkg/rpc"
	"github.com/uhyunpark/peerbook/pkg/util"
)

// TraderConfig controls the pace and shape of originated orders.
type TraderConfig struct {
	MinDelay         time.Duration // lower bound of the wait between orders
	MaxDelay         time.Duration // upper bound (exclusive)
	LockPollInterval time.Duration // re-check interval while peers hold locks
	BasePrice        decimal.Decimal
	PriceRange       decimal.Decimal
}

func DefaultTraderConfig() TraderConfig {
	return TraderConfig{
		MinDelay:         1 * time.Second,
		MaxDelay:         10 * time.Second,
		LockPollInterval: 100 * time.Millisecond,
		BasePrice:        decimal.NewFromInt(10000),
		PriceRange:       decimal.NewFromInt(100),
	}
}

// Locks is what the trader needs from the advisory lock store.
type Locks interface {
	AnyLocked() bool
}

// Submitter broadcasts an order to every replica.
type Submitter interface {
	SubmitOrder(ctx context.Context, price, amount decimal.Decimal) ([]rpc.SubmitOrderReply, error)
}

type TraderDeps struct {
	Generator OrderGenerator
	Metrics   *metrics.Metrics
	Logger    *zap.SugaredLogger
	Clock     util.Clock
}

// Trader originates orders until its context is cancelled.
type Trader struct {
	cfg     TraderConfig
	locks   Locks
	sub     Submitter
	gen     OrderGenerator
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	clock   util.Clock
	rng     *rand.Rand
}

func NewTrader(cfg TraderConfig, locks Locks, sub Submitter, d TraderDeps) *Trader {
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	if d.Generator == nil {
		d.Generator = NewRandomOrders(cfg.BasePrice, cfg.PriceRange)
	}
	return &Trader{
		cfg:     cfg,
		locks:   locks,
		sub:     sub,
		gen:     d.Generator,
		metrics: d.Metrics,
		log:     util.OrNop(d.Logger),
		clock:   d.Clock,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (t *Trader) delay() time.Duration {
	span := t.cfg.MaxDelay - t.cfg.MinDelay
	if span <= 0 {
		return t.cfg.MinDelay
	}
	return t.cfg.MinDelay + time.Duration(t.rng.Int63n(int64(span)))
}

// Run loops: wait, hold off while any peer is locked, then broadcast one
// order. Broadcast errors are logged and the loop carries on.
func (t *Trader) Run(ctx context.Context) error {
	t.log.Infow("trading_started",
		"min_delay", t.cfg.MinDelay,
		"max_delay", t.cfg.MaxDelay)

	for {
		if err := util.Sleep(ctx, t.clock, t.delay()); err != nil {
			return err
		}
		if err := t.waitUnlocked(ctx); err != nil {
			return err
		}
		t.submit(ctx)
	}
}

func (t *Trader) waitUnlocked(ctx context.Context) error {
	waited := false
	for t.locks.AnyLocked() {
		if !waited {
			t.log.Infow("trading_deferred_locked")
			waited = true
		}
		if err := util.Sleep(ctx, t.clock, t.cfg.LockPollInterval); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trader) submit(ctx context.Context) {
	price, amount := t.gen.Next()
	if amount.IsZero() {
		// the book accepts zero amounts, so filter them here
		t.log.Debugw("zero_amount_skipped", "price", price.String())
		return
	}
	t.metrics.OrderOriginated()

	replies, err := t.sub.SubmitOrder(ctx, price, amount)
	if err != nil {
		t.metrics.BroadcastFailed(rpc.MethodSubmitOrder)
		t.log.Warnw("submit_order_failed",
			"price", price.String(),
			"amount", amount.String(),
			"replies", len(replies),
			"err", err)
		return
	}

	crossed := 0
	for _, r := range replies {
		if r.Crossed {
			crossed++
		}
	}
	t.log.Infow("order_submitted",
		"price", price.String(),
		"amount", amount.String(),
		"replicas", len(replies),
		"crossed_on", crossed)
}
