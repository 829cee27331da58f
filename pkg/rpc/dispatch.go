package rpc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/metrics"
	"github.com/uhyunpark/peerbook/pkg/orderbook"
	"github.com/uhyunpark/peerbook/pkg/storage"
	"github.com/uhyunpark/peerbook/pkg/util"
)

// Dispatcher routes inbound calls to the local book and lock store. It never
// waits on the lock store: inbound orders are applied even while peers hold
// locks.
type Dispatcher struct {
	book    *orderbook.OrderBook
	locks   *lock.Store
	journal storage.Journal
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	clock   util.Clock

	// NewID assigns the id of an inbound order. Defaults to UUIDv7, whose
	// string form sorts by creation time.
	NewID func() orderbook.OrderID

	// OnPlace, if set, is called after every applied order.
	OnPlace func(o orderbook.Order, res orderbook.Result)
}

type DispatcherConfig struct {
	Book    *orderbook.OrderBook
	Locks   *lock.Store
	Journal storage.Journal
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
	Clock   util.Clock
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Journal == nil {
		cfg.Journal = storage.NewNopJournal()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	return &Dispatcher{
		book:    cfg.Book,
		locks:   cfg.Locks,
		journal: cfg.Journal,
		metrics: cfg.Metrics,
		log:     util.OrNop(cfg.Logger),
		clock:   cfg.Clock,
		NewID:   newOrderID,
	}
}

func newOrderID() orderbook.OrderID {
	id, err := uuid.NewV7()
	if err != nil {
		return orderbook.OrderID(uuid.NewString())
	}
	return orderbook.OrderID(id.String())
}

// Handle implements directory.Handler.
func (d *Dispatcher) Handle(ctx context.Context, method string, payload []byte) ([]byte, error) {
	switch method {
	case MethodLock, MethodUnlock:
		var req LockRequest
		if err := decode(payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s: %w", method, err)
		}
		if method == MethodLock {
			d.locks.Lock(req.Peer)
		} else {
			d.locks.Unlock(req.Peer)
		}
		d.metrics.SetLocksHeld(len(d.locks.Held()))
		return encode(Ack{Success: true})

	case MethodBookSync:
		var req BookSyncRequest
		if err := decode(payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s: %w", method, err)
		}
		book := d.book.Snapshot()
		d.log.Infow("book_sync_served", "peer", req.Peer, "orders", len(book))
		return encode(BookSyncReply{Book: book})

	case MethodSubmitOrder:
		var req SubmitOrderRequest
		if err := decode(payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s: %w", method, err)
		}
		res := d.place(orderbook.Order{ID: d.NewID(), Price: req.Price, Amount: req.Amount})
		return encode(SubmitOrderReply{Success: true, Crossed: res.Crossed, Size: res.Size})

	default:
		d.log.Warnw("unknown_method", "method", method)
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func (d *Dispatcher) place(o orderbook.Order) orderbook.Result {
	res := d.book.Place(o)
	d.log.Infow("order_applied",
		"id", o.ID,
		"side", o.Side().String(),
		"price", o.Price.String(),
		"amount", o.Amount.String(),
		"crossed", res.Crossed,
		"fills", len(res.Fills),
		"book_size", res.Size)

	d.metrics.ObservePlace(res)

	if err := d.journal.Append(storage.Entry{
		OrderID:  string(o.ID),
		Price:    o.Price,
		Amount:   o.Amount,
		Residual: res.Residual,
		Crossed:  res.Crossed,
		Fills:    len(res.Fills),
		BookSize: res.Size,
		Time:     d.clock.Now(),
	}); err != nil {
		d.log.Warnw("journal_append_failed", "id", o.ID, "err", err)
	}

	if d.OnPlace != nil {
		d.OnPlace(o, res)
	}
	return res
}
