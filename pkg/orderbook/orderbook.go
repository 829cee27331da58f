package orderbook

import (
	"slices"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// OrderBook keeps two sorted sequences with the best order at index 0:
// bids by (price desc, id asc) and asks by (price asc, id asc).
type OrderBook struct {
	mu   sync.RWMutex
	bids []Order
	asks []Order
}

func NewOrderBook() *OrderBook {
	return &OrderBook{}
}

// bidBefore reports whether a ranks ahead of b on the bid side.
func bidBefore(a, b Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	return a.ID < b.ID
}

// askBefore reports whether a ranks ahead of b on the ask side.
func askBefore(a, b Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

// Insert rests o on its side without matching.
func (ob *OrderBook) Insert(o Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.insert(o)
}

func (ob *OrderBook) insert(o Order) {
	if o.Amount.IsPositive() {
		i := sort.Search(len(ob.bids), func(i int) bool { return bidBefore(o, ob.bids[i]) })
		ob.bids = slices.Insert(ob.bids, i, o)
		return
	}
	i := sort.Search(len(ob.asks), func(i int) bool { return askBefore(o, ob.asks[i]) })
	ob.asks = slices.Insert(ob.asks, i, o)
}

// Match crosses o against the opposite side and returns the unmatched signed
// amount. The book is mutated; o itself is never rested here.
func (ob *OrderBook) Match(o Order) (decimal.Decimal, bool, []Fill) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.match(o)
}

func (ob *OrderBook) match(o Order) (decimal.Decimal, bool, []Fill) {
	rem := o.Amount
	var fills []Fill

	if rem.IsPositive() {
		for rem.IsPositive() && len(ob.asks) > 0 && o.Price.GreaterThanOrEqual(ob.asks[0].Price) {
			maker := &ob.asks[0]
			askQty := maker.Amount.Neg()
			switch rem.Cmp(askQty) {
			case 0:
				fills = append(fills, Fill{MakerID: maker.ID, Price: maker.Price, Qty: askQty})
				ob.asks = slices.Delete(ob.asks, 0, 1)
				rem = decimal.Zero
			case -1:
				// still the best ask: price unchanged
				fills = append(fills, Fill{MakerID: maker.ID, Price: maker.Price, Qty: rem})
				maker.Amount = maker.Amount.Add(rem)
				rem = decimal.Zero
			default:
				fills = append(fills, Fill{MakerID: maker.ID, Price: maker.Price, Qty: askQty})
				ob.asks = slices.Delete(ob.asks, 0, 1)
				rem = rem.Sub(askQty)
			}
		}
		return rem, len(fills) > 0, fills
	}

	for rem.IsNegative() && len(ob.bids) > 0 && o.Price.LessThanOrEqual(ob.bids[0].Price) {
		maker := &ob.bids[0]
		need := rem.Neg()
		bidQty := maker.Amount
		switch need.Cmp(bidQty) {
		case 0:
			fills = append(fills, Fill{MakerID: maker.ID, Price: maker.Price, Qty: bidQty})
			ob.bids = slices.Delete(ob.bids, 0, 1)
			rem = decimal.Zero
		case -1:
			fills = append(fills, Fill{MakerID: maker.ID, Price: maker.Price, Qty: need})
			maker.Amount = bidQty.Sub(need)
			rem = decimal.Zero
		default:
			fills = append(fills, Fill{MakerID: maker.ID, Price: maker.Price, Qty: bidQty})
			ob.bids = slices.Delete(ob.bids, 0, 1)
			rem = rem.Add(bidQty)
		}
	}
	return rem, len(fills) > 0, fills
}

// Place matches o by price-time priority and rests any residual under o's id.
// Zero-amount orders are not rejected; they neither match nor rest.
func (ob *OrderBook) Place(o Order) Result {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	rem, crossed, fills := ob.match(o)
	if !rem.IsZero() {
		ob.insert(Order{ID: o.ID, Price: o.Price, Amount: rem})
	}
	return Result{
		Crossed:  crossed,
		Size:     len(ob.bids) + len(ob.asks),
		Residual: rem,
		Fills:    fills,
	}
}

// Snapshot returns bids followed by asks. Callers must not rely on any
// ordering across the two sides.
func (ob *OrderBook) Snapshot() []Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	out := make([]Order, 0, len(ob.bids)+len(ob.asks))
	out = append(out, ob.bids...)
	return append(out, ob.asks...)
}

// Seed replaces the whole book with orders, inserted in the given order.
func (ob *OrderBook) Seed(orders []Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids = nil
	ob.asks = nil
	for _, o := range orders {
		ob.insert(o)
	}
}

func (ob *OrderBook) Size() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.bids) + len(ob.asks)
}

func (ob *OrderBook) Bids() []Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return slices.Clone(ob.bids)
}

func (ob *OrderBook) Asks() []Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return slices.Clone(ob.asks)
}

// BestBid returns the highest bid, if any.
func (ob *OrderBook) BestBid() (Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.bids) == 0 {
		return Order{}, false
	}
	return ob.bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (ob *OrderBook) BestAsk() (Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.asks) == 0 {
		return Order{}, false
	}
	return ob.asks[0], true
}

// BidLevels aggregates bids per price, best (highest) first.
func (ob *OrderBook) BidLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return levels(ob.bids)
}

// AskLevels aggregates asks per price, best (lowest) first.
func (ob *OrderBook) AskLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return levels(ob.asks)
}

// levels relies on side already being sorted by price.
func levels(side []Order) []PriceLevel {
	var out []PriceLevel
	for _, o := range side {
		if n := len(out); n > 0 && out[n-1].Price.Equal(o.Price) {
			out[n-1].Qty = out[n-1].Qty.Add(o.Qty())
			out[n-1].Count++
			continue
		}
		out = append(out, PriceLevel{Price: o.Price, Qty: o.Qty(), Count: 1})
	}
	return out
}
