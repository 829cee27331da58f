package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bid(id, price, qty string) Order {
	return Order{ID: OrderID(id), Price: d(price), Amount: d(qty)}
}

func ask(id, price, qty string) Order {
	return Order{ID: OrderID(id), Price: d(price), Amount: d(qty).Neg()}
}

func ids(orders []Order) []OrderID {
	out := make([]OrderID, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func sameIDs(t *testing.T, got []Order, want ...OrderID) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("ids = %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("ids = %v, want %v", g, want)
		}
	}
}

func TestInsert_Ordering(t *testing.T) {
	tests := []struct {
		name     string
		orders   []Order
		wantBids []OrderID
		wantAsks []OrderID
	}{
		{
			name:     "bids price descending",
			orders:   []Order{bid("1", "100", "1"), bid("2", "102", "1"), bid("3", "101", "1")},
			wantBids: []OrderID{"2", "3", "1"},
		},
		{
			name:     "asks price ascending",
			orders:   []Order{ask("1", "100", "1"), ask("2", "98", "1"), ask("3", "99.5", "1")},
			wantAsks: []OrderID{"2", "3", "1"},
		},
		{
			name:     "ties broken by ascending id regardless of arrival",
			orders:   []Order{bid("3", "100", "1"), bid("1", "100", "1"), bid("2", "100", "1")},
			wantBids: []OrderID{"1", "2", "3"},
		},
		{
			name:     "mixed sides",
			orders:   []Order{bid("1", "100", "1"), ask("2", "105", "2"), ask("3", "104", "2"), bid("4", "99", "3")},
			wantBids: []OrderID{"1", "4"},
			wantAsks: []OrderID{"3", "2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ob := NewOrderBook()
			for _, o := range tt.orders {
				ob.Insert(o)
			}
			sameIDs(t, ob.Bids(), tt.wantBids...)
			sameIDs(t, ob.Asks(), tt.wantAsks...)
		})
	}
}

func TestPlace_EmptyBookRests(t *testing.T) {
	ob := NewOrderBook()
	res := ob.Place(bid("1", "100", "5"))

	if res.Crossed {
		t.Error("expected crossed=false on empty book")
	}
	if res.Size != 1 {
		t.Errorf("size = %d, want 1", res.Size)
	}
	best, ok := ob.BestBid()
	if !ok || best.ID != "1" || !best.Amount.Equal(d("5")) || !best.Price.Equal(d("100")) {
		t.Errorf("best bid = %+v, want unchanged order", best)
	}
}

func TestPlace_ExactFill(t *testing.T) {
	ob := NewOrderBook()
	ob.Place(ask("1", "99", "4"))

	res := ob.Place(bid("2", "100", "4"))

	if !res.Crossed {
		t.Error("expected crossed=true")
	}
	if !res.Residual.IsZero() {
		t.Errorf("residual = %s, want 0", res.Residual)
	}
	if n := len(ob.Asks()); n != 0 {
		t.Errorf("asks = %d, want empty", n)
	}
	if res.Size != 0 {
		t.Errorf("size = %d, want 0", res.Size)
	}
	if len(res.Fills) != 1 || res.Fills[0].MakerID != "1" || !res.Fills[0].Price.Equal(d("99")) {
		t.Errorf("fills = %+v", res.Fills)
	}
}

func TestPlace_PartialFillKeepsMakerInPlace(t *testing.T) {
	ob := NewOrderBook()
	ob.Place(ask("1", "100", "10"))
	ob.Place(ask("2", "101", "1"))

	res := ob.Place(bid("3", "100", "4"))

	if !res.Crossed || !res.Residual.IsZero() {
		t.Fatalf("crossed=%v residual=%s, want true/0", res.Crossed, res.Residual)
	}
	asks := ob.Asks()
	sameIDs(t, asks, "1", "2")
	if !asks[0].Amount.Equal(d("-6")) {
		t.Errorf("maker amount = %s, want -6", asks[0].Amount)
	}
	if len(ob.Bids()) != 0 {
		t.Error("fully filled taker must not rest")
	}
}

func TestPlace_SweepAndRestResidual(t *testing.T) {
	ob := NewOrderBook()
	ob.Place(ask("1", "100", "2"))
	ob.Place(ask("2", "101", "3"))
	ob.Place(ask("3", "103", "7")) // out of range

	res := ob.Place(bid("4", "102", "10"))

	if !res.Crossed {
		t.Error("partial fill with residual still reports crossed")
	}
	if !res.Residual.Equal(d("5")) {
		t.Errorf("residual = %s, want 5", res.Residual)
	}
	sameIDs(t, ob.Asks(), "3")
	bids := ob.Bids()
	sameIDs(t, bids, "4")
	if !bids[0].Amount.Equal(d("5")) || !bids[0].Price.Equal(d("102")) {
		t.Errorf("resting residual = %+v", bids[0])
	}
	if len(res.Fills) != 2 {
		t.Errorf("fills = %d, want 2", len(res.Fills))
	}
}

func TestPlace_AskAgainstBids(t *testing.T) {
	ob := NewOrderBook()
	ob.Place(bid("1", "100", "1"))
	ob.Place(bid("2", "99", "1"))

	res := ob.Place(ask("3", "99.5", "3"))

	if !res.Crossed {
		t.Error("expected crossed")
	}
	if !res.Residual.Equal(d("-2")) {
		t.Errorf("residual = %s, want -2", res.Residual)
	}
	sameIDs(t, ob.Bids(), "2")
	asks := ob.Asks()
	sameIDs(t, asks, "3")
	if !asks[0].Amount.Equal(d("-2")) {
		t.Errorf("resting ask amount = %s", asks[0].Amount)
	}
}

func TestPlace_NoCrossBelowBestAsk(t *testing.T) {
	ob := NewOrderBook()
	ob.Place(ask("1", "101", "1"))

	res := ob.Place(bid("2", "100", "1"))

	if res.Crossed {
		t.Error("non-crossing prices must not match")
	}
	if res.Size != 2 {
		t.Errorf("size = %d, want 2", res.Size)
	}
}

func TestPlace_ZeroAmountIsNoop(t *testing.T) {
	ob := NewOrderBook()
	ob.Place(bid("1", "100", "1"))

	res := ob.Place(Order{ID: "2", Price: d("90"), Amount: decimal.Zero})

	if res.Crossed || res.Size != 1 {
		t.Errorf("zero amount changed the book: %+v", res)
	}
}

// Walkthrough: three bids, then a sell sweeping the best one and part of
// the next.
func TestPlace_Walkthrough(t *testing.T) {
	ob := NewOrderBook()
	ob.Insert(bid("1", "100", "5"))
	ob.Insert(bid("2", "101", "3"))
	ob.Insert(bid("3", "100", "2"))
	sameIDs(t, ob.Bids(), "2", "1", "3")

	res := ob.Place(ask("4", "100", "6"))

	if !res.Crossed || !res.Residual.IsZero() {
		t.Fatalf("crossed=%v residual=%s", res.Crossed, res.Residual)
	}
	if len(ob.Asks()) != 0 {
		t.Error("asks should be empty")
	}
	bids := ob.Bids()
	sameIDs(t, bids, "1", "3")
	// 6 = 3 from id 2 + 3 from id 1
	if !bids[0].Amount.Equal(d("2")) {
		t.Errorf("id 1 amount = %s, want 2", bids[0].Amount)
	}
	if !bids[1].Amount.Equal(d("2")) {
		t.Errorf("id 3 amount = %s, want 2", bids[1].Amount)
	}
}

func TestSnapshotSeed_RoundTrip(t *testing.T) {
	src := NewOrderBook()
	src.Insert(bid("1", "100", "5"))
	src.Insert(bid("2", "101", "3"))
	src.Insert(ask("3", "102", "1"))
	src.Insert(ask("4", "102", "2"))
	src.Insert(ask("5", "103.25", "2"))

	dst := NewOrderBook()
	dst.Insert(bid("stale", "1", "1"))
	dst.Seed(src.Snapshot())

	sameIDs(t, dst.Bids(), "2", "1")
	sameIDs(t, dst.Asks(), "3", "4", "5")
	if dst.Size() != src.Size() {
		t.Errorf("size = %d, want %d", dst.Size(), src.Size())
	}

	snap := src.Snapshot()
	sameIDs(t, snap, "2", "1", "3", "4", "5")
}

func TestLevels(t *testing.T) {
	ob := NewOrderBook()
	ob.Insert(bid("1", "100", "1"))
	ob.Insert(bid("2", "100", "2.5"))
	ob.Insert(bid("3", "99", "1"))
	ob.Insert(ask("4", "101", "4"))

	bl := ob.BidLevels()
	if len(bl) != 2 || !bl[0].Price.Equal(d("100")) || !bl[0].Qty.Equal(d("3.5")) || bl[0].Count != 2 {
		t.Errorf("bid levels = %+v", bl)
	}
	al := ob.AskLevels()
	if len(al) != 1 || !al[0].Qty.Equal(d("4")) {
		t.Errorf("ask levels = %+v", al)
	}
}
