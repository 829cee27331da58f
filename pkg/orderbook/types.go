package orderbook

import "github.com/shopspring/decimal"

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// OrderID is compared lexicographically; lower ids rest ahead of higher ones
// at the same price.
type OrderID string

// Order carries its side in the sign of Amount: positive is a bid, negative
// an ask. The magnitude is the open quantity.
type Order struct {
	ID     OrderID
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func (o Order) Side() Side {
	if o.Amount.IsPositive() {
		return Buy
	}
	return Sell
}

// Qty is the unsigned open quantity.
func (o Order) Qty() decimal.Decimal { return o.Amount.Abs() }

type Fill struct {
	MakerID OrderID
	Price   decimal.Decimal
	Qty     decimal.Decimal
}

type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal // total qty at this price level
	Count int
}

// Result describes what Place did to the book.
//
// Crossed reports that at least one resting order was consumed, fully or in
// part. It does not mean the incoming order was fully filled: a large
// aggressor can cross and still rest a residual.
type Result struct {
	Crossed  bool
	Size     int
	Residual decimal.Decimal
	Fills    []Fill
}
