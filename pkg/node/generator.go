package node

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// OrderGenerator produces the synthetic orders the trading loop originates.
type OrderGenerator interface {
	Next() (price, amount decimal.Decimal)
}

// RandomOrders draws one uniform r in [0,1) per order:
//
//	price  = base + r*range, rounded to 4 places
//	amount = -r when r < 0.5 (ask), else r/2 (bid), rounded to 4 places
type RandomOrders struct {
	base  decimal.Decimal
	span  decimal.Decimal
	rng   *rand.Rand
	count int
}

func NewRandomOrders(base, span decimal.Decimal) *RandomOrders {
	return &RandomOrders{
		base: base,
		span: span,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSeededRandomOrders is NewRandomOrders with a fixed seed.
func NewSeededRandomOrders(base, span decimal.Decimal, seed int64) *RandomOrders {
	g := NewRandomOrders(base, span)
	g.rng = rand.New(rand.NewSource(seed))
	return g
}

var two = decimal.NewFromInt(2)

func (g *RandomOrders) Next() (decimal.Decimal, decimal.Decimal) {
	g.count++
	r := decimal.NewFromFloat(g.rng.Float64())

	price := g.base.Add(r.Mul(g.span)).Round(4)
	var amount decimal.Decimal
	if r.LessThan(decimal.NewFromFloat(0.5)) {
		amount = r.Neg()
	} else {
		amount = r.Div(two)
	}
	return price, amount.Round(4)
}

// Count is the number of orders generated so far.
func (g *RandomOrders) Count() int { return g.count }
