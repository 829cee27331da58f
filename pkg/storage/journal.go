package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry records one order applied to the local book. The journal is an audit
// trail only; the book is never rebuilt from it.
type Entry struct {
	Seq      uint64          `json:"seq"`
	OrderID  string          `json:"orderId"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Residual decimal.Decimal `json:"residual"`
	Crossed  bool            `json:"crossed"`
	Fills    int             `json:"fills"`
	BookSize int             `json:"bookSize"`
	Time     time.Time       `json:"time"`
}

type Journal interface {
	Append(e Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(limit int) ([]Entry, error)
	Close() error
}

type NopJournal struct{}

func NewNopJournal() *NopJournal               { return &NopJournal{} }
func (NopJournal) Append(Entry) error          { return nil }
func (NopJournal) Recent(int) ([]Entry, error) { return nil, nil }
func (NopJournal) Close() error                { return nil }

var _ Journal = (*NopJournal)(nil)
