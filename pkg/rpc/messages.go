package rpc

import (
	"bytes"
	"encoding/gob"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/peerbook/pkg/orderbook"
)

// Service names. Each is announced in the directory and doubles as the RPC
// method name.
const (
	MethodLock        = "lock"
	MethodUnlock      = "unlock"
	MethodBookSync    = "book-sync"
	MethodSubmitOrder = "submit-order"
)

type LockRequest struct {
	Peer string
}

type Ack struct {
	Success bool
}

// BookSyncRequest names the joining peer; gob needs at least one field.
type BookSyncRequest struct {
	Peer string
}

type BookSyncReply struct {
	Book []orderbook.Order
}

// SubmitOrderRequest carries no id: each receiver assigns its own.
type SubmitOrderRequest struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

type SubmitOrderReply struct {
	Success bool
	Crossed bool
	Size    int
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
