package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/uhyunpark/peerbook/pkg/directory"
	"github.com/uhyunpark/peerbook/pkg/orderbook"
)

// Client fans outbound calls out to the peers announced in the directory.
type Client struct {
	dir     directory.Directory
	tr      directory.Transport
	timeout time.Duration
}

func NewClient(dir directory.Directory, tr directory.Transport, timeout time.Duration) *Client {
	return &Client{dir: dir, tr: tr, timeout: timeout}
}

// Lock asks every lock provider to record peer as joining. The returned
// error is directory.ErrNoResponders when nobody is announced.
func (c *Client) Lock(ctx context.Context, peer string) ([]Ack, error) {
	return c.broadcastLock(ctx, MethodLock, peer)
}

func (c *Client) Unlock(ctx context.Context, peer string) ([]Ack, error) {
	return c.broadcastLock(ctx, MethodUnlock, peer)
}

func (c *Client) broadcastLock(ctx context.Context, method, peer string) ([]Ack, error) {
	payload, err := encode(LockRequest{Peer: peer})
	if err != nil {
		return nil, err
	}
	replies, err := directory.BroadcastCall(ctx, c.dir, c.tr, method, payload, c.timeout)
	if directory.IsNoResponders(err) {
		return nil, err
	}

	acks := make([]Ack, 0, len(replies))
	for _, r := range replies {
		if r.Err != nil {
			continue
		}
		var a Ack
		if derr := decode(r.Payload, &a); derr != nil {
			err = multierr.Append(err, fmt.Errorf("decode %s reply from %s: %w", method, r.From, derr))
			continue
		}
		acks = append(acks, a)
	}
	return acks, err
}

// SyncBook fetches the book from one book-sync provider on behalf of peer.
func (c *Client) SyncBook(ctx context.Context, peer string) ([]orderbook.Order, directory.Endpoint, error) {
	payload, err := encode(BookSyncRequest{Peer: peer})
	if err != nil {
		return nil, "", err
	}
	r, err := directory.RequestCall(ctx, c.dir, c.tr, MethodBookSync, payload, c.timeout)
	if err != nil {
		return nil, r.From, err
	}
	var reply BookSyncReply
	if err := decode(r.Payload, &reply); err != nil {
		return nil, r.From, fmt.Errorf("decode book-sync reply from %s: %w", r.From, err)
	}
	return reply.Book, r.From, nil
}

// SubmitOrder broadcasts an order to every submit-order provider, this node
// included when it is announced.
func (c *Client) SubmitOrder(ctx context.Context, price, amount decimal.Decimal) ([]SubmitOrderReply, error) {
	payload, err := encode(SubmitOrderRequest{Price: price, Amount: amount})
	if err != nil {
		return nil, err
	}
	replies, err := directory.BroadcastCall(ctx, c.dir, c.tr, MethodSubmitOrder, payload, c.timeout)
	if directory.IsNoResponders(err) {
		return nil, err
	}

	out := make([]SubmitOrderReply, 0, len(replies))
	for _, r := range replies {
		if r.Err != nil {
			continue
		}
		var s SubmitOrderReply
		if derr := decode(r.Payload, &s); derr != nil {
			err = multierr.Append(err, fmt.Errorf("decode submit-order reply from %s: %w", r.From, derr))
			continue
		}
		out = append(out, s)
	}
	return out, err
}
