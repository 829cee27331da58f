// Package directory defines the peer discovery contract the node consumes:
// service announcement, provider lookup, and request/reply calls to
// announced providers.
package directory

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Endpoint identifies a peer. It is also the identity a node presents when
// taking advisory locks.
type Endpoint string

type Directory interface {
	// Self is the endpoint other peers see for this node.
	Self() Endpoint
	Announce(service string) error
	StopAnnouncing(service string) error
	// Lookup returns the current providers of service, or ErrNoResponders.
	Lookup(ctx context.Context, service string) ([]Endpoint, error)
}

type Transport interface {
	Call(ctx context.Context, to Endpoint, method string, payload []byte) ([]byte, error)
}

// Handler serves inbound calls; method is the service name.
type Handler func(ctx context.Context, method string, payload []byte) ([]byte, error)

type Reply struct {
	From    Endpoint
	Payload []byte
	Err     error
}

// MaxFanout bounds concurrent calls issued by one BroadcastCall.
var MaxFanout = 32

// BroadcastCall calls every current provider of service with payload and
// returns one reply per responder. The returned error combines every failed
// call; replies for the peers that did answer are returned alongside it.
// Zero providers yields ErrNoResponders.
func BroadcastCall(ctx context.Context, dir Directory, tr Transport, service string, payload []byte, timeout time.Duration) ([]Reply, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	peers, err := dir.Lookup(ctx, service)
	if err != nil {
		return nil, Classify(ctx, err)
	}

	replies := make([]Reply, len(peers))
	var g errgroup.Group
	g.SetLimit(MaxFanout)
	for i, p := range peers {
		g.Go(func() error {
			out, err := tr.Call(ctx, p, service, payload)
			replies[i] = Reply{From: p, Payload: out, Err: Classify(ctx, err)}
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for _, r := range replies {
		errs = multierr.Append(errs, r.Err)
	}
	return replies, errs
}

// RequestCall calls one provider of service, picked at random.
func RequestCall(ctx context.Context, dir Directory, tr Transport, service string, payload []byte, timeout time.Duration) (Reply, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	peers, err := dir.Lookup(ctx, service)
	if err != nil {
		return Reply{}, Classify(ctx, err)
	}
	p := peers[rand.IntN(len(peers))]
	out, err := tr.Call(ctx, p, service, payload)
	if err != nil {
		err = Classify(ctx, err)
		return Reply{From: p, Err: err}, err
	}
	return Reply{From: p, Payload: out}, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
