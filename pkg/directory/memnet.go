package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var ErrUnreachable = errors.New("directory: peer unreachable")

// Network is an in-process directory and transport. Peers joined to the same
// Network see each other's announcements immediately, which makes it useful
// for tests and single-process simulations.
type Network struct {
	mu        sync.RWMutex
	handlers  map[Endpoint]Handler
	providers map[string]map[Endpoint]struct{}
	hidden    map[Endpoint]bool
	lookups   int
}

func NewNetwork() *Network {
	return &Network{
		handlers:  make(map[Endpoint]Handler),
		providers: make(map[string]map[Endpoint]struct{}),
		hidden:    make(map[Endpoint]bool),
	}
}

// Join attaches a peer served by h. The returned Peer implements both
// Directory and Transport.
func (n *Network) Join(self Endpoint, h Handler) *Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[self] = h
	return &Peer{net: n, self: self}
}

// Leave drops ep as if its process died: its handler goes away but any
// announcements it made stay until withdrawn.
func (n *Network) Leave(ep Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, ep)
}

// Hide keeps ep out of lookup results, modelling a directory that has not
// yet propagated ep's announcements.
func (n *Network) Hide(ep Endpoint, hidden bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hidden[ep] = hidden
}

// Lookups counts lookups served so far.
func (n *Network) Lookups() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lookups
}

type Peer struct {
	net  *Network
	self Endpoint
}

func (p *Peer) Self() Endpoint { return p.self }

func (p *Peer) Announce(service string) error {
	n := p.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.providers[service] == nil {
		n.providers[service] = make(map[Endpoint]struct{})
	}
	n.providers[service][p.self] = struct{}{}
	return nil
}

func (p *Peer) StopAnnouncing(service string) error {
	n := p.net
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.providers[service], p.self)
	return nil
}

func (p *Peer) Lookup(ctx context.Context, service string) ([]Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := p.net
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lookups++

	var out []Endpoint
	for ep := range n.providers[service] {
		if !n.hidden[ep] {
			out = append(out, ep)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoResponders
	}
	slices.Sort(out)
	return out, nil
}

func (p *Peer) Call(ctx context.Context, to Endpoint, method string, payload []byte) ([]byte, error) {
	p.net.mu.RLock()
	h, ok := p.net.handlers[to]
	p.net.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := h(ctx, method, payload)
	if err != nil {
		return nil, &RemoteError{Peer: to, Msg: err.Error()}
	}
	return out, nil
}

var (
	_ Directory = (*Peer)(nil)
	_ Transport = (*Peer)(nil)
)
