package p2p

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/directory"
	"github.com/uhyunpark/peerbook/pkg/util"
)

const (
	topicAnnounce = "peerbook-announce"
	protocolRPC   = protocol.ID("/peerbook/rpc/1.0.0")

	// inboundTimeout caps how long one inbound RPC may hold a stream.
	inboundTimeout = 30 * time.Second
)

var errNoHandler = errors.New("p2p: no handler installed")

type Config struct {
	ListenAddr string
	Bootstrap  []string
	EnableMDNS bool

	// A fresh node answers lookups only after AnnounceInterval+LookupWait,
	// by which time every established peer has announced at least once.
	AnnounceInterval time.Duration // periodic re-announce
	AnnounceTTL      time.Duration // drop providers not heard from within this
	LookupWait       time.Duration // how long Lookup waits for a first provider

	Logger *zap.SugaredLogger
	Clock  util.Clock
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "/ip4/0.0.0.0/tcp/0",
		AnnounceInterval: 2 * time.Second,
		AnnounceTTL:      10 * time.Second,
		LookupWait:       2 * time.Second,
	}
}

// Net is a libp2p-backed directory.Directory and directory.Transport.
// Services are advertised on a GossipSub topic; calls travel on a
// request/response stream protocol.
type Net struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   *zap.SugaredLogger
	cfg   Config
	reg   *registry

	// warmAt is when the registry has heard a full announce round.
	warmAt time.Time

	muSvc    sync.Mutex
	seq      uint64
	services map[string]struct{}

	muH     sync.RWMutex
	handler directory.Handler

	mdns   mdnsService
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNet(ctx context.Context, cfg Config) (*Net, error) {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	log := util.OrNop(cfg.Logger)

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}

	n := &Net{
		h:        h,
		ps:       ps,
		log:      log,
		cfg:      cfg,
		reg:      newRegistry(cfg.AnnounceTTL, cfg.Clock),
		services: make(map[string]struct{}),
		cancel:   cancel,
	}

	if n.topic, err = ps.Join(topicAnnounce); err != nil {
		n.Close()
		return nil, err
	}
	if n.sub, err = n.topic.Subscribe(); err != nil {
		n.Close()
		return nil, err
	}
	events, err := n.topic.EventHandler()
	if err != nil {
		n.Close()
		return nil, err
	}

	h.SetStreamHandler(protocolRPC, n.handleStream)
	n.warmAt = cfg.Clock.Now().Add(warmup(cfg))

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}
	if cfg.EnableMDNS {
		if n.mdns, err = startMDNS(h, log); err != nil {
			log.Warnw("mdns_start_failed", "err", err)
		}
	}

	n.spawn(func() { n.receiveAnnouncements(runCtx) })
	n.spawn(func() { n.reannounceOnJoin(runCtx, events) })
	n.spawn(func() { n.announceLoop(runCtx) })

	log.Infow("libp2p_ready", "peer", h.ID().String(), "addrs", n.Addrs())
	return n, nil
}

func warmup(cfg Config) time.Duration {
	if cfg.AnnounceInterval <= 0 {
		return 0
	}
	return cfg.AnnounceInterval + cfg.LookupWait
}

func (n *Net) spawn(f func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		f()
	}()
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Net) Host() host.Host { return n.h }

// Addrs returns the dialable multiaddrs of this node, /p2p suffix included,
// suitable as bootstrap addresses for other nodes.
func (n *Net) Addrs() []string {
	suffix, err := ma.NewMultiaddr("/p2p/" + n.h.ID().String())
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(n.h.Addrs()))
	for _, a := range n.h.Addrs() {
		out = append(out, a.Encapsulate(suffix).String())
	}
	return out
}

// SetHandler installs the handler serving inbound calls, including calls
// this node makes to itself.
func (n *Net) SetHandler(h directory.Handler) { n.muH.Lock(); n.handler = h; n.muH.Unlock() }

func (n *Net) getHandler() directory.Handler {
	n.muH.RLock()
	defer n.muH.RUnlock()
	return n.handler
}

// Close stops background loops and shuts the host down. Pending
// announcements are not withdrawn; peers drop them after AnnounceTTL.
func (n *Net) Close() error {
	n.cancel()
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	if n.sub != nil {
		n.sub.Cancel()
	}
	err := n.h.Close()
	n.wg.Wait()
	return err
}

// implement directory.Directory

func (n *Net) Self() directory.Endpoint { return directory.Endpoint(n.h.ID().String()) }

func (n *Net) Announce(service string) error {
	n.muSvc.Lock()
	_, had := n.services[service]
	n.services[service] = struct{}{}
	n.muSvc.Unlock()
	if had {
		return nil
	}
	return n.publish(context.Background())
}

func (n *Net) StopAnnouncing(service string) error {
	n.muSvc.Lock()
	_, had := n.services[service]
	delete(n.services, service)
	n.muSvc.Unlock()
	if !had {
		return nil
	}
	return n.publish(context.Background())
}

// Lookup returns the providers of service, waiting up to LookupWait for the
// first one to be heard of. A lookup that runs out of time with nobody
// found reports ErrNoResponders, not a timeout.
//
// Until the warm-up window has passed the registry may be missing peers
// that have not announced since this node subscribed, so Lookup holds its
// answer until then. A deadline inside that window is a timeout.
func (n *Net) Lookup(ctx context.Context, service string) ([]directory.Endpoint, error) {
	if wait := n.warmAt.Sub(n.cfg.Clock.Now()); wait > 0 {
		select {
		case <-n.cfg.Clock.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if eps := n.reg.providers(service); len(eps) > 0 {
			return eps, nil
		}
		return nil, directory.ErrNoResponders
	}

	deadline := n.cfg.Clock.After(n.cfg.LookupWait)
	for {
		changed := n.reg.changes()
		if eps := n.reg.providers(service); len(eps) > 0 {
			return eps, nil
		}
		select {
		case <-changed:
		case <-deadline:
			return nil, directory.ErrNoResponders
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, directory.ErrNoResponders
		}
	}
}

// implement directory.Transport

func (n *Net) Call(ctx context.Context, to directory.Endpoint, method string, payload []byte) ([]byte, error) {
	if to == n.Self() {
		return n.callLocal(ctx, method, payload)
	}

	pid, err := peer.Decode(string(to))
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", to, err)
	}
	s, err := n.h.NewStream(ctx, pid, protocolRPC)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Reset() })
	defer stop()

	if err := gob.NewEncoder(s).Encode(RequestWire{Method: method, Payload: payload}); err != nil {
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}
	var resp ResponseWire
	if err := gob.NewDecoder(s).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.Err != "" {
		return nil, &directory.RemoteError{Peer: to, Msg: resp.Err}
	}
	return resp.Payload, nil
}

func (n *Net) callLocal(ctx context.Context, method string, payload []byte) ([]byte, error) {
	h := n.getHandler()
	if h == nil {
		return nil, errNoHandler
	}
	out, err := h(ctx, method, payload)
	if err != nil {
		return nil, &directory.RemoteError{Peer: n.Self(), Msg: err.Error()}
	}
	return out, nil
}

// inbound

func (n *Net) handleStream(s network.Stream) {
	defer s.Close()
	_ = s.SetDeadline(n.cfg.Clock.Now().Add(inboundTimeout))

	var req RequestWire
	if err := gob.NewDecoder(s).Decode(&req); err != nil {
		n.log.Debugw("rpc_decode_failed", "from", s.Conn().RemotePeer().String(), "err", err)
		_ = s.Reset()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()

	var resp ResponseWire
	if h := n.getHandler(); h == nil {
		resp.Err = errNoHandler.Error()
	} else if out, err := h(ctx, req.Method, req.Payload); err != nil {
		resp.Err = err.Error()
	} else {
		resp.Payload = out
	}
	if err := gob.NewEncoder(s).Encode(resp); err != nil {
		n.log.Debugw("rpc_reply_failed", "method", req.Method, "err", err)
		_ = s.Reset()
	}
}

// announcements

func (n *Net) currentAnnouncement() AnnounceWire {
	addrs := make([]string, 0, len(n.h.Addrs()))
	for _, a := range n.h.Addrs() {
		addrs = append(addrs, a.String())
	}

	// seq is taken with the set it describes, so a higher seq never carries
	// an older set.
	n.muSvc.Lock()
	svcs := make([]string, 0, len(n.services))
	for s := range n.services {
		svcs = append(svcs, s)
	}
	n.seq++
	seq := n.seq
	n.muSvc.Unlock()

	slices.Sort(svcs)
	return AnnounceWire{Seq: seq, Addrs: addrs, Services: svcs}
}

func (n *Net) publish(ctx context.Context) error {
	data, err := gobEncode(n.currentAnnouncement())
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, data)
}

func (n *Net) announceLoop(ctx context.Context) {
	if n.cfg.AnnounceInterval <= 0 {
		return
	}
	for {
		if err := util.Sleep(ctx, n.cfg.Clock, n.cfg.AnnounceInterval); err != nil {
			return
		}
		if dropped := n.reg.prune(); dropped > 0 {
			n.log.Infow("providers_expired", "count", dropped)
		}
		if err := n.publish(ctx); err != nil && ctx.Err() == nil {
			n.log.Warnw("announce_publish_failed", "err", err)
		}
	}
}

// reannounceOnJoin publishes our services whenever a peer subscribes, so a
// newcomer learns the current providers without waiting a full interval.
// Peers leaving the topic are dropped from the registry.
func (n *Net) reannounceOnJoin(ctx context.Context, events *pubsub.TopicEventHandler) {
	defer events.Cancel()
	for {
		ev, err := events.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		switch ev.Type {
		case pubsub.PeerJoin:
			n.log.Debugw("announce_peer_joined", "peer", ev.Peer.String())
			if err := n.publish(ctx); err != nil && ctx.Err() == nil {
				n.log.Warnw("announce_publish_failed", "err", err)
			}
		case pubsub.PeerLeave:
			// a departed peer stops providing anything right away
			n.reg.forget(directory.Endpoint(ev.Peer.String()))
			n.log.Infow("announce_peer_left", "peer", ev.Peer.String())
		}
	}
}

func (n *Net) receiveAnnouncements(ctx context.Context) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		var w AnnounceWire
		if err := gobDecode(msg.Data, &w); err != nil {
			continue
		}
		from := msg.GetFrom()
		if from != n.h.ID() {
			n.rememberAddrs(from, w.Addrs)
		}
		if n.reg.update(directory.Endpoint(from.String()), w.Seq, w.Services) {
			n.log.Debugw("providers_updated", "peer", from.String(), "services", w.Services)
		}
	}
}

func (n *Net) rememberAddrs(p peer.ID, addrs []string) {
	ttl := n.cfg.AnnounceTTL
	if ttl <= 0 {
		ttl = peerstore.TempAddrTTL
	}
	maddrs := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		m, err := ma.NewMultiaddr(a)
		if err != nil {
			continue
		}
		maddrs = append(maddrs, m)
	}
	n.h.Peerstore().AddAddrs(p, maddrs, ttl)
}

var (
	_ directory.Directory = (*Net)(nil)
	_ directory.Transport = (*Net)(nil)
)
