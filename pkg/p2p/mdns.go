package p2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"
)

const mdnsServiceName = "peerbook"

type mdnsService interface {
	Close() error
}

// mdnsNotifee dials every peer found on the LAN.
type mdnsNotifee struct {
	h   host.Host
	log *zap.SugaredLogger
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.h.ID() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.h.Connect(ctx, pi); err != nil {
			m.log.Debugw("mdns_connect_failed", "peer", pi.ID.String(), "err", err)
			return
		}
		m.log.Infow("mdns_peer_connected", "peer", pi.ID.String())
	}()
}

func startMDNS(h host.Host, log *zap.SugaredLogger) (mdnsService, error) {
	svc := mdns.NewMdnsService(h, mdnsServiceName, &mdnsNotifee{h: h, log: log})
	if err := svc.Start(); err != nil {
		return nil, err
	}
	return svc, nil
}
