package rpc

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"go.uber.org/zap"
)

// MDNSServiceTag is the mDNS service tag for LAN discovery.
const MDNSServiceTag = "hyperchain.local"

// Discovery announces the host on the LAN via mDNS and records peers found
// the same way, so a miner can reach a server knowing only its peer ID.
type Discovery struct {
	host    host.Host
	logger  *zap.Logger
	service mdns.Service

	mu      sync.Mutex
	found   map[peer.ID]peer.AddrInfo
	waiters map[peer.ID][]chan peer.AddrInfo
}

// NewDiscovery starts the mDNS service on h.
func NewDiscovery(h host.Host, logger *zap.Logger) (*Discovery, error) {
	d := &Discovery{
		host:    h,
		logger:  logger,
		found:   make(map[peer.ID]peer.AddrInfo),
		waiters: make(map[peer.ID][]chan peer.AddrInfo),
	}

	d.service = mdns.NewMdnsService(h, MDNSServiceTag, d)
	if err := d.service.Start(); err != nil {
		return nil, err
	}
	logger.Info("mDNS discovery enabled", zap.String("tag", MDNSServiceTag))

	return d, nil
}

// Close stops the mDNS service.
func (d *Discovery) Close() error {
	return d.service.Close()
}

// HandlePeerFound is called by mDNS when a new peer is found.
func (d *Discovery) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.host.ID() {
		return
	}

	d.logger.Debug("mDNS peer found", zap.String("peer", pi.ID.String()))

	d.mu.Lock()
	d.found[pi.ID] = pi
	waiters := d.waiters[pi.ID]
	delete(d.waiters, pi.ID)
	d.mu.Unlock()

	for _, ch := range waiters {
		ch <- pi
	}
}

// WaitForPeer blocks until mDNS has found id or ctx is done.
func (d *Discovery) WaitForPeer(ctx context.Context, id peer.ID) (peer.AddrInfo, error) {
	d.mu.Lock()
	if pi, ok := d.found[id]; ok {
		d.mu.Unlock()
		return pi, nil
	}
	ch := make(chan peer.AddrInfo, 1)
	d.waiters[id] = append(d.waiters[id], ch)
	d.mu.Unlock()

	select {
	case pi := <-ch:
		return pi, nil
	case <-ctx.Done():
		d.mu.Lock()
		list := d.waiters[id]
		for i, w := range list {
			if w == ch {
				d.waiters[id] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(d.waiters[id]) == 0 {
			delete(d.waiters, id)
		}
		d.mu.Unlock()
		return peer.AddrInfo{}, ctx.Err()
	}
}
