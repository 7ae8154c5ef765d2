// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"sync"

	"tailscale.com/derp"
	"tailscale.com/derp/derphttp"
	"tailscale.com/tailcfg"
	"tailscale.com/types/key"
	"tailscale.com/types/logger"
)

// relayWorkers holds one derphttp.Client per DERP region this node
// currently has a reason to be connected to, each driven by its own
// receive goroutine.
type relayWorkers struct {
	logf    logger.Logf
	priv    key.NodePrivate
	derpMap func() *tailcfg.DERPMap
	inCh    chan<- msgReceiveFromRelay

	mu      sync.Mutex
	clients map[int]*relayClient
	closed  bool
}

type relayClient struct {
	region int
	c      *derphttp.Client
	stopCh chan struct{}
}

func newRelayWorkers(logf logger.Logf, priv key.NodePrivate, derpMap func() *tailcfg.DERPMap, inCh chan<- msgReceiveFromRelay) *relayWorkers {
	return &relayWorkers{
		logf:    logf,
		priv:    priv,
		derpMap: derpMap,
		inCh:    inCh,
		clients: map[int]*relayClient{},
	}
}

// sendTo transmits pkt to dstKey over the given region, connecting to
// that region lazily on first use.
func (r *relayWorkers) sendTo(region int, dstKey key.NodePublic, pkt []byte) {
	rc, err := r.clientFor(region)
	if err != nil {
		r.logf("magicsock: relay %d: %v", region, err)
		return
	}
	if err := rc.c.Send(dstKey, pkt); err != nil {
		r.logf("magicsock: relay %d send: %v", region, err)
		r.closeOrReconnect(region, "send-error")
	}
}

func (r *relayWorkers) clientFor(region int) (*relayClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.clients[region]; ok {
		return rc, nil
	}
	regionID := region
	c := derphttp.NewRegionClient(r.priv, r.logf, func() *tailcfg.DERPRegion {
		dm := r.derpMap()
		if dm == nil {
			return nil
		}
		return dm.Regions[regionID]
	})
	rc := &relayClient{region: region, c: c, stopCh: make(chan struct{})}
	r.clients[region] = rc
	go r.readLoop(rc)
	return rc, nil
}

func (r *relayWorkers) readLoop(rc *relayClient) {
	for {
		select {
		case <-rc.stopCh:
			return
		default:
		}
		msg, err := rc.c.Recv()
		if err != nil {
			r.logf("magicsock: relay %d recv: %v", rc.region, err)
			return
		}
		switch m := msg.(type) {
		case derp.ReceivedPacket:
			select {
			case r.inCh <- msgReceiveFromRelay{region: rc.region, srcKey: m.Source, payload: m.Data}:
			case <-rc.stopCh:
				return
			}
		default:
			metricRelayFramesDropped.Add(1)
		}
	}
}

// closeOrReconnect tears down the client for region, if any. The next
// send or ping will lazily reconnect.
func (r *relayWorkers) closeOrReconnect(region int, reason string) {
	r.mu.Lock()
	rc, ok := r.clients[region]
	if ok {
		delete(r.clients, region)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logf("magicsock: relay %d closing: %s", region, reason)
	close(rc.stopCh)
	rc.c.Close()
}

func (r *relayWorkers) closeAll() {
	r.mu.Lock()
	r.closed = true
	clients := r.clients
	r.clients = map[int]*relayClient{}
	r.mu.Unlock()
	for _, rc := range clients {
		close(rc.stopCh)
		rc.c.Close()
	}
}
