// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
	"inet.af/netaddr"
	"tailscale.com/net/netcheck"
	"tailscale.com/net/portmapper"
	"tailscale.com/tailcfg"
	"tailscale.com/types/key"
	"tailscale.com/types/logger"
	"tailscale.com/types/netmap"
)

// reSTUNCycleMin and reSTUNCycleMax bound the randomized interval
// between unprompted re-probes of the local network, so that many
// nodes started at once don't all probe in lockstep.
const (
	reSTUNCycleMin = 20 * time.Second
	reSTUNCycleMax = 26 * time.Second
)

// actor owns every piece of mutable magicsock state and is the only
// goroutine that ever touches it. Everything else communicates with
// it over its channels: cmdCh, sendCh, relayInCh and udpInCh.
type actor struct {
	logf   logger.Logf
	netChk *netcheck.Client
	portM  *portmapper.Client

	cmdCh     chan actorMessage
	sendCh    chan outgoingFrame
	relayInCh chan msgReceiveFromRelay
	udpInCh   chan inboundUDP
	closeCh   chan struct{}

	udp *udpWorkers
	rly *relayWorkers

	peers     *peerMap
	disco     map[key.DiscoPublic]*discoInfo
	derpMap   *tailcfg.DERPMap
	netMap    *netmap.NetworkMap
	discoPriv key.DiscoPrivate

	preferredPort uint16
	preferredDERP int
	lastNetcheck  *netcheck.Report

	// portMapped is the last external address the port mapper reported
	// as cached or in-progress, zero if none.
	portMapped netaddr.IPPort

	// recvUp delivers a passthrough payload, tagged with the sender's
	// mapped address, to whatever is waiting on Conn.PollRecv or
	// Conn.ReadFromPeer.
	recvUp func(src netaddr.IPPort, payload []byte)

	// wakeSend, if set, is called every time a queued outgoing frame is
	// dequeued and handled, so Conn.PollSend's registered waker can be
	// fired once the send queue has room again.
	wakeSend func()

	// STUN/endpoint-refresh latch: at most one refresh in flight, at
	// most one more queued behind it with the most recent reason.
	reStunRunning bool
	reStunWant    bool
	reStunReason  string

	// lastEndpointRefresh is when the local endpoint set was last
	// rebuilt from a completed netcheck report; enqueueCallMeMaybe
	// defers its send when this is stale.
	lastEndpointRefresh time.Time
	pendingCallMeMaybe  []pendingCallMeMaybe

	// lastPublishedEndpoints and lastPublishedInfo are what was last
	// handed to onEndpointsChanged / onNetworkInfoChanged, so repeat
	// refreshes that change nothing don't re-fire either callback.
	lastPublishedEndpoints []netaddr.IPPort
	lastPublishedInfo      *NetworkInfo
	relayConnectedOnce     bool

	onEndpointsChanged   func([]netaddr.IPPort)
	onRelayConnected     func(region int)
	onNetworkInfoChanged func(NetworkInfo)

	rng *rand.Rand
}

// pendingCallMeMaybe is a CallMeMaybe deferred because the local
// endpoint set was stale when it was requested; it is replayed once
// the netcheck refresh it triggered completes.
type pendingCallMeMaybe struct {
	relayRegion int
	peer        key.NodePublic
}

// outgoingFrame is one send request handed from Conn.PollSend to the
// actor's transmit queue.
type outgoingFrame struct {
	dst  key.NodePublic
	data []byte
}

func newActor(logf logger.Logf, netChk *netcheck.Client, portM *portmapper.Client) *actor {
	return &actor{
		logf:      logf,
		netChk:    netChk,
		portM:     portM,
		cmdCh:     make(chan actorMessage, 128),
		sendCh:    make(chan outgoingFrame, 128),
		relayInCh: make(chan msgReceiveFromRelay, 256),
		udpInCh:   make(chan inboundUDP, 128),
		closeCh:   make(chan struct{}),
		peers:     newPeerMap(),
		disco:     map[key.DiscoPublic]*discoInfo{},
		discoPriv: key.NewDisco(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// run is the actor's main loop. It exits when ctx is canceled or a
// msgShutdown is processed.
func (a *actor) run(ctx context.Context) {
	reStunTimer := time.NewTimer(a.nextReSTUNInterval())
	defer reStunTimer.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closeCh:
			return
		case m := <-a.cmdCh:
			if a.handle(m) {
				return
			}
		case f := <-a.sendCh:
			a.handleOutgoing(f)
			if a.wakeSend != nil {
				a.wakeSend()
			}
		case m := <-a.relayInCh:
			a.handleRelayIn(m)
		case p := <-a.udpInCh:
			a.classifyInbound(p.src, key.NodePublic{}, p.b, false)
		case <-reStunTimer.C:
			a.startReSTUN("periodic")
			reStunTimer.Reset(a.nextReSTUNInterval())
		case <-heartbeat.C:
			a.sendHeartbeats()
		}
	}
}

func (a *actor) nextReSTUNInterval() time.Duration {
	span := reSTUNCycleMax - reSTUNCycleMin
	return reSTUNCycleMin + time.Duration(a.rng.Int63n(int64(span)))
}

// handle dispatches one command message. It returns true if the
// actor should stop running (a shutdown was processed).
func (a *actor) handle(m actorMessage) (shutdown bool) {
	switch m := m.(type) {
	case msgSetDERPMap:
		a.derpMap = m.dm
	case msgSetNetworkMap:
		a.applyNetworkMap(m.nm)
	case msgReSTUN:
		a.startReSTUN(m.reason)
	case msgRebindAll:
		a.udp.rebindAll(m.reason)
	case msgSetPreferredPort:
		a.preferredPort = m.port
		a.udp.port = m.port
		a.udp.rebindAll("preferred-port-changed")
	case msgGetMappedAddr:
		a.handleGetMappedAddr(m)
	case msgListTrackedPeers:
		m.resp <- a.snapshotPeers()
	case msgListLocalEndpoints:
		m.resp <- a.localEndpointSet()
	case msgPeerForMapped:
		ep, ok := a.peers.endpointForMapped(m.addr)
		if !ok {
			m.resp <- peerForMappedResult{}
			break
		}
		m.resp <- peerForMappedResult{peer: ep.publicKey, ok: true}
	case msgSetPeerDisco:
		ep, ok := a.peers.endpointForNodeKey(m.peer)
		if !ok {
			ep = a.peers.newEndpoint(m.peer)
			ep.createdAt = time.Now()
		}
		a.peers.setDiscoKey(ep, m.disco)
	case msgSeedCandidate:
		ep, ok := a.peers.endpointForNodeKey(m.peer)
		if !ok || ep.discoKey.IsZero() {
			break
		}
		ep.addCandidate(m.addr, time.Now(), false)
		a.pingCandidate(ep, m.addr, pingDiscovery)
	case msgEnqueueCallMeMaybe:
		a.enqueueCallMeMaybe(m.relayRegion, m.peer)
	case msgEndpointPingExpired:
		a.handlePingExpired(m.peer, m.txid)
	case msgReceiveFromRelay:
		a.handleRelayIn(m)
	case msgCloseOrReconnectRelay:
		a.rly.closeOrReconnect(m.region, m.reason)
	case msgNetcheckReport:
		a.handleNetcheckReport(m.report, m.err)
	case msgShutdown:
		a.shutdown()
		close(m.done)
		return true
	}
	return false
}

func (a *actor) handleGetMappedAddr(m msgGetMappedAddr) {
	ep, ok := a.peers.endpointForNodeKey(m.peer)
	if !ok {
		ep = a.peers.newEndpoint(m.peer)
		ep.createdAt = time.Now()
	}
	m.resp <- mappedAddrResult{addr: ep.mapped.IPPort()}
}

func (a *actor) snapshotPeers() []PeerStatus {
	var out []PeerStatus
	a.peers.forEach(func(ep *endpoint) {
		out = append(out, PeerStatus{
			PublicKey:     ep.publicKey,
			MappedAddr:    ep.mapped.IPPort(),
			Best:          ep.best,
			BestRTT:       int64(ep.bestRTT),
			RelayRegion:   ep.relayRgn,
			NumCandidates: len(ep.candidates),
		})
	})
	return out
}

// applyNetworkMap reconciles the peer table against a freshly
// supplied network map: new peers are allocated mapped addresses and
// seeded with any DERP-home hint; a peer already known only by its
// disco key (from an earlier unsolicited ping) is promoted in place
// rather than duplicated. Peers no longer present in nm, and with no
// discovery probe still outstanding, are removed from the peer table;
// their mapped address is never reused while the process lives.
func (a *actor) applyNetworkMap(nm *netmap.NetworkMap) {
	a.netMap = nm
	if nm == nil {
		return
	}
	present := make(map[key.NodePublic]bool, len(nm.Peers))
	for _, p := range nm.Peers {
		present[p.Key] = true
		ep, ok := a.peers.endpointForNodeKey(p.Key)
		if !ok && !p.DiscoKey.IsZero() {
			if existing, ok2 := a.peers.endpointForDisco(p.DiscoKey); ok2 && existing.publicKey.IsZero() {
				a.peers.reconcilePublicKey(existing, p.Key)
				ep, ok = existing, true
			}
		}
		if !ok {
			ep = a.peers.newEndpoint(p.Key)
			ep.createdAt = time.Now()
		}
		if p.DERP != "" {
			if rgn, ok := parseDERPHome(p.DERP); ok {
				ep.relayRgn = rgn
			}
		}
		if !p.DiscoKey.IsZero() {
			a.peers.setDiscoKey(ep, p.DiscoKey)
			a.discoFor(p.DiscoKey)
		}
	}

	var stale []*endpoint
	// forEach ranges byNodeKey, so a disco-only endpoint awaiting
	// reconciliation (indexed only by disco key) is never visited here
	// and so never pruned by network-map membership alone.
	a.peers.forEach(func(ep *endpoint) {
		if present[ep.publicKey] || len(ep.sentPing) > 0 {
			return
		}
		stale = append(stale, ep)
	})
	for _, ep := range stale {
		a.peers.deleteEndpoint(ep)
	}
}

// parseDERPHome extracts a region ID out of the "127.3.3.40:N" style
// DERP-home string tailscale.com/tailcfg.Node.DERP carries.
func parseDERPHome(s string) (region int, ok bool) {
	ipp, err := netaddr.ParseIPPort(s)
	if err != nil {
		return 0, false
	}
	return relayRegionOf(ipp)
}

func (a *actor) discoFor(dk key.DiscoPublic) *discoInfo {
	di, ok := a.disco[dk]
	if !ok {
		di = &discoInfo{discoKey: dk}
		a.disco[dk] = di
	}
	return di
}

// shutdown tears down the UDP sockets and every relay client
// concurrently, since neither depends on the other and relay clients
// may each block briefly on their own connection teardown.
func (a *actor) shutdown() {
	var g errgroup.Group
	if a.udp != nil {
		g.Go(func() error {
			a.udp.closeAll()
			return nil
		})
	}
	if a.rly != nil {
		g.Go(func() error {
			a.rly.closeAll()
			return nil
		})
	}
	g.Wait()
}
