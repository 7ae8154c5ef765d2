// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"time"

	"github.com/relaynet/magicsock/disco"
	"inet.af/netaddr"
	"tailscale.com/types/key"
)

// sendDisco seals and transmits one disco message to dst, over
// whichever of the UDP or relay worker owns that address's path.
// dstNode identifies the destination's node key and is only consumed
// when dst resolves to a relay region, since DERP routes by node key
// rather than by IP.
func (a *actor) sendDisco(dst netaddr.IPPort, dstNode key.NodePublic, dstKey key.DiscoPublic, msg discoPayload) {
	di := a.discoFor(dstKey)
	shared := di.sharedSecret(a.discoPriv)

	plain := msg.AppendMarshal(nil)
	sealed := shared.Seal(plain)

	pkt := disco.AppendMagicAndSource(nil, a.discoPriv.Public())
	pkt = append(pkt, sealed...)

	a.recordSentMetric(msg)
	a.transmitRaw(dst, dstNode, pkt)
}

func (a *actor) recordSentMetric(msg discoPayload) {
	switch msg.(type) {
	case *disco.Ping:
		metricSentDiscoPing.Add(1)
	case *disco.Pong:
		metricSentDiscoPong.Add(1)
	case *disco.CallMeMaybe:
		metricSentDiscoCallMeMaybe.Add(1)
	}
}

// transmitRaw hands a fully-framed packet (disco or otherwise) to
// whichever worker owns dst: the relay worker if dst is a synthetic
// relay address, the UDP worker otherwise.
func (a *actor) transmitRaw(dst netaddr.IPPort, dstNode key.NodePublic, pkt []byte) {
	if region, ok := relayRegionOf(dst); ok {
		a.rly.sendTo(region, dstNode, pkt)
		return
	}
	a.udp.send(dst, pkt)
}

// pingCandidate sends a fresh ping to one of a peer's candidate
// addresses and records it in sentPing so the pong (or timeout) can
// be matched back to it.
func (a *actor) pingCandidate(ep *endpoint, addr netaddr.IPPort, purpose pingPurpose) {
	var txid [12]byte
	a.rng.Read(txid[:])

	ep.sentPing[txid] = sentPingInfo{to: addr, at: time.Now(), purpose: purpose}
	a.sendDisco(addr, ep.publicKey, ep.discoKey, &disco.Ping{TxID: txid})

	ep2 := ep
	txidCopy := txid
	cmdCh := a.cmdCh
	time.AfterFunc(pingTimeout, func() {
		select {
		case cmdCh <- msgEndpointPingExpired{peer: ep2.publicKey, txid: txidCopy}:
		default:
		}
	})
}

func (a *actor) handlePingExpired(peer key.NodePublic, txid [12]byte) {
	ep, ok := a.peers.endpointForNodeKey(peer)
	if !ok {
		return
	}
	ep.expirePing(txid, time.Now())
}

// sendHeartbeats pings the current best (and any not-yet-verified
// CallMeMaybe candidate) of every peer that has one, to keep NAT
// bindings alive and to catch a dead direct path quickly.
func (a *actor) sendHeartbeats() {
	now := time.Now()
	a.peers.forEach(func(ep *endpoint) {
		ep.expireStale(now)
		for _, addr := range ep.pingTargets(now) {
			a.pingCandidate(ep, addr, pingHeartbeat)
		}
	})
}

// enqueueCallMeMaybe asks the actor to send a CallMeMaybe to peer
// over the given relay region, advertising this node's current local
// endpoints as candidates to ping back on. If the local endpoint set
// is stale, the send is deferred behind a fresh STUN refresh instead
// of advertising addresses that may no longer be reachable.
func (a *actor) enqueueCallMeMaybe(relayRegion int, peer key.NodePublic) {
	ep, ok := a.peers.endpointForNodeKey(peer)
	if !ok || ep.discoKey.IsZero() {
		return
	}
	if a.lastEndpointRefresh.IsZero() || time.Since(a.lastEndpointRefresh) > endpointsFreshEnough {
		a.pendingCallMeMaybe = append(a.pendingCallMeMaybe, pendingCallMeMaybe{relayRegion: relayRegion, peer: peer})
		a.startReSTUN("callmemaybe-stale-endpoints")
		return
	}
	eps := a.localEndpointSet()
	a.sendDisco(relayAddr(relayRegion), ep.publicKey, ep.discoKey, &disco.CallMeMaybe{MyNumber: eps})
}

// flushPendingCallMeMaybe replays every CallMeMaybe deferred for
// staleness once a netcheck refresh has completed and the local
// endpoint set is fresh again.
func (a *actor) flushPendingCallMeMaybe() {
	pending := a.pendingCallMeMaybe
	a.pendingCallMeMaybe = nil
	for _, p := range pending {
		a.enqueueCallMeMaybe(p.relayRegion, p.peer)
	}
}

// handleOutgoing routes one upper-layer send, addressed by the
// destination's node public key, to the peer's current best path.
func (a *actor) handleOutgoing(f outgoingFrame) {
	ep, ok := a.peers.endpointForNodeKey(f.dst)
	if !ok {
		return
	}
	path, addr := ep.currentPath(time.Now())
	if path == pathNone {
		a.logf("magicsock: dropping send to %s: %v", f.dst.ShortString(), errNoDestination)
		return
	}
	a.transmitRaw(addr, ep.publicKey, f.data)
}

// handleRelayIn processes a datagram that arrived over a relay
// connection from srcKey, classifying it as disco or passthrough the
// same way the UDP worker does, but sourced from the relay synthetic
// address for that region.
func (a *actor) handleRelayIn(m msgReceiveFromRelay) {
	src := relayAddr(m.region)
	a.classifyInbound(src, m.srcKey, m.payload, true)
}
