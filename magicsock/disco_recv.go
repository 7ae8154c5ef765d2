// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"time"

	"github.com/relaynet/magicsock/disco"
	"inet.af/netaddr"
	"tailscale.com/net/stun"
	"tailscale.com/types/key"
)

// classifyInbound is the single entry point both the UDP workers and
// the relay workers feed packets through. src is the address (real
// UDP or relay-synthetic) the packet arrived from; fromRelay records
// which metric bucket and validation rule (CallMeMaybe is only
// honored over relay) applies. STUN responses only ever arrive on the
// raw UDP path, since relay frames only ever carry disco or
// passthrough payloads.
func (a *actor) classifyInbound(src netaddr.IPPort, srcKey key.NodePublic, p []byte, fromRelay bool) {
	if !fromRelay && stun.Is(p) {
		if a.netChk != nil {
			a.netChk.ReceiveSTUNPacket(p, src)
		}
		return
	}
	if disco.LooksLikeDiscoWrapper(p) {
		a.handleDiscoWrapper(src, p, fromRelay)
		return
	}
	if fromRelay {
		a.handlePassthroughByKey(src, srcKey, p)
		return
	}
	a.handlePassthroughByAddr(src, p)
}

// handleDiscoWrapper decrypts and dispatches one disco payload.
// Decryption only depends on the sender's disco key, not on whether
// that sender already has an endpoint record, so a Ping from a
// genuinely new sender can still be authenticated and, once verified,
// allocate a fresh endpoint (see the Ping case below).
func (a *actor) handleDiscoWrapper(src netaddr.IPPort, p []byte, fromRelay bool) {
	senderKey, ok := disco.Source(p)
	if !ok {
		metricRecvDiscoBadKey.Add(1)
		return
	}
	di := a.discoFor(senderKey)
	shared := di.sharedSecret(a.discoPriv)

	plain, ok := shared.Open(disco.Sealed(p))
	if !ok {
		metricRecvDiscoBadParse.Add(1)
		return
	}
	msg, err := disco.Parse(plain)
	if err != nil {
		metricRecvDiscoBadParse.Add(1)
		return
	}

	ep, known := a.peers.endpointForDisco(senderKey)
	now := time.Now()
	switch m := msg.(type) {
	case *disco.Ping:
		metricRecvDiscoPing.Add(1)
		di.notePing(src, now)
		if !known {
			// The sender is unknown: allocate an endpoint indexed by
			// its disco key so the path is tracked even absent a
			// network-map entry. A later network-map update naming
			// this disco key reconciles it to a node public key.
			ep = a.peers.newEndpointForDisco(senderKey)
			ep.createdAt = now
		}
		if fromRelay {
			if region, ok := relayRegionOf(src); ok {
				ep.relayRgn = region
			}
		} else {
			ep.addCandidate(src, now, false)
			a.peers.setIPPort(src, ep)
		}
		a.sendDisco(src, ep.publicKey, senderKey, &disco.Pong{TxID: m.TxID, Src: src})
	case *disco.Pong:
		if !known {
			metricRecvDiscoBadKey.Add(1)
			return
		}
		metricRecvDiscoPong.Add(1)
		if pi, ok := ep.sentPing[m.TxID]; ok {
			delete(ep.sentPing, m.TxID)
			ep.notePong(pi, m, now)
			a.peers.setIPPort(pi.to, ep)
			metricPathDirect.Add(1)
		}
	case *disco.CallMeMaybe:
		if !known {
			metricRecvDiscoBadKey.Add(1)
			return
		}
		metricRecvDiscoCallMeMaybe.Add(1)
		if !fromRelay {
			// CallMeMaybe is only trusted when it arrives over the
			// relay, since only the relay path authenticates the
			// sender's identity against the control-plane network map.
			metricRecvDiscoCallMeMaybeBad.Add(1)
			return
		}
		for _, addr := range m.MyNumber {
			c := ep.addCandidate(addr, now, true)
			a.pingCandidate(ep, c.addr, pingDiscovery)
		}
	}
}

// handlePassthroughByKey delivers a non-disco relay datagram, whose
// sender is named explicitly by the relay frame, to the upper
// transport under the sender's mapped address. A relay frame always
// carries its sender's node key, even for a sender this node has
// never heard of before (no network map has reached it yet): that
// case allocates an endpoint the same way an unsolicited disco ping
// would, rather than dropping the datagram.
func (a *actor) handlePassthroughByKey(src netaddr.IPPort, srcKey key.NodePublic, p []byte) {
	ep, ok := a.peers.endpointForNodeKey(srcKey)
	if !ok {
		ep = a.peers.newEndpoint(srcKey)
		ep.createdAt = time.Now()
	}
	if ep.relayRgn == 0 {
		if region, ok := relayRegionOf(src); ok {
			ep.relayRgn = region
		}
	}
	ep.lastRecv = time.Now()
	a.deliverPassthrough(ep, p)
}

// handlePassthroughByAddr delivers a non-disco UDP datagram, whose
// sender has no attached identity, by looking up the endpoint that
// owns src. An address is recorded as belonging to an endpoint when
// a disco ping arrives from it or a pong answers a ping sent to it;
// a datagram from any other address is dropped.
func (a *actor) handlePassthroughByAddr(src netaddr.IPPort, p []byte) {
	ep, ok := a.peers.endpointForIPPort(src)
	if !ok {
		metricDroppedPassthrough.Add(1)
		return
	}
	ep.lastRecv = time.Now()
	a.peers.setIPPort(src, ep)
	a.deliverPassthrough(ep, p)
}

// deliverPassthrough hands a payload up to whatever is waiting on
// Conn.ReadFromPeer, tagged with the sender's stable mapped address
// rather than the address it physically arrived on, since that
// address may be a relay region shared by every peer homed there.
func (a *actor) deliverPassthrough(ep *endpoint, p []byte) {
	if a.recvUp != nil {
		a.recvUp(ep.mapped.IPPort(), p)
	}
}
