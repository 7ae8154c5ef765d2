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

// endpointsFreshEnough is how long a candidate address is trusted
// without being re-verified by a fresh ping/pong before it is
// considered stale and dropped from consideration.
const endpointsFreshEnough = 27 * time.Second

// heartbeatInterval is how often the actor sends a ping to the
// current best direct candidate of every peer that has one, to keep
// NAT mappings alive and to detect path failure quickly.
const heartbeatInterval = 5 * time.Second

// pingTimeout bounds how long a sent ping is kept in sentPing waiting
// for a pong before it is treated as lost.
const pingTimeout = 5 * time.Second

// rttImprovementMargin is how much faster a newly-verified candidate
// must be, relative to the current best, before the endpoint switches
// its preferred direct path to it. This avoids flapping between two
// candidates of near-identical latency.
const rttImprovementMargin = 10 * time.Millisecond

// candidateAddr is one UDP address at which a peer might be directly
// reachable, along with what's known about its liveness.
type candidateAddr struct {
	addr         netaddr.IPPort
	lastSeen     time.Time // last time this address was learned, pinged us, or answered a ping
	lastVerified time.Time // last time a pong round-trip confirmed this address
	rtt          time.Duration
	fromCallMe   bool // learned via CallMeMaybe; stays set after verification
}

func (c *candidateAddr) fresh(now time.Time) bool {
	return !c.lastVerified.IsZero() && now.Sub(c.lastVerified) < endpointsFreshEnough
}

// sentPingInfo records a ping this side sent and is awaiting a pong
// for.
type sentPingInfo struct {
	to      netaddr.IPPort
	at      time.Time
	purpose pingPurpose
}

type pingPurpose int

const (
	pingDiscovery pingPurpose = iota // probing a newly learned candidate
	pingHeartbeat                    // keeping an established path alive
)

// endpointPath is which transport an endpoint should currently be
// sent on.
type endpointPath int

const (
	pathNone endpointPath = iota
	pathDirect
	pathRelay
)

// endpoint is the per-peer record tracked by the actor: candidate
// direct addresses, outstanding pings, current path choice, and the
// relay region to fall back to.
type endpoint struct {
	publicKey key.NodePublic
	discoKey  key.DiscoPublic
	mapped    mappedAddr

	candidates map[netaddr.IPPort]*candidateAddr
	sentPing   map[[12]byte]sentPingInfo

	best      netaddr.IPPort // zero value if no verified direct candidate
	bestRTT   time.Duration
	relayRgn  int // 0 means "no relay region known"
	lastRecv  time.Time
	createdAt time.Time
}

// currentPath reports which transport should be used to reach this
// endpoint right now: a verified-fresh direct candidate is always
// preferred over relay.
func (e *endpoint) currentPath(now time.Time) (path endpointPath, addr netaddr.IPPort) {
	if c, ok := e.candidates[e.best]; ok && c.fresh(now) {
		return pathDirect, e.best
	}
	if e.relayRgn != 0 {
		return pathRelay, relayAddr(e.relayRgn)
	}
	return pathNone, netaddr.IPPort{}
}

// addCandidate records addr as a possible direct path, learned from
// a received ping's source, a CallMeMaybe, a pong, or SeedCandidate.
// It does not mark the
// address verified; only a successful pong does that.
func (e *endpoint) addCandidate(addr netaddr.IPPort, now time.Time, fromCallMe bool) *candidateAddr {
	c, ok := e.candidates[addr]
	if !ok {
		c = &candidateAddr{addr: addr}
		e.candidates[addr] = c
	}
	c.lastSeen = now
	if fromCallMe {
		c.fromCallMe = true
	}
	return c
}

// notePong records a pong round-trip, possibly promoting its source
// to the endpoint's preferred direct path if it beats the current
// best by more than the configured margin.
func (e *endpoint) notePong(pi sentPingInfo, pong *disco.Pong, now time.Time) {
	c, ok := e.candidates[pi.to]
	if !ok {
		c = e.addCandidate(pi.to, now, false)
	}
	rtt := now.Sub(pi.at)
	c.lastVerified = now
	c.lastSeen = now
	c.rtt = rtt

	if e.best == (netaddr.IPPort{}) {
		e.setBest(pi.to, rtt)
		return
	}
	if pi.to == e.best {
		e.bestRTT = rtt
		return
	}
	if rtt+rttImprovementMargin < e.bestRTT {
		e.setBest(pi.to, rtt)
	}
}

func (e *endpoint) setBest(addr netaddr.IPPort, rtt time.Duration) {
	e.best = addr
	e.bestRTT = rtt
}

// expireStale drops candidates that have neither been seen nor
// verified recently, and clears best if it no longer points at a
// live candidate. It never removes the relay fallback.
func (e *endpoint) expireStale(now time.Time) {
	for addr, c := range e.candidates {
		if now.Sub(c.lastSeen) > 2*endpointsFreshEnough {
			delete(e.candidates, addr)
			if addr == e.best {
				e.best = netaddr.IPPort{}
				e.bestRTT = 0
			}
		}
	}
}

// expirePing drops a sent ping that has been outstanding longer than
// pingTimeout, reporting whether it did so.
func (e *endpoint) expirePing(txid [12]byte, now time.Time) (sentPingInfo, bool) {
	pi, ok := e.sentPing[txid]
	if !ok {
		return sentPingInfo{}, false
	}
	if now.Sub(pi.at) < pingTimeout {
		return sentPingInfo{}, false
	}
	delete(e.sentPing, txid)
	return pi, true
}

// pingTargets returns the addresses worth sending a heartbeat
// ping to: the current best, plus any unverified CallMeMaybe
// candidate still awaiting its first pong.
func (e *endpoint) pingTargets(now time.Time) []netaddr.IPPort {
	var out []netaddr.IPPort
	if e.best != (netaddr.IPPort{}) {
		out = append(out, e.best)
	}
	for addr, c := range e.candidates {
		if addr == e.best {
			continue
		}
		if c.fromCallMe && c.lastVerified.IsZero() {
			out = append(out, addr)
		}
	}
	return out
}
