// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"testing"
	"time"

	"github.com/relaynet/magicsock/disco"
	"inet.af/netaddr"
)

func newTestEndpoint() *endpoint {
	return &endpoint{
		candidates: map[netaddr.IPPort]*candidateAddr{},
		sentPing:   map[[12]byte]sentPingInfo{},
	}
}

func TestEndpointNotePongPromotesFirstCandidate(t *testing.T) {
	ep := newTestEndpoint()
	addr := netaddr.MustParseIPPort("10.0.0.1:1")
	now := time.Now()
	pi := sentPingInfo{to: addr, at: now.Add(-5 * time.Millisecond)}

	ep.notePong(pi, &disco.Pong{Src: addr}, now)

	if ep.best != addr {
		t.Fatalf("best = %v, want %v", ep.best, addr)
	}
}

func TestEndpointNotePongRequiresMarginToSwitch(t *testing.T) {
	ep := newTestEndpoint()
	now := time.Now()

	fast := netaddr.MustParseIPPort("10.0.0.1:1")
	ep.notePong(sentPingInfo{to: fast, at: now.Add(-10 * time.Millisecond)}, &disco.Pong{Src: fast}, now)
	if ep.best != fast {
		t.Fatal("setup: expected fast to become best")
	}

	slightlyFaster := netaddr.MustParseIPPort("10.0.0.2:2")
	almostSameRTT := now.Add(-9 * time.Millisecond)
	ep.notePong(sentPingInfo{to: slightlyFaster, at: almostSameRTT}, &disco.Pong{Src: slightlyFaster}, now)
	if ep.best != fast {
		t.Errorf("best switched to %v for an improvement under the margin; want to stay at %v", ep.best, fast)
	}

	muchFaster := netaddr.MustParseIPPort("10.0.0.3:3")
	ep.notePong(sentPingInfo{to: muchFaster, at: now.Add(-1 * time.Millisecond)}, &disco.Pong{Src: muchFaster}, now)
	if ep.best != muchFaster {
		t.Errorf("best = %v, want %v after a clear RTT win", ep.best, muchFaster)
	}
}

func TestEndpointExpireStaleDropsOldCandidatesAndBest(t *testing.T) {
	ep := newTestEndpoint()
	now := time.Now()
	addr := netaddr.MustParseIPPort("10.0.0.1:1")
	ep.candidates[addr] = &candidateAddr{addr: addr, lastSeen: now.Add(-time.Hour)}
	ep.best = addr

	ep.expireStale(now)

	if _, ok := ep.candidates[addr]; ok {
		t.Error("stale candidate not dropped")
	}
	if ep.best != (netaddr.IPPort{}) {
		t.Error("best not cleared after its candidate expired")
	}
}

func TestEndpointCurrentPathPrefersFreshDirectOverRelay(t *testing.T) {
	ep := newTestEndpoint()
	now := time.Now()
	addr := netaddr.MustParseIPPort("10.0.0.1:1")
	ep.candidates[addr] = &candidateAddr{addr: addr, lastVerified: now}
	ep.best = addr
	ep.relayRgn = 5

	path, got := ep.currentPath(now)
	if path != pathDirect || got != addr {
		t.Errorf("currentPath = (%v, %v), want (pathDirect, %v)", path, got, addr)
	}
}

func TestEndpointCurrentPathFallsBackToRelayWhenDirectStale(t *testing.T) {
	ep := newTestEndpoint()
	now := time.Now()
	addr := netaddr.MustParseIPPort("10.0.0.1:1")
	ep.candidates[addr] = &candidateAddr{addr: addr, lastVerified: now.Add(-time.Hour)}
	ep.best = addr
	ep.relayRgn = 5

	path, got := ep.currentPath(now)
	if path != pathRelay {
		t.Errorf("currentPath = %v, want pathRelay", path)
	}
	if region, ok := relayRegionOf(got); !ok || region != 5 {
		t.Errorf("relay address = %v, want region 5", got)
	}
}

func TestEndpointExpirePingRespectsTimeout(t *testing.T) {
	ep := newTestEndpoint()
	var txid [12]byte
	txid[0] = 1
	now := time.Now()
	ep.sentPing[txid] = sentPingInfo{to: netaddr.MustParseIPPort("10.0.0.1:1"), at: now}

	if _, ok := ep.expirePing(txid, now.Add(time.Millisecond)); ok {
		t.Error("expirePing fired before pingTimeout elapsed")
	}
	if _, ok := ep.expirePing(txid, now.Add(pingTimeout+time.Second)); !ok {
		t.Error("expirePing did not fire after pingTimeout elapsed")
	}
	if _, ok := ep.sentPing[txid]; ok {
		t.Error("expired ping not removed from sentPing")
	}
}
