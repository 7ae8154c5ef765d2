// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"math/rand"
	"testing"

	"github.com/relaynet/magicsock/disco"
	"inet.af/netaddr"
	"tailscale.com/types/key"
	"tailscale.com/types/logger"
)

// newTestActor builds an actor with no real sockets, suitable for
// exercising the disco handshake and peer-table logic in isolation.
func newTestActor(t *testing.T) *actor {
	t.Helper()
	a := &actor{
		logf:      logger.Discard,
		cmdCh:     make(chan actorMessage, 8),
		peers:     newPeerMap(),
		disco:     map[key.DiscoPublic]*discoInfo{},
		discoPriv: key.NewDisco(),
		rng:       rand.New(rand.NewSource(1)),
	}
	a.udp = newUDPWorkers(logger.Discard, make(chan inboundUDP, 1))
	return a
}

func TestHandleDiscoWrapperPingProducesPongAndCandidate(t *testing.T) {
	a := newTestActor(t)

	peerPriv := key.NewDisco()
	peerPub := peerPriv.Public()

	ep := a.peers.newEndpoint(key.NewNode().Public())
	a.peers.setDiscoKey(ep, peerPub)

	sealed := sealPing(t, peerPriv, a.discoPriv.Public(), disco.TransactionID{1, 2, 3})
	src := netaddr.MustParseIPPort("10.1.1.1:5555")

	pongsBefore := metricSentDiscoPong.Value()
	a.handleDiscoWrapper(src, sealed, false)

	if got := metricSentDiscoPong.Value(); got != pongsBefore+1 {
		t.Errorf("pongs sent = %d, want %d", got, pongsBefore+1)
	}
	if _, ok := ep.candidates[src]; !ok {
		t.Error("ping from a real UDP source did not register as a candidate")
	}
}

func TestHandleDiscoWrapperRejectsCallMeMaybeOverDirectPath(t *testing.T) {
	a := newTestActor(t)
	peerPriv := key.NewDisco()
	ep := a.peers.newEndpoint(key.NewNode().Public())
	a.peers.setDiscoKey(ep, peerPriv.Public())

	cmm := &disco.CallMeMaybe{MyNumber: []netaddr.IPPort{netaddr.MustParseIPPort("10.9.9.9:1")}}
	sealed := sealMessage(t, peerPriv, a.discoPriv.Public(), cmm)
	src := netaddr.MustParseIPPort("10.1.1.1:5555")

	a.handleDiscoWrapper(src, sealed, false)

	if len(ep.candidates) != 0 {
		t.Error("CallMeMaybe arriving outside the relay path was honored")
	}
}

func TestHandleDiscoWrapperUnknownSenderAllocatesEndpoint(t *testing.T) {
	a := newTestActor(t)

	peerPriv := key.NewDisco()
	peerPub := peerPriv.Public()
	src := netaddr.MustParseIPPort("10.1.1.1:5555")

	if _, ok := a.peers.endpointForDisco(peerPub); ok {
		t.Fatal("sender already known before the test sent anything")
	}

	sealed := sealPing(t, peerPriv, a.discoPriv.Public(), disco.TransactionID{4, 5, 6})
	a.handleDiscoWrapper(src, sealed, false)

	ep, ok := a.peers.endpointForDisco(peerPub)
	if !ok {
		t.Fatal("a decryptable ping from an unknown sender did not allocate an endpoint")
	}
	if got, ok := a.peers.endpointForIPPort(src); !ok || got != ep {
		t.Error("new endpoint was not indexed by the ping's source address")
	}
	if !ep.publicKey.IsZero() {
		t.Error("endpoint allocated from a bare disco key should have no node key yet")
	}
}

func TestEndpointMappedAddrStableAcrossCalls(t *testing.T) {
	a := newTestActor(t)
	pub := key.NewNode().Public()

	resp1 := make(chan mappedAddrResult, 1)
	a.handleGetMappedAddr(msgGetMappedAddr{peer: pub, resp: resp1})
	first := <-resp1

	resp2 := make(chan mappedAddrResult, 1)
	a.handleGetMappedAddr(msgGetMappedAddr{peer: pub, resp: resp2})
	second := <-resp2

	if first.addr != second.addr {
		t.Errorf("mapped address changed across calls: %v != %v", first.addr, second.addr)
	}
}

// sealPing builds a ping disco wrapper the same way sendDisco would,
// but driven directly by the test so it can use an arbitrary sender
// identity rather than the actor under test's own.
func sealPing(t *testing.T, from key.DiscoPrivate, to key.DiscoPublic, txid disco.TransactionID) []byte {
	t.Helper()
	return sealMessage(t, from, to, &disco.Ping{TxID: txid})
}

func sealMessage(t *testing.T, from key.DiscoPrivate, to key.DiscoPublic, msg interface {
	AppendMarshal([]byte) []byte
}) []byte {
	t.Helper()
	shared := from.Shared(to)
	plain := msg.AppendMarshal(nil)
	sealed := shared.Seal(plain)
	pkt := disco.AppendMagicAndSource(nil, from.Public())
	return append(pkt, sealed...)
}

