// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"testing"

	"inet.af/netaddr"
	"tailscale.com/types/key"
)

func TestPeerMapInsertAndLookup(t *testing.T) {
	m := newPeerMap()
	priv := key.NewNode()
	pub := priv.Public()

	if _, ok := m.endpointForNodeKey(pub); ok {
		t.Fatal("unexpected hit before insert")
	}

	ep := m.newEndpoint(pub)
	if got, ok := m.endpointForNodeKey(pub); !ok || got != ep {
		t.Fatal("endpointForNodeKey did not return inserted endpoint")
	}
	if got, ok := m.endpointForMapped(ep.mapped); !ok || got != ep {
		t.Fatal("endpointForMapped did not return inserted endpoint")
	}

	addr := netaddr.MustParseIPPort("10.0.0.5:5000")
	m.setIPPort(addr, ep)
	if got, ok := m.endpointForIPPort(addr); !ok || got != ep {
		t.Fatal("endpointForIPPort did not return inserted endpoint")
	}
}

func TestPeerMapMappedAddressesDistinct(t *testing.T) {
	m := newPeerMap()
	var eps []*endpoint
	for i := 0; i < 10; i++ {
		eps = append(eps, m.newEndpoint(key.NewNode().Public()))
	}
	seen := map[mappedAddr]bool{}
	for _, ep := range eps {
		if seen[ep.mapped] {
			t.Fatal("duplicate mapped address across distinct peers")
		}
		seen[ep.mapped] = true
	}
}

func TestPeerMapDeleteEndpointClearsAllIndexes(t *testing.T) {
	m := newPeerMap()
	pub := key.NewNode().Public()
	ep := m.newEndpoint(pub)
	addr := netaddr.MustParseIPPort("10.0.0.5:5000")
	m.setIPPort(addr, ep)
	dk := key.NewDisco().Public()
	m.setDiscoKey(ep, dk)

	m.deleteEndpoint(ep)

	if _, ok := m.endpointForNodeKey(pub); ok {
		t.Error("byNodeKey not cleared")
	}
	if _, ok := m.endpointForMapped(ep.mapped); ok {
		t.Error("byMapped not cleared")
	}
	if _, ok := m.endpointForIPPort(addr); ok {
		t.Error("byIPPort not cleared")
	}
	if _, ok := m.endpointForDisco(dk); ok {
		t.Error("byDisco not cleared")
	}
}

func TestPeerMapReconcilePublicKeyPromotesDiscoOnlyEndpoint(t *testing.T) {
	m := newPeerMap()
	dk := key.NewDisco().Public()
	ep := m.newEndpointForDisco(dk)

	if !ep.publicKey.IsZero() {
		t.Fatal("disco-only endpoint should start with no node key")
	}
	if got, ok := m.endpointForDisco(dk); !ok || got != ep {
		t.Fatal("endpointForDisco did not return the disco-only endpoint")
	}

	pub := key.NewNode().Public()
	m.reconcilePublicKey(ep, pub)
	if got, ok := m.endpointForNodeKey(pub); !ok || got != ep {
		t.Fatal("reconcilePublicKey did not index the endpoint by node key")
	}

	// A second reconciliation attempt, e.g. from a racing network-map
	// application, must not repoint an already-reconciled endpoint.
	other := key.NewNode().Public()
	m.reconcilePublicKey(ep, other)
	if ep.publicKey != pub {
		t.Error("reconcilePublicKey repointed an already-reconciled endpoint")
	}
}

func TestPeerMapSetIPPortRepointsOwner(t *testing.T) {
	m := newPeerMap()
	epA := m.newEndpoint(key.NewNode().Public())
	epB := m.newEndpoint(key.NewNode().Public())
	addr := netaddr.MustParseIPPort("10.0.0.9:4242")

	m.setIPPort(addr, epA)
	epA.candidates[addr] = &candidateAddr{addr: addr}

	m.setIPPort(addr, epB)
	if _, ok := epA.candidates[addr]; ok {
		t.Error("old owner's candidate entry not cleared on repoint")
	}
	if got, ok := m.endpointForIPPort(addr); !ok || got != epB {
		t.Error("address not repointed to new owner")
	}
}
