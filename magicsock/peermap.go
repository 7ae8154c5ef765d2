// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"inet.af/netaddr"
	"tailscale.com/types/key"
)

// peerMap indexes the set of known endpoints four ways: by the
// peer's long-lived public key, by every concrete UDP (ip, port) that
// has ever proven reachable for it, by its stable mapped address, and
// by its disco public key.
// It is mutated only by the actor goroutine; there is deliberately no
// internal locking.
type peerMap struct {
	byNodeKey map[key.NodePublic]*endpoint
	byIPPort  map[netaddr.IPPort]*endpoint
	byMapped  map[mappedAddr]*endpoint
	byDisco   map[key.DiscoPublic]*endpoint

	mapper mappedAddrAllocator
}

func newPeerMap() *peerMap {
	return &peerMap{
		byNodeKey: map[key.NodePublic]*endpoint{},
		byIPPort:  map[netaddr.IPPort]*endpoint{},
		byMapped:  map[mappedAddr]*endpoint{},
		byDisco:   map[key.DiscoPublic]*endpoint{},
	}
}

// endpointForNodeKey returns the endpoint for pub, if any.
func (m *peerMap) endpointForNodeKey(pub key.NodePublic) (*endpoint, bool) {
	ep, ok := m.byNodeKey[pub]
	return ep, ok
}

// endpointForIPPort returns the endpoint currently reachable at addr,
// if any. addr may be a concrete UDP address or a relay synthetic
// address.
func (m *peerMap) endpointForIPPort(addr netaddr.IPPort) (*endpoint, bool) {
	ep, ok := m.byIPPort[addr]
	return ep, ok
}

// endpointForMapped returns the endpoint owning the given mapped
// address, if any.
func (m *peerMap) endpointForMapped(a mappedAddr) (*endpoint, bool) {
	ep, ok := m.byMapped[a]
	return ep, ok
}

// endpointForDisco returns the endpoint whose disco key is k, if known.
func (m *peerMap) endpointForDisco(k key.DiscoPublic) (*endpoint, bool) {
	ep, ok := m.byDisco[k]
	return ep, ok
}

// newEndpoint creates and indexes a fresh endpoint for pub, allocating
// it an unused mapped address. It must not be called if pub is
// already present.
func (m *peerMap) newEndpoint(pub key.NodePublic) *endpoint {
	ep := &endpoint{
		publicKey:  pub,
		mapped:     m.mapper.allocate(),
		candidates: map[netaddr.IPPort]*candidateAddr{},
		sentPing:   map[[12]byte]sentPingInfo{},
	}
	m.byNodeKey[pub] = ep
	m.byMapped[ep.mapped] = ep
	return ep
}

// newEndpointForDisco creates and indexes a fresh endpoint for an
// unsolicited but correctly-signed discovery ping whose sender node
// key is not yet known — only its disco key is. The endpoint is
// indexed by disco key and mapped address; reconcilePublicKey later
// promotes it once a network-map update names the same disco key.
func (m *peerMap) newEndpointForDisco(dk key.DiscoPublic) *endpoint {
	ep := &endpoint{
		discoKey:   dk,
		mapped:     m.mapper.allocate(),
		candidates: map[netaddr.IPPort]*candidateAddr{},
		sentPing:   map[[12]byte]sentPingInfo{},
	}
	m.byDisco[dk] = ep
	m.byMapped[ep.mapped] = ep
	return ep
}

// reconcilePublicKey indexes ep by its now-known node public key. It
// is a no-op if ep already has one, which can happen if two network
// map applications race to reconcile the same disco-only endpoint.
func (m *peerMap) reconcilePublicKey(ep *endpoint, pub key.NodePublic) {
	if !ep.publicKey.IsZero() {
		return
	}
	ep.publicKey = pub
	m.byNodeKey[pub] = ep
}

// setIPPort records that addr is now known to reach ep, repointing
// any previous owner of addr.
func (m *peerMap) setIPPort(addr netaddr.IPPort, ep *endpoint) {
	if old, ok := m.byIPPort[addr]; ok && old != ep {
		delete(old.candidates, addr)
	}
	m.byIPPort[addr] = ep
}

// setDiscoKey records ep's disco public key, once learned.
func (m *peerMap) setDiscoKey(ep *endpoint, dk key.DiscoPublic) {
	if ep.discoKey == dk {
		return
	}
	if !ep.discoKey.IsZero() {
		delete(m.byDisco, ep.discoKey)
	}
	ep.discoKey = dk
	m.byDisco[dk] = ep
}

// deleteEndpoint removes every index entry for ep. Callers must have
// already confirmed ep has no pending discovery probes.
func (m *peerMap) deleteEndpoint(ep *endpoint) {
	delete(m.byNodeKey, ep.publicKey)
	delete(m.byMapped, ep.mapped)
	if !ep.discoKey.IsZero() {
		delete(m.byDisco, ep.discoKey)
	}
	for addr, owner := range m.byIPPort {
		if owner == ep {
			delete(m.byIPPort, addr)
		}
	}
}

// forEach calls fn once per currently tracked endpoint. fn must not
// mutate the map.
func (m *peerMap) forEach(fn func(*endpoint)) {
	for _, ep := range m.byNodeKey {
		fn(ep)
	}
}

func (m *peerMap) len() int { return len(m.byNodeKey) }
