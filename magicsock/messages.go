// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"inet.af/netaddr"
	"tailscale.com/net/netcheck"
	"tailscale.com/tailcfg"
	"tailscale.com/types/key"
	"tailscale.com/types/netmap"
)

// actorMessage is the sealed set of commands the actor goroutine
// accepts on its command queue. Every external mutation or query
// against the coordinator's state goes through one of these.
type actorMessage interface {
	isActorMessage()
}

type msgSetDERPMap struct {
	dm *tailcfg.DERPMap
}

type msgSetNetworkMap struct {
	nm *netmap.NetworkMap
}

type msgReSTUN struct {
	reason string
}

type msgRebindAll struct {
	reason string
}

type msgSetPreferredPort struct {
	port uint16
}

type msgGetMappedAddr struct {
	peer key.NodePublic
	resp chan<- mappedAddrResult
}

type mappedAddrResult struct {
	addr netaddr.IPPort
	err  error
}

type msgListTrackedPeers struct {
	resp chan<- []PeerStatus
}

type msgListLocalEndpoints struct {
	resp chan<- []netaddr.IPPort
}

// msgPeerForMapped resolves a mapped address back to its owning
// peer's node public key, for the net.PacketConn adapter's WriteTo,
// which is only ever handed a mapped address by its caller.
type msgPeerForMapped struct {
	addr mappedAddr
	resp chan<- peerForMappedResult
}

type peerForMappedResult struct {
	peer key.NodePublic
	ok   bool
}

// msgSetPeerDisco records a peer's disco public key out of band, for
// callers (such as a direct peer-to-peer test harness) that have no
// network map to learn it from.
type msgSetPeerDisco struct {
	peer key.NodePublic
	disco key.DiscoPublic
}

// msgSeedCandidate offers addr as a possible direct path to peer and
// immediately pings it, the same way a freshly learned CallMeMaybe
// candidate would be verified.
type msgSeedCandidate struct {
	peer key.NodePublic
	addr netaddr.IPPort
}

// discoPayload is satisfied by disco.Ping, disco.Pong and
// disco.CallMeMaybe; it's narrowed here to avoid a second import
// cycle in callers that only need to pass one through.
type discoPayload interface {
	AppendMarshal([]byte) []byte
}

type msgEnqueueCallMeMaybe struct {
	relayRegion int
	peer        key.NodePublic
}

type msgEndpointPingExpired struct {
	peer key.NodePublic
	txid [12]byte
}

type msgReceiveFromRelay struct {
	region  int
	srcKey  key.NodePublic
	payload []byte
}

type msgCloseOrReconnectRelay struct {
	region int
	reason string
}

type msgNetcheckReport struct {
	report *netcheck.Report
	err    error
}

type msgShutdown struct {
	done chan<- struct{}
}

func (msgSetDERPMap) isActorMessage()            {}
func (msgSetNetworkMap) isActorMessage()         {}
func (msgReSTUN) isActorMessage()                {}
func (msgRebindAll) isActorMessage()             {}
func (msgSetPreferredPort) isActorMessage()      {}
func (msgGetMappedAddr) isActorMessage()         {}
func (msgListTrackedPeers) isActorMessage()      {}
func (msgListLocalEndpoints) isActorMessage()    {}
func (msgPeerForMapped) isActorMessage()         {}
func (msgSetPeerDisco) isActorMessage()          {}
func (msgSeedCandidate) isActorMessage()         {}
func (msgEnqueueCallMeMaybe) isActorMessage()    {}
func (msgEndpointPingExpired) isActorMessage()   {}
func (msgReceiveFromRelay) isActorMessage()      {}
func (msgCloseOrReconnectRelay) isActorMessage() {}
func (msgNetcheckReport) isActorMessage()        {}
func (msgShutdown) isActorMessage()              {}

// PeerStatus is the debug snapshot of one tracked peer, returned by
// Conn.ListTrackedPeers.
type PeerStatus struct {
	PublicKey  key.NodePublic
	MappedAddr netaddr.IPPort
	Best       netaddr.IPPort
	BestRTT    int64 // nanoseconds; 0 if no verified direct path
	RelayRegion int
	NumCandidates int
}
