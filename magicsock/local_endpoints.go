// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"math/rand"
	"sort"

	"inet.af/netaddr"
	"tailscale.com/tailcfg"
)

// localEndpointSet builds the ordered, deduplicated local endpoint
// set this node currently advertises: port-mapped public addresses
// first, then STUN-derived globals, then bound local interface
// addresses, then loopback only when nothing else is available.
func (a *actor) localEndpointSet() []netaddr.IPPort {
	seen := map[netaddr.IPPort]bool{}
	var out []netaddr.IPPort
	add := func(ipp netaddr.IPPort) {
		if ipp == (netaddr.IPPort{}) || seen[ipp] {
			return
		}
		seen[ipp] = true
		out = append(out, ipp)
	}

	if a.portMapped != (netaddr.IPPort{}) {
		add(a.portMapped)
	}
	if r := a.lastNetcheck; r != nil {
		if ipp, err := netaddr.ParseIPPort(r.GlobalV4); err == nil {
			add(ipp)
		}
		if ipp, err := netaddr.ParseIPPort(r.GlobalV6); err == nil {
			add(ipp)
		}
	}
	regular, loopback := a.udp.boundAddresses()
	for _, ipp := range regular {
		add(ipp)
	}
	if len(out) == 0 {
		for _, ipp := range loopback {
			add(ipp)
		}
	}
	return out
}

// endpointSetsEqual compares two local endpoint sets as multisets:
// order carries no meaning, only membership and count.
func endpointSetsEqual(a, b []netaddr.IPPort) bool {
	if len(a) != len(b) {
		return false
	}
	count := make(map[netaddr.IPPort]int, len(a))
	for _, ipp := range a {
		count[ipp]++
	}
	for _, ipp := range b {
		count[ipp]--
	}
	for _, n := range count {
		if n != 0 {
			return false
		}
	}
	return true
}

// NetworkInfo is the subset of a netcheck report publishable through
// Options.OnNetworkInfoChanged: enough to tell a caller the local
// network characteristics changed, without exposing the full report.
type NetworkInfo struct {
	PreferredDERP int
	IPv4          bool
	IPv6          bool
	GlobalV4      string
	GlobalV6      string
}

// deterministicFallbackRegion picks a relay region from dm when
// netcheck could not identify a preferred one. The pick is driven by
// a fixed-seed generator over the sorted region IDs so that repeated
// calls on the same relay map always choose the same region,
// regardless of call history elsewhere in the process.
func deterministicFallbackRegion(dm *tailcfg.DERPMap) int {
	if dm == nil || len(dm.Regions) == 0 {
		return 0
	}
	ids := make([]int, 0, len(dm.Regions))
	for id := range dm.Regions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	rng := rand.New(rand.NewSource(1))
	return ids[rng.Intn(len(ids))]
}
