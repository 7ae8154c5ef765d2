// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import "inet.af/netaddr"

// relayMagicIP is the sentinel IPv4 address used to build the
// synthetic "socket address" of relay traffic: (relayMagicIP,
// region_id). It is treated as a first-class address throughout the
// code so UDP and relay paths share one code path wherever possible.
var relayMagicIP = netaddr.MustParseIP("127.3.3.40")

// relayAddr returns the synthetic address for traffic arriving from
// or destined to the given DERP region.
func relayAddr(regionID int) netaddr.IPPort {
	return netaddr.IPPortFrom(relayMagicIP, uint16(regionID))
}

// relayRegionOf reports the DERP region a synthetic relay address
// encodes, if ap is one.
func relayRegionOf(ap netaddr.IPPort) (region int, ok bool) {
	if ap.IP() != relayMagicIP {
		return 0, false
	}
	return int(ap.Port()), true
}
