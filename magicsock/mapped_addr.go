// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"encoding/binary"
	"sync/atomic"

	"inet.af/netaddr"
)

// mappedAddrPort is the fixed port every mapped address is reported
// with. Only the IPv6 address half of the pair varies per peer.
const mappedAddrPort = 12345

// mappedAddrPrefixLen is the length, in bytes, of the fixed portion
// of the mapped address (prefix + global ID + subnet); the remaining
// 8 bytes are the per-peer counter.
const mappedAddrPrefixLen = 8

var mappedAddrPrefix = [mappedAddrPrefixLen]byte{
	0xfd,             // RFC 4193 ULA prefix byte
	21, 7, 10, 81, 11, // global ID
	0, 0, // subnet
}

// mappedAddr is the synthetic, process-unique IPv6 address assigned
// to a peer's endpoint the first time that peer is seen. It is handed
// to the upper transport as the peer's stable socket address and is
// otherwise meaningless outside this process.
type mappedAddr netaddr.IP

// IPPort returns the full (ip, port) mapped address.
func (a mappedAddr) IPPort() netaddr.IPPort {
	return netaddr.IPPortFrom(netaddr.IP(a), mappedAddrPort)
}

func (a mappedAddr) String() string {
	return a.IPPort().String()
}

// isMappedAddr reports whether ip falls in the mapped address space:
// ULA prefix 0xfd, the fixed global-ID and subnet bytes.
func isMappedAddr(ip netaddr.IP) bool {
	if !ip.Is6() {
		return false
	}
	b := ip.As16()
	return [mappedAddrPrefixLen]byte(b[:mappedAddrPrefixLen]) == mappedAddrPrefix
}

// mappedAddrAllocator hands out mapped addresses that are pairwise
// distinct for the lifetime of the process. It is only ever touched
// by the actor goroutine, so the counter does not strictly need to be
// atomic, but keeping it atomic makes "never reused" trivially true
// even if a future caller reads it concurrently for diagnostics.
type mappedAddrAllocator struct {
	next uint64
}

func (m *mappedAddrAllocator) allocate() mappedAddr {
	n := atomic.AddUint64(&m.next, 1)
	var b [16]byte
	copy(b[:mappedAddrPrefixLen], mappedAddrPrefix[:])
	binary.BigEndian.PutUint64(b[mappedAddrPrefixLen:], n)
	return mappedAddr(netaddr.IPv6Raw(b))
}
