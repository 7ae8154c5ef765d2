// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"testing"

	"inet.af/netaddr"
)

func TestMappedAddrAllocatorNeverReuses(t *testing.T) {
	var a mappedAddrAllocator
	seen := map[mappedAddr]bool{}
	for i := 0; i < 1000; i++ {
		m := a.allocate()
		if seen[m] {
			t.Fatalf("mapped address reused at iteration %d: %v", i, m)
		}
		seen[m] = true
		if !isMappedAddr(m.IPPort().IP()) {
			t.Fatalf("allocated address %v does not classify as mapped", m)
		}
	}
}

func TestIsMappedAddrRejectsOrdinaryAddresses(t *testing.T) {
	for _, s := range []string{"192.168.1.1", "2001:db8::1", "::1", "fd00::1"} {
		if isMappedAddr(netaddr.MustParseIP(s)) {
			t.Errorf("isMappedAddr(%s) = true, want false", s)
		}
	}
}
