// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"time"

	"inet.af/netaddr"
	"tailscale.com/types/key"
)

// discoInfo holds per-peer state for the disco protocol that is kept
// separate from endpoint's path-selection bookkeeping: the derived
// shared secret and the most recent ping seen from this peer,
// regardless of which candidate address it arrived on.
type discoInfo struct {
	discoKey    key.DiscoPublic
	sharedKey   key.DiscoShared
	haveShared  bool
	lastPingSrc netaddr.IPPort
	lastPingAt  time.Time
}

// sharedSecret returns the NaCl box shared key for talking to this
// peer's disco key, computing it once and caching it for the
// lifetime of the peer's session.
func (di *discoInfo) sharedSecret(priv key.DiscoPrivate) key.DiscoShared {
	if !di.haveShared {
		di.sharedKey = priv.Shared(di.discoKey)
		di.haveShared = true
	}
	return di.sharedKey
}

// notePing records the source and time of the most recent valid
// ping received from this peer.
func (di *discoInfo) notePing(src netaddr.IPPort, now time.Time) {
	di.lastPingSrc = src
	di.lastPingAt = now
}
