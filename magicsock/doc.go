// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package magicsock implements a virtual UDP socket that transparently
// routes datagrams to peers over whichever path — a relay (DERP)
// connection or a directly discovered UDP path — is currently best,
// and that fails back to the relay without disturbing whatever
// transport (typically QUIC) is layered on top.
//
// A single goroutine, the actor, owns every piece of mutable state:
// the peer table, the per-peer disco sessions, the network map and
// the last netcheck report. Everything else — the public Conn facade,
// the UDP read loops, the relay read loops — talks to the actor only
// by posting messages on bounded channels.
package magicsock
