// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import "errors"

// ErrClosed is returned by Conn methods after Close has completed.
// It is the "not connected"-kind terminal error referenced throughout
// the facade's contract.
var ErrClosed = errors.New("magicsock: closed")

// errNoDestination is logged by the actor's send path when a peer
// has neither a direct UDP address nor a relay region; it never
// reaches the upper transport.
var errNoDestination = errors.New("magicsock: no path to destination")

// ErrNoSuchPeer is returned by WriteTo for an address that is not the
// mapped address of any endpoint in the peer table.
var ErrNoSuchPeer = errors.New("magicsock: no such peer")

// errQueueFull is the internal sentinel used to distinguish "send
// queue full, try again" from a hard failure on a try-send.
var errQueueFull = errors.New("magicsock: queue full")

// ErrNotReady is returned by PollSend and PollRecv when the call would
// otherwise block: PollSend's queue is full, or PollRecv has nothing
// queued. The caller's registered Waker fires once that changes.
var ErrNotReady = errors.New("magicsock: not ready")
