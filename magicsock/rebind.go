// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"errors"
	"net"
	"sync"
)

// rebindFate says what should happen to the previously bound socket
// when rebind replaces it.
type rebindFate int

const (
	// fateKeep closes the old socket only after the swap, letting any
	// in-flight read/write on it finish against real kernel state.
	fateKeep rebindFate = iota
	// fateDrop closes the old socket immediately, on the assumption it
	// is already dead (e.g. the network interface disappeared).
	fateDrop
)

// rebindingConn wraps a kernel UDP socket behind a layer of
// indirection so the actor can atomically swap in a freshly bound
// socket — on a port change, a wake-from-sleep, or a link change —
// without restarting the UDP read loop: a read or send caught on the
// old socket sees it close and the next call picks up the new one.
type rebindingConn struct {
	mu     sync.RWMutex
	pc     net.PacketConn
	closed bool
}

func (c *rebindingConn) currentConn() (net.PacketConn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pc, c.closed
}

// rebind replaces the underlying socket with a freshly bound one on
// network, addr. The old socket is closed per fate; any goroutine
// blocked in ReadFrom on the old socket will see it close and must
// retry against currentConn.
func (c *rebindingConn) rebind(network, addr string, fate rebindFate) error {
	if fate == fateDrop {
		if old, _ := c.currentConn(); old != nil {
			old.Close()
		}
	}
	pc, err := net.ListenPacket(network, addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.pc
	c.pc = pc
	closed := c.closed
	c.mu.Unlock()

	if old != nil && fate == fateKeep {
		old.Close()
	}
	if closed {
		pc.Close()
	}
	return nil
}

// writeTo sends b to addr on whatever socket is current, retrying
// once if the socket was swapped out from under it mid-call.
func (c *rebindingConn) writeTo(b []byte, addr net.Addr) (int, error) {
	pc, closed := c.currentConn()
	if closed {
		return 0, ErrClosed
	}
	if pc == nil {
		return 0, net.ErrClosed
	}
	n, err := pc.WriteTo(b, addr)
	if err != nil && errors.Is(err, net.ErrClosed) {
		if pc2, closed := c.currentConn(); !closed && pc2 != nil && pc2 != pc {
			return pc2.WriteTo(b, addr)
		}
	}
	return n, err
}

// readFrom reads one datagram from whatever socket is current. A
// caller should loop on net.ErrClosed: that means rebind swapped the
// socket mid-read and the caller should pick up the new one.
func (c *rebindingConn) readFrom(b []byte) (int, net.Addr, error) {
	pc, closed := c.currentConn()
	if closed {
		return 0, nil, ErrClosed
	}
	if pc == nil {
		return 0, nil, net.ErrClosed
	}
	return pc.ReadFrom(b)
}

// WriteTo and ReadFrom are the exported mirrors of writeTo/readFrom,
// satisfying tailscale.com/net/netcheck.STUNConn so a netcheck.Client
// can share this socket for its own STUN probes instead of opening a
// second one.
func (c *rebindingConn) WriteTo(b []byte, addr net.Addr) (int, error) { return c.writeTo(b, addr) }
func (c *rebindingConn) ReadFrom(b []byte) (int, net.Addr, error)     { return c.readFrom(b) }

func (c *rebindingConn) localAddr() net.Addr {
	pc, _ := c.currentConn()
	if pc == nil {
		return nil
	}
	return pc.LocalAddr()
}

// close permanently shuts the connection down. It is idempotent.
func (c *rebindingConn) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}
