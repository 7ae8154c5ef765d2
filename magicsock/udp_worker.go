// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"
	"inet.af/netaddr"
	"tailscale.com/net/interfaces"
	"tailscale.com/types/logger"
)

// readErrLimiter caps how often a UDP read error is logged: a flaky
// or exhausted socket can otherwise fill the log in a tight loop.
var readErrLimiter = rate.NewLimiter(rate.Every(time.Second), 3)

// udpWorkers owns the IPv4 and IPv6 sockets and the two goroutines
// reading from them. Every datagram it reads is handed to the actor's
// classifyInbound via inCh; every send request it gets comes from the
// actor's transmitRaw, directly, since sends never need to cross
// through the actor's own select loop a second time.
type udpWorkers struct {
	logf   logger.Logf
	conn4  *rebindingConn
	conn6  *rebindingConn
	port   uint16
	inCh   chan<- inboundUDP
	stopCh chan struct{}
}

// inboundUDP is one datagram read off a UDP socket, handed to the
// actor for classification.
type inboundUDP struct {
	src netaddr.IPPort
	b   []byte
}

func newUDPWorkers(logf logger.Logf, inCh chan<- inboundUDP) *udpWorkers {
	return &udpWorkers{
		logf:   logf,
		conn4:  &rebindingConn{},
		conn6:  &rebindingConn{},
		inCh:   inCh,
		stopCh: make(chan struct{}),
	}
}

// start binds both sockets at the given preferred port (0 meaning
// any free port) and launches their read loops.
func (u *udpWorkers) start(port uint16) error {
	u.port = port
	if err := u.conn4.rebind("udp4", portAddr(port), fateKeep); err != nil {
		return err
	}
	// IPv6 is best-effort: many sandboxes and containers have no IPv6
	// stack at all.
	if err := u.conn6.rebind("udp6", portAddr(port), fateKeep); err != nil {
		u.logf("magicsock: udp6 bind failed, continuing v4-only: %v", err)
		u.conn6 = nil
	}
	go u.readLoop(u.conn4)
	if u.conn6 != nil {
		go u.readLoop(u.conn6)
	}
	return nil
}

func portAddr(port uint16) string {
	return fmt.Sprintf(":%d", port)
}

func (u *udpWorkers) readLoop(c *rebindingConn) {
	buf := make([]byte, 64<<10)
	for {
		select {
		case <-u.stopCh:
			return
		default:
		}
		n, addr, err := c.readFrom(buf)
		if err != nil {
			if err == ErrClosed {
				return
			}
			if readErrLimiter.Allow() {
				u.logf("magicsock: udp read: %v", err)
			}
			continue
		}
		ua, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		ip, ok := netaddr.FromStdIP(ua.IP)
		if !ok {
			continue
		}
		src := netaddr.IPPortFrom(ip, uint16(ua.Port))
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case u.inCh <- inboundUDP{src: src, b: pkt}:
		case <-u.stopCh:
			return
		}
	}
}

// send writes pkt to dst on whichever socket matches its address
// family.
func (u *udpWorkers) send(dst netaddr.IPPort, pkt []byte) {
	c := u.conn4
	if dst.IP().Is6() && !dst.IP().Is4in6() {
		c = u.conn6
	}
	if c == nil {
		return
	}
	udpAddr := &net.UDPAddr{IP: dst.IP().AsSlice(), Port: int(dst.Port())}
	c.writeTo(pkt, udpAddr)
}

// rebindAll tears down and recreates both sockets at the previously
// configured port, e.g. after a link change or a wake from sleep.
func (u *udpWorkers) rebindAll(reason string) {
	u.logf("magicsock: rebinding all sockets: %s", reason)
	u.conn4.rebind("udp4", portAddr(u.port), fateDrop)
	if u.conn6 != nil {
		u.conn6.rebind("udp6", portAddr(u.port), fateDrop)
	}
}

// boundPort returns the port actually bound on the IPv4 socket, which
// may differ from the originally requested port after a rebind to
// "any free port".
func (u *udpWorkers) boundPort() uint16 {
	port := u.port
	if la := u.conn4.localAddr(); la != nil {
		if ua, ok := la.(*net.UDPAddr); ok {
			port = uint16(ua.Port)
		}
	}
	return port
}

// boundAddresses enumerates this node's bound local interface
// addresses, each paired with the bound port: regular holds every
// non-loopback address, loopback holds the rest. Splitting the two is
// what lets the local endpoint set fall back to loopback only when
// nothing else is available.
func (u *udpWorkers) boundAddresses() (regular, loopback []netaddr.IPPort) {
	reg, lo, err := interfaces.LocalAddresses()
	if err != nil {
		return nil, nil
	}
	port := u.boundPort()
	conv := func(addrs []net.IP) []netaddr.IPPort {
		out := make([]netaddr.IPPort, 0, len(addrs))
		for _, a := range addrs {
			ip, err := netaddr.ParseIP(a.String())
			if err != nil {
				continue
			}
			out = append(out, netaddr.IPPortFrom(ip, port))
		}
		return out
	}
	return conv(reg), conv(lo)
}

func (u *udpWorkers) closeAll() {
	close(u.stopCh)
	u.conn4.close()
	if u.conn6 != nil {
		u.conn6.close()
	}
}
