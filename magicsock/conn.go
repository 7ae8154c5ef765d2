// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"inet.af/netaddr"
	"tailscale.com/net/netcheck"
	"tailscale.com/net/portmapper"
	"tailscale.com/tailcfg"
	"tailscale.com/types/key"
	"tailscale.com/types/logger"
	"tailscale.com/types/netmap"
)

// Options configures a new Conn.
type Options struct {
	// Logf is where the connection logs to. If nil, logger.Discard is
	// used.
	Logf logger.Logf

	// Port is the preferred UDP port to bind. 0 means any free port.
	Port uint16

	// NodeKey is this node's own identity, used to authenticate to
	// DERP relays. If zero, a fresh one is generated.
	NodeKey key.NodePrivate

	// OnEndpointsChanged, if set, is called with the new local
	// endpoint set whenever a STUN refresh changes it (compared as a
	// multiset; order carries no meaning).
	OnEndpointsChanged func([]netaddr.IPPort)

	// OnRelayConnected, if set, is called once, the first time this
	// Conn establishes a preferred relay region.
	OnRelayConnected func(region int)

	// OnNetworkInfoChanged, if set, is called whenever a STUN refresh
	// reports locally observed network characteristics that differ
	// substantially from what was last reported.
	OnNetworkInfoChanged func(NetworkInfo)
}

// Conn is a virtual, peer-addressed UDP socket. Reads and writes are
// addressed by each peer's stable mapped address rather than by its
// real, possibly-NATed UDP address; underneath, Conn transparently
// picks between a direct UDP path and a DERP relay fallback per peer,
// and keeps switching as path quality changes, without the caller
// ever observing a hiccup beyond ordinary packet loss.
type Conn struct {
	logf logger.Logf

	act      *actor
	discoPub key.DiscoPublic
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}

	recvMu sync.Mutex
	recvCh chan receivedPacket

	// wakeMu guards the single registered waker for each of PollSend
	// and PollRecv; each slot holds at most one handle, overwritten by
	// the most recent registration, per the facade's "not ready"
	// contract.
	wakeMu   sync.Mutex
	sendWake Waker
	recvWake Waker

	deadlineMu    sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

type receivedPacket struct {
	src netaddr.IPPort
	b   []byte
}

// Waker is called to notify a caller blocked on "not ready" that it
// should poll again. Registering a new Waker replaces whatever was
// registered before it; only the most recent registration fires.
type Waker func()

// ReceiveMeta describes one datagram returned by PollRecv.
type ReceiveMeta struct {
	// RemoteAddr is the sender's stable mapped address, not its real
	// underlying UDP address.
	RemoteAddr netaddr.IPPort
}

func (c *Conn) setSendWaker(w Waker) {
	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	c.sendWake = w
}

func (c *Conn) setRecvWaker(w Waker) {
	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	c.recvWake = w
}

func (c *Conn) fireSendWaker() {
	c.wakeMu.Lock()
	w := c.sendWake
	c.sendWake = nil
	c.wakeMu.Unlock()
	if w != nil {
		w()
	}
}

func (c *Conn) fireRecvWaker() {
	c.wakeMu.Lock()
	w := c.recvWake
	c.recvWake = nil
	c.wakeMu.Unlock()
	if w != nil {
		w()
	}
}

// PollSend tries to enqueue every item in batch without blocking. If
// the actor's send queue fills before the whole batch is enqueued, it
// registers wake (replacing any previous registration) and returns the
// count enqueued so far along with ErrNotReady; wake fires once the
// actor has drained at least one queued send, at which point the
// caller should retry with the remainder of batch.
func (c *Conn) PollSend(batch []Transmit, wake Waker) (sent int, err error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	for _, t := range batch {
		select {
		case c.act.sendCh <- outgoingFrame{dst: t.Peer, data: t.Data}:
			sent++
		default:
			c.setSendWaker(wake)
			return sent, ErrNotReady
		}
	}
	return sent, nil
}

// PollRecv drains whatever datagrams are already queued into bufs,
// filling the matching entry of metas with each sender's mapped
// address. If nothing is queued, it registers wake (replacing any
// previous registration) and returns ErrNotReady; wake fires once a
// new datagram arrives.
func (c *Conn) PollRecv(bufs [][]byte, metas []ReceiveMeta, wake Waker) (n int, err error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	for n < len(bufs) {
		select {
		case p := <-c.recvCh:
			bufs[n] = bufs[n][:copy(bufs[n], p.b)]
			metas[n] = ReceiveMeta{RemoteAddr: p.src}
			n++
		default:
			if n > 0 {
				return n, nil
			}
			c.setRecvWaker(wake)
			return 0, ErrNotReady
		}
	}
	return n, nil
}

// NewConn creates a Conn and binds its UDP sockets, but does not yet
// start the actor; call Start to do that.
func NewConn(opts Options) (*Conn, error) {
	logf := opts.Logf
	if logf == nil {
		logf = logger.Discard
	}

	netChk := &netcheck.Client{Logf: logf}
	portM := portmapper.NewClient(logf, nil)

	nodeKey := opts.NodeKey
	if nodeKey.IsZero() {
		nodeKey = key.NewNode()
	}

	act := newActor(logf, netChk, portM)
	act.udp = newUDPWorkers(logf, act.udpInCh)
	act.rly = newRelayWorkers(logf, nodeKey, func() *tailcfg.DERPMap { return act.derpMap }, act.relayInCh)
	act.onEndpointsChanged = opts.OnEndpointsChanged
	act.onRelayConnected = opts.OnRelayConnected
	act.onNetworkInfoChanged = opts.OnNetworkInfoChanged

	if err := act.udp.start(opts.Port); err != nil {
		return nil, err
	}

	// Share the UDP sockets with netcheck's own STUN prober instead of
	// opening a second one per family.
	netChk.GetSTUNConn4 = func() netcheck.STUNConn { return act.udp.conn4 }
	netChk.GetSTUNConn6 = func() netcheck.STUNConn {
		if act.udp.conn6 == nil {
			return nil
		}
		return act.udp.conn6
	}

	c := &Conn{
		logf:     logf,
		act:      act,
		discoPub: act.discoPriv.Public(),
		closed:   make(chan struct{}),
		recvCh:   make(chan receivedPacket, 128),
	}
	act.recvUp = func(src netaddr.IPPort, payload []byte) {
		select {
		case c.recvCh <- receivedPacket{src: src, b: payload}:
			c.fireRecvWaker()
		default:
			metricDroppedPassthrough.Add(1)
		}
	}
	act.wakeSend = c.fireSendWaker
	return c, nil
}

// Start launches the actor's coordinator goroutine. It must be
// called exactly once.
func (c *Conn) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.act.run(ctx)
	}()
}

// Close shuts the connection down: the actor stops, both UDP sockets
// and all relay clients close. Close is idempotent; subsequent calls
// return nil immediately.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		done := make(chan struct{})
		select {
		case c.act.cmdCh <- msgShutdown{done: done}:
			<-done
		case <-c.closed:
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		close(c.closed)
	})
	return nil
}

// isClosed reports whether Close has completed.
func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// GetMappedAddr returns the stable mapped address for peer,
// allocating one on first use.
func (c *Conn) GetMappedAddr(peer key.NodePublic) (netaddr.IPPort, error) {
	if c.isClosed() {
		return netaddr.IPPort{}, ErrClosed
	}
	resp := make(chan mappedAddrResult, 1)
	c.act.cmdCh <- msgGetMappedAddr{peer: peer, resp: resp}
	r := <-resp
	return r.addr, r.err
}

// ListTrackedPeers returns a debug snapshot of every peer currently
// in the peer table.
func (c *Conn) ListTrackedPeers() []PeerStatus {
	if c.isClosed() {
		return nil
	}
	resp := make(chan []PeerStatus, 1)
	c.act.cmdCh <- msgListTrackedPeers{resp: resp}
	return <-resp
}

// ListLocalEndpoints returns this node's own current candidate UDP
// addresses.
func (c *Conn) ListLocalEndpoints() []netaddr.IPPort {
	if c.isClosed() {
		return nil
	}
	resp := make(chan []netaddr.IPPort, 1)
	c.act.cmdCh <- msgListLocalEndpoints{resp: resp}
	return <-resp
}

// DiscoPublicKey returns this Conn's own disco public key, for
// exchanging out of band with a peer that has no network map to learn
// it from (e.g. a direct peer-to-peer test harness).
func (c *Conn) DiscoPublicKey() key.DiscoPublic {
	return c.discoPub
}

// SetPeerDisco records peer's disco public key directly, for callers
// with no network map.
func (c *Conn) SetPeerDisco(peer key.NodePublic, disco key.DiscoPublic) {
	if c.isClosed() {
		return
	}
	c.act.cmdCh <- msgSetPeerDisco{peer: peer, disco: disco}
}

// SeedCandidate offers addr as a possible direct path to peer and
// triggers the normal disco ping/pong verification round-trip against
// it, the same way a learned CallMeMaybe candidate is verified.
func (c *Conn) SeedCandidate(peer key.NodePublic, addr netaddr.IPPort) {
	if c.isClosed() {
		return
	}
	c.act.cmdCh <- msgSeedCandidate{peer: peer, addr: addr}
}

// SetDERPMap installs a fresh relay map.
func (c *Conn) SetDERPMap(dm *tailcfg.DERPMap) {
	if c.isClosed() {
		return
	}
	c.act.cmdCh <- msgSetDERPMap{dm: dm}
}

// SetNetworkMap installs a fresh network map, adding any newly-seen
// peers to the peer table.
func (c *Conn) SetNetworkMap(nm *netmap.NetworkMap) {
	if c.isClosed() {
		return
	}
	c.act.cmdCh <- msgSetNetworkMap{nm: nm}
}

// ReSTUN requests an out-of-cycle netcheck report, coalescing with
// any refresh already in flight.
func (c *Conn) ReSTUN(reason string) {
	if c.isClosed() {
		return
	}
	c.act.cmdCh <- msgReSTUN{reason: reason}
}

// RebindAll closes and recreates the underlying UDP sockets, e.g.
// after a network change is detected by the caller.
func (c *Conn) RebindAll(reason string) {
	if c.isClosed() {
		return
	}
	c.act.cmdCh <- msgRebindAll{reason: reason}
}

// SetPreferredPort changes the UDP port Conn tries to bind on future
// rebinds.
func (c *Conn) SetPreferredPort(port uint16) {
	if c.isClosed() {
		return
	}
	c.act.cmdCh <- msgSetPreferredPort{port: port}
}

// WriteToPeer sends b to peer's current best path. It never blocks:
// if the actor's send queue is full, the write is dropped and
// errQueueFull is returned with a count of 0.
func (c *Conn) WriteToPeer(b []byte, peer key.NodePublic) (int, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case c.act.sendCh <- outgoingFrame{dst: peer, data: cp}:
		return len(b), nil
	default:
		return 0, errQueueFull
	}
}

// ReadFromPeer blocks until a passthrough datagram arrives, or ctx is
// done, or Close is called. It returns the sender's mapped address.
func (c *Conn) ReadFromPeer(ctx context.Context, b []byte) (n int, src netaddr.IPPort, err error) {
	select {
	case p := <-c.recvCh:
		n = copy(b, p.b)
		return n, p.src, nil
	case <-c.closed:
		return 0, netaddr.IPPort{}, ErrClosed
	case <-ctx.Done():
		return 0, netaddr.IPPort{}, ctx.Err()
	}
}

// LocalAddr returns one of the bound sockets' local address, for
// diagnostics and for satisfying net.PacketConn.
func (c *Conn) LocalAddr() net.Addr {
	if la := c.act.udp.conn4.localAddr(); la != nil {
		return la
	}
	if c.act.udp.conn6 != nil {
		return c.act.udp.conn6.localAddr()
	}
	return nil
}

// mappedNetAddr renders a peer's mapped address as a net.Addr, the
// form ReadFrom hands back to a net.PacketConn caller.
func mappedNetAddr(ipp netaddr.IPPort) net.Addr {
	return ipp.UDPAddr()
}

// peerForAddr resolves a net.Addr previously returned by ReadFrom (or
// supplied directly by a caller that already knows a peer's mapped
// address) back to the node public key that owns it.
func (c *Conn) peerForAddr(addr net.Addr) (key.NodePublic, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return key.NodePublic{}, fmt.Errorf("magicsock: %v is not a mapped address", addr)
	}
	ip, ok := netaddr.FromStdIP(ua.IP)
	if !ok {
		return key.NodePublic{}, fmt.Errorf("magicsock: %v is not a mapped address", addr)
	}
	resp := make(chan peerForMappedResult, 1)
	c.act.cmdCh <- msgPeerForMapped{addr: mappedAddr(ip), resp: resp}
	r := <-resp
	if !r.ok {
		return key.NodePublic{}, fmt.Errorf("magicsock: %v: %w", addr, ErrNoSuchPeer)
	}
	return r.peer, nil
}

// ReadFrom implements net.PacketConn as a thin synchronous adapter
// over PollRecv: it blocks until a datagram is queued, the read
// deadline passes, or Close is called.
func (c *Conn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	bufs := [][]byte{b}
	metas := make([]ReceiveMeta, 1)
	for {
		n, err = c.PollRecv(bufs, metas, nil)
		if err != ErrNotReady {
			if err != nil {
				return 0, nil, err
			}
			return n, mappedNetAddr(metas[0].RemoteAddr), nil
		}
		timer, stop := c.deadlineTimer(c.getReadDeadline)
		woke := make(chan struct{}, 1)
		c.setRecvWaker(func() { select { case woke <- struct{}{}: default: } })
		select {
		case <-woke:
		case <-timer:
			stop()
			return 0, nil, os.ErrDeadlineExceeded
		case <-c.closed:
			stop()
			return 0, nil, ErrClosed
		}
		stop()
	}
}

// WriteTo implements net.PacketConn as a thin synchronous adapter
// over PollSend. addr must be a mapped address previously returned by
// ReadFrom, or a peer's mapped address obtained from GetMappedAddr.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	peer, err := c.peerForAddr(addr)
	if err != nil {
		return 0, err
	}
	batch := []Transmit{{Peer: peer, Data: b}}
	for {
		sent, err := c.PollSend(batch, nil)
		if err != ErrNotReady {
			if err != nil {
				return sent, err
			}
			return len(b), nil
		}
		timer, stop := c.deadlineTimer(c.getWriteDeadline)
		woke := make(chan struct{}, 1)
		c.setSendWaker(func() { select { case woke <- struct{}{}: default: } })
		select {
		case <-woke:
		case <-timer:
			stop()
			return 0, os.ErrDeadlineExceeded
		case <-c.closed:
			stop()
			return 0, ErrClosed
		}
		stop()
	}
}

func (c *Conn) getReadDeadline() time.Time {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	return c.readDeadline
}

func (c *Conn) getWriteDeadline() time.Time {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	return c.writeDeadline
}

// deadlineTimer returns a channel that fires once the deadline
// reported by get has passed, and a stop func to release the timer
// early. A zero deadline means no timeout, so the channel never fires.
func (c *Conn) deadlineTimer(get func() time.Time) (<-chan time.Time, func()) {
	d := get()
	if d.IsZero() {
		return nil, func() {}
	}
	t := time.NewTimer(time.Until(d))
	return t.C, func() { t.Stop() }
}

// SetDeadline sets both the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	c.SetWriteDeadline(t)
	return nil
}

// SetReadDeadline sets the deadline for future ReadFrom calls. A zero
// value disables the deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

// SetWriteDeadline sets the deadline for future WriteTo calls. A zero
// value disables the deadline.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.writeDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

var _ net.PacketConn = (*Conn)(nil)
