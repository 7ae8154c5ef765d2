// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"testing"

	"inet.af/netaddr"
	"tailscale.com/types/key"
)

// newTestConn builds a Conn around a test actor, with no real UDP
// sockets bound, suitable for exercising the poll/waker facade without
// a live actor goroutine running.
func newTestConn(t *testing.T) *Conn {
	t.Helper()
	a := newTestActor(t)
	a.sendCh = make(chan outgoingFrame, 4)
	return &Conn{
		logf:   a.logf,
		act:    a,
		closed: make(chan struct{}),
		recvCh: make(chan receivedPacket, 4),
	}
}

func TestPollSendFillsQueueThenReturnsNotReady(t *testing.T) {
	c := newTestConn(t)
	peer := key.NewNode().Public()

	batch := make([]Transmit, cap(c.act.sendCh)+1)
	for i := range batch {
		batch[i] = Transmit{Peer: peer, Data: []byte("x")}
	}

	woke := false
	sent, err := c.PollSend(batch, func() { woke = true })
	if err != ErrNotReady {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if sent != cap(c.act.sendCh) {
		t.Fatalf("sent = %d, want %d", sent, cap(c.act.sendCh))
	}
	if woke {
		t.Fatal("waker fired before anything drained the queue")
	}

	<-c.act.sendCh
	c.fireSendWaker()
	if !woke {
		t.Fatal("fireSendWaker did not call the registered waker")
	}
}

func TestPollRecvDrainsQueueAndFillsRemoteAddr(t *testing.T) {
	c := newTestConn(t)
	src := netaddr.MustParseIPPort("10.0.0.1:9")
	c.recvCh <- receivedPacket{src: src, b: []byte("hello")}

	bufs := [][]byte{make([]byte, 16)}
	metas := make([]ReceiveMeta, 1)
	n, err := c.PollRecv(bufs, metas, nil)
	if err != nil {
		t.Fatalf("PollRecv: %v", err)
	}
	if n != 1 || string(bufs[0]) != "hello" {
		t.Fatalf("PollRecv returned %d datagrams, first %q", n, bufs[0])
	}
	if metas[0].RemoteAddr != src {
		t.Fatalf("RemoteAddr = %v, want %v", metas[0].RemoteAddr, src)
	}

	_, err = c.PollRecv(bufs, metas, func() {})
	if err != ErrNotReady {
		t.Fatalf("err = %v, want ErrNotReady on empty queue", err)
	}
}

func TestPollSendAndPollRecvReturnErrClosed(t *testing.T) {
	c := newTestConn(t)
	close(c.closed)

	if _, err := c.PollSend(nil, nil); err != ErrClosed {
		t.Errorf("PollSend err = %v, want ErrClosed", err)
	}
	if _, err := c.PollRecv(nil, nil, nil); err != ErrClosed {
		t.Errorf("PollRecv err = %v, want ErrClosed", err)
	}
}
