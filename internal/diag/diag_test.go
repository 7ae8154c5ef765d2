// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package diag

import (
	"context"
	"sync"
	"testing"
	"time"

	"inet.af/netaddr"
	"tailscale.com/types/key"
)

// loopbackPipe is a minimal in-memory writer/reader pair used to
// exercise Send/Receive without a real magicsock.Conn.
type loopbackPipe struct {
	mu  sync.Mutex
	buf [][]byte
	ch  chan []byte
}

func newLoopbackPipe() *loopbackPipe {
	return &loopbackPipe{ch: make(chan []byte, 1024)}
}

func (p *loopbackPipe) WriteToPeer(b []byte, _ key.NodePublic) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case p.ch <- cp:
	default:
	}
	return len(b), nil
}

func (p *loopbackPipe) ReadFromPeer(ctx context.Context, b []byte) (int, netaddr.IPPort, error) {
	select {
	case data := <-p.ch:
		return copy(b, data), netaddr.IPPort{}, nil
	case <-ctx.Done():
		return 0, netaddr.IPPort{}, ctx.Err()
	}
}

func TestSendReceiveCountsBytesAndPackets(t *testing.T) {
	pipe := newLoopbackPipe()
	peer := key.NewNode().Public()

	recvDone := make(chan Result, 1)
	go func() {
		r, err := Receive(pipe, Config{Peer: peer, Duration: 300 * time.Millisecond})
		if err != nil {
			t.Error(err)
		}
		recvDone <- r
	}()

	time.Sleep(20 * time.Millisecond)
	if err := Send(pipe, Config{Peer: peer, Duration: 100 * time.Millisecond, PacketSize: 64}); err != nil {
		t.Fatal(err)
	}

	res := <-recvDone
	if res.PacketsReceived == 0 {
		t.Fatal("expected at least one packet received")
	}
	if res.BytesReceived != res.PacketsReceived*64 {
		t.Errorf("BytesReceived = %d, want %d*64", res.BytesReceived, res.PacketsReceived)
	}
}

func TestResultStringDoesNotPanicOnZeroElapsed(t *testing.T) {
	r := Result{}
	if s := r.String(); s == "" {
		t.Fatal("String() returned empty")
	}
}
