// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package diag implements a small datagram throughput test driven
// directly over a magicsock.Conn, to let magicdiag demonstrate and
// measure the effect of the direct-vs-relay path switch on a live
// connection. Unlike a TCP-stream throughput test, each send is
// already a self-delimited unit: there is no header framing to worry
// about beyond a 4-byte sequence number at the front of each packet.
package diag

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"inet.af/netaddr"
	"tailscale.com/types/key"
)

// DefaultDuration is how long a test runs when the caller doesn't
// specify one.
const DefaultDuration = 5 * time.Second

// DefaultPacketSize is the size of each probe datagram, including the
// 4-byte sequence header at its front.
const DefaultPacketSize = 1200

// Config describes one throughput run.
type Config struct {
	Peer       key.NodePublic
	Duration   time.Duration
	PacketSize int
	// BucketInterval, if nonzero, splits the Result into sub-interval
	// Buckets in addition to the overall total.
	BucketInterval time.Duration
}

// Result summarizes one completed run.
type Result struct {
	BytesReceived   int64
	PacketsReceived int64
	PacketsLost     int64
	Elapsed         time.Duration
	Buckets         []Bucket
}

// Bucket is the throughput observed within one BucketInterval-sized
// slice of the run.
type Bucket struct {
	Start, End time.Duration
	Bytes      int64
}

func (r Result) String() string {
	mbps := float64(r.BytesReceived) * 8 / 1e6 / r.Elapsed.Seconds()
	return fmt.Sprintf("%d bytes in %s (%.2f Mbps), %d packets, %d lost",
		r.BytesReceived, r.Elapsed, mbps, r.PacketsReceived, r.PacketsLost)
}

// writer is the subset of *magicsock.Conn the sender needs.
type writer interface {
	WriteToPeer(b []byte, peer key.NodePublic) (int, error)
}

// reader is the subset of *magicsock.Conn the receiver needs. It
// mirrors Conn.ReadFromPeer's signature without importing magicsock,
// so this package stays usable in tests without pulling in sockets.
type reader interface {
	ReadFromPeer(ctx context.Context, b []byte) (n int, src netaddr.IPPort, err error)
}

// Send streams sequence-numbered packets to cfg.Peer for cfg.Duration
// at the highest rate the caller's loop allows; it returns once the
// duration elapses.
func Send(w writer, cfg Config) error {
	size := cfg.PacketSize
	if size <= 0 {
		size = DefaultPacketSize
	}
	dur := cfg.Duration
	if dur <= 0 {
		dur = DefaultDuration
	}

	buf := make([]byte, size)
	deadline := time.Now().Add(dur)
	var seq uint32
	for time.Now().Before(deadline) {
		binary.BigEndian.PutUint32(buf, seq)
		if _, err := w.WriteToPeer(buf, cfg.Peer); err != nil {
			return err
		}
		seq++
	}
	return nil
}

// Receive tallies incoming packets for cfg.Duration and reports what
// arrived. A gap in the sequence stream is counted as loss; a
// reordered or duplicate sequence number is counted as received but
// not as newly covering the gap it might have filled.
func Receive(r reader, cfg Config) (Result, error) {
	dur := cfg.Duration
	if dur <= 0 {
		dur = DefaultDuration
	}
	bucketIval := cfg.BucketInterval

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	defer cancel()

	buf := make([]byte, 64<<10)
	var res Result
	var nextSeq uint32
	haveFirst := false

	var curBucket *Bucket
	flushBucket := func(now time.Time) {
		if curBucket == nil {
			return
		}
		curBucket.End = now.Sub(start)
		res.Buckets = append(res.Buckets, *curBucket)
		curBucket = nil
	}

	for {
		n, _, err := r.ReadFromPeer(ctx, buf)
		now := time.Now()
		if err != nil {
			flushBucket(now)
			res.Elapsed = now.Sub(start)
			return res, nil
		}
		if n < 4 {
			continue
		}
		seq := binary.BigEndian.Uint32(buf[:n])

		if bucketIval > 0 {
			if curBucket == nil {
				curBucket = &Bucket{Start: now.Sub(start)}
			} else if now.Sub(start)-curBucket.Start >= bucketIval {
				flushBucket(now)
				curBucket = &Bucket{Start: now.Sub(start)}
			}
			curBucket.Bytes += int64(n)
		}

		res.BytesReceived += int64(n)
		res.PacketsReceived++
		if haveFirst && seq > nextSeq {
			res.PacketsLost += int64(seq - nextSeq)
		}
		nextSeq = seq + 1
		haveFirst = true
	}
}
