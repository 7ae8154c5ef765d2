// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"encoding/binary"
	"errors"

	"tailscale.com/types/key"
)

// Transmit is one caller-supplied datagram destined for a peer,
// as handed to Conn.WriteBatch.
type Transmit struct {
	Peer key.NodePublic
	Data []byte
}

var errTruncatedFrame = errors.New("magicsock: truncated multi-item frame")

// groupByDestination partitions transmits into per-peer buckets,
// preserving the relative order of same-destination items. The
// returned order list names each distinct destination exactly once,
// in the order its first item appeared, so callers that need a
// deterministic iteration order don't have to sort a map.
func groupByDestination(transmits []Transmit) (order []key.NodePublic, grouped map[key.NodePublic][][]byte) {
	grouped = make(map[key.NodePublic][][]byte)
	for _, t := range transmits {
		if _, ok := grouped[t.Peer]; !ok {
			order = append(order, t.Peer)
		}
		grouped[t.Peer] = append(grouped[t.Peer], t.Data)
	}
	return order, grouped
}

// WriteBatch submits every transmit, grouped and submitted per
// destination in original order, so that two datagrams to the same
// peer are never reordered relative to each other by the batching
// itself. Cross-peer ordering is not guaranteed. sent counts the
// transmits WriteToPeer accepted; a rejected transmit is skipped, and
// err is always nil.
func (c *Conn) WriteBatch(transmits []Transmit) (sent int, err error) {
	order, grouped := groupByDestination(transmits)
	for _, peer := range order {
		for _, data := range grouped[peer] {
			if _, err := c.WriteToPeer(data, peer); err != nil {
				continue
			}
			sent++
		}
	}
	return sent, nil
}

// appendLenPrefixed appends item to b as a 2-byte little-endian
// length prefix followed by its bytes, the framing relay sends use to
// pack more than one logical packet into a single DERP frame.
func appendLenPrefixed(b []byte, item []byte) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(item)))
	b = append(b, lenBuf[:]...)
	return append(b, item...)
}

// splitLenPrefixed parses a buffer built by repeated appendLenPrefixed
// calls back into its items. A truncated trailing item is reported as
// errTruncatedFrame rather than silently dropped.
func splitLenPrefixed(b []byte) (items [][]byte, err error) {
	for len(b) > 0 {
		if len(b) < 2 {
			return items, errTruncatedFrame
		}
		n := int(binary.LittleEndian.Uint16(b[:2]))
		b = b[2:]
		if len(b) < n {
			return items, errTruncatedFrame
		}
		items = append(items, b[:n])
		b = b[n:]
	}
	return items, nil
}
