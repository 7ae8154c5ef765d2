// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"tailscale.com/types/key"
)

func TestGroupByDestinationPreservesPerPeerOrder(t *testing.T) {
	a, b := key.NewNode().Public(), key.NewNode().Public()
	transmits := []Transmit{
		{Peer: a, Data: []byte("a1")},
		{Peer: b, Data: []byte("b1")},
		{Peer: a, Data: []byte("a2")},
		{Peer: b, Data: []byte("b2")},
		{Peer: a, Data: []byte("a3")},
	}

	order, grouped := groupByDestination(transmits)

	if len(order) != 2 || order[0] != a || order[1] != b {
		t.Fatalf("order = %v, want [a, b] by first appearance", order)
	}
	wantA := [][]byte{[]byte("a1"), []byte("a2"), []byte("a3")}
	if diff := cmp.Diff(wantA, grouped[a]); diff != "" {
		t.Errorf("peer a items mismatch (-want +got):\n%s", diff)
	}
	wantB := [][]byte{[]byte("b1"), []byte("b2")}
	if diff := cmp.Diff(wantB, grouped[b]); diff != "" {
		t.Errorf("peer b items mismatch (-want +got):\n%s", diff)
	}
}

func TestLenPrefixedRoundTrip(t *testing.T) {
	items := [][]byte{[]byte("hello"), {}, []byte("a longer payload item")}
	var buf []byte
	for _, it := range items {
		buf = appendLenPrefixed(buf, it)
	}

	got, err := splitLenPrefixed(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(items, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitLenPrefixedTruncatedTail(t *testing.T) {
	buf := appendLenPrefixed(nil, []byte("ok"))
	buf = append(buf, 10, 0) // claims a 10-byte item that isn't there

	if _, err := splitLenPrefixed(buf); err != errTruncatedFrame {
		t.Errorf("err = %v, want errTruncatedFrame", err)
	}
}
