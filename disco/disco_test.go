// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package disco

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"inet.af/netaddr"
	"tailscale.com/types/key"
)

func TestPingRoundTrip(t *testing.T) {
	want := &Ping{TxID: TransactionID{1, 2, 3}}
	got, err := Parse(want.AppendMarshal(nil))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestPongRoundTrip(t *testing.T) {
	want := &Pong{
		TxID: TransactionID{9, 9, 9},
		Src:  netaddr.MustParseIPPort("192.168.1.1:12345"),
	}
	got, err := Parse(want.AppendMarshal(nil))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestCallMeMaybeRoundTrip(t *testing.T) {
	want := &CallMeMaybe{
		MyNumber: []netaddr.IPPort{
			netaddr.MustParseIPPort("10.0.0.1:1"),
			netaddr.MustParseIPPort("[2001:db8::1]:2"),
		},
	}
	got, err := Parse(want.AppendMarshal(nil))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseShort(t *testing.T) {
	for _, p := range [][]byte{nil, {1}, {byte(TypePing), 0, 1, 2}} {
		if _, err := Parse(p); err == nil {
			t.Errorf("Parse(%v): want error, got nil", p)
		}
	}
}

func TestSourceAndMagic(t *testing.T) {
	priv := key.NewDisco()
	pub := priv.Public()

	p := AppendMagicAndSource(nil, pub)
	p = append(p, make([]byte, NonceLen+16)...)

	if !LooksLikeDiscoWrapper(p) {
		t.Fatal("LooksLikeDiscoWrapper = false")
	}
	got, ok := Source(p)
	if !ok {
		t.Fatal("Source: !ok")
	}
	if got != pub {
		t.Errorf("Source = %v; want %v", got, pub)
	}
}

func TestNotDisco(t *testing.T) {
	if LooksLikeDiscoWrapper([]byte("short")) {
		t.Error("short packet incorrectly classified as disco")
	}
	if LooksLikeDiscoWrapper(make([]byte, 40)) {
		t.Error("all-zero packet without magic incorrectly classified as disco")
	}
}
