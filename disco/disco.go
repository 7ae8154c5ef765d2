// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package disco contains the wire protocol for the "discovery" packets
// that magicsock uses to probe, validate and announce direct paths
// between peers.
//
// Disco packets are not encrypted with WireGuard/TLS and thus we
// encrypt and authenticate them ourselves, using a Ping/Pong/CallMeMaybe
// handshake carried in a NaCl box sealed under each node's disco key,
// a key pair distinct from (and much shorter-lived than) its node
// identity key.
package disco

import (
	"encoding/binary"
	"errors"
	"fmt"
	"go4.org/mem"
	"inet.af/netaddr"
	"tailscale.com/types/key"
)

// Magic is the 6-byte prefix of every disco packet, used to
// distinguish it from a STUN response arriving on the same socket.
const Magic = "TS💬"

const keyLen = 32

// NonceLen is the length, in bytes, of the NaCl secretbox nonce
// prepended to the sealed portion of the packet.
const NonceLen = 24

// TransactionID identifies one outstanding Ping and correlates it
// with the matching Pong.
type TransactionID [12]byte

// MessageType is the first byte of a decrypted disco payload.
type MessageType byte

const (
	TypePing        MessageType = 0x01
	TypePong        MessageType = 0x02
	TypeCallMeMaybe MessageType = 0x03
)

const v0 = byte(0)

var (
	errShort   = errors.New("disco: message too short")
	errUnknown = errors.New("disco: unknown message type")
)

// Message is implemented by Ping, Pong and CallMeMaybe: the three
// payload kinds that travel inside a sealed disco box.
type Message interface {
	AppendMarshal([]byte) []byte
}

// Ping is a liveness probe that requests a Pong in return.
type Ping struct {
	// TxID is unique to this ping and is echoed back in the Pong.
	TxID TransactionID
}

// Pong answers a Ping. Src is the address the Ping was observed
// arriving from, letting the original sender learn its own public
// address as seen by the peer.
type Pong struct {
	TxID TransactionID
	Src  netaddr.IPPort
}

// CallMeMaybe asks the recipient to send UDP pings to the listed
// candidate endpoints. It is only ever honored when it arrives over
// the relay path.
type CallMeMaybe struct {
	MyNumber []netaddr.IPPort
}

func (m *Ping) AppendMarshal(b []byte) []byte {
	b = append(b, byte(TypePing), v0)
	return append(b, m.TxID[:]...)
}

func (m *Pong) AppendMarshal(b []byte) []byte {
	b = append(b, byte(TypePong), v0)
	b = append(b, m.TxID[:]...)
	return appendAddrPort(b, m.Src)
}

func (m *CallMeMaybe) AppendMarshal(b []byte) []byte {
	b = append(b, byte(TypeCallMeMaybe), v0)
	for _, ep := range m.MyNumber {
		b = appendAddrPort(b, ep)
	}
	return b
}

func appendAddrPort(b []byte, ap netaddr.IPPort) []byte {
	a16 := ap.IP().As16()
	b = append(b, a16[:]...)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], ap.Port())
	return append(b, port[:]...)
}

func consumeAddrPort(b []byte) (ap netaddr.IPPort, rest []byte, ok bool) {
	if len(b) < 18 {
		return netaddr.IPPort{}, b, false
	}
	var a16 [16]byte
	copy(a16[:], b[:16])
	port := binary.BigEndian.Uint16(b[16:18])
	return netaddr.IPPortFrom(netaddr.IPv6Raw(a16).Unmap(), port), b[18:], true
}

// Parse decodes the decrypted, inner payload of a disco message, as
// produced by Message.AppendMarshal.
func Parse(p []byte) (Message, error) {
	if len(p) < 2 {
		return nil, errShort
	}
	t := MessageType(p[0])
	p = p[2:]
	switch t {
	case TypePing:
		if len(p) < 12 {
			return nil, errShort
		}
		m := new(Ping)
		copy(m.TxID[:], p)
		return m, nil
	case TypePong:
		if len(p) < 12 {
			return nil, errShort
		}
		m := new(Pong)
		copy(m.TxID[:], p[:12])
		src, _, ok := consumeAddrPort(p[12:])
		if !ok {
			return nil, errShort
		}
		m.Src = src
		return m, nil
	case TypeCallMeMaybe:
		m := new(CallMeMaybe)
		for len(p) > 0 {
			ap, rest, ok := consumeAddrPort(p)
			if !ok {
				return nil, errShort
			}
			m.MyNumber = append(m.MyNumber, ap)
			p = rest
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %d", errUnknown, t)
	}
}

// LooksLikeDiscoWrapper reports whether p starts with the disco magic
// prefix and has room for a sender disco public key.
func LooksLikeDiscoWrapper(p []byte) bool {
	if len(p) < len(Magic)+keyLen {
		return false
	}
	return string(p[:len(Magic)]) == Magic
}

// Source returns the sender's disco public key from a wrapper packet,
// assuming LooksLikeDiscoWrapper(p) is true.
func Source(p []byte) (k key.DiscoPublic, ok bool) {
	if !LooksLikeDiscoWrapper(p) {
		return key.DiscoPublic{}, false
	}
	raw := p[len(Magic) : len(Magic)+keyLen]
	return key.DiscoPublicFromRaw32(mem.B(raw)), true
}

// Sealed returns the nonce+ciphertext portion that follows the magic
// and sender key in a disco wrapper packet.
func Sealed(p []byte) []byte {
	return p[len(Magic)+keyLen:]
}

// AppendMagicAndSource writes the magic prefix and src's raw bytes to
// b, returning the extended slice. The sealed box follows.
func AppendMagicAndSource(b []byte, src key.DiscoPublic) []byte {
	b = append(b, Magic...)
	return src.AppendTo(b)
}
