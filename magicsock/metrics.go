// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import "tailscale.com/util/clientmetric"

// Counters tracked by a Conn. RecvDiscoCallMeMaybeBadDisco counts a
// CallMeMaybe rejected for arriving outside the relay path.
var (
	metricRecvDiscoPing           = clientmetric.NewCounter("magicsock_disco_recv_ping")
	metricRecvDiscoPong           = clientmetric.NewCounter("magicsock_disco_recv_pong")
	metricRecvDiscoCallMeMaybe    = clientmetric.NewCounter("magicsock_disco_recv_callmemaybe")
	metricRecvDiscoCallMeMaybeBad = clientmetric.NewCounter("magicsock_RecvDiscoCallMeMaybeBadDisco")
	metricRecvDiscoBadParse       = clientmetric.NewCounter("magicsock_disco_recv_bad_parse")
	metricRecvDiscoBadKey         = clientmetric.NewCounter("magicsock_disco_recv_bad_key")
	metricSentDiscoPing           = clientmetric.NewCounter("magicsock_disco_sent_ping")
	metricSentDiscoPong           = clientmetric.NewCounter("magicsock_disco_sent_pong")
	metricSentDiscoCallMeMaybe    = clientmetric.NewCounter("magicsock_disco_sent_callmemaybe")
	metricPathDirect              = clientmetric.NewCounter("magicsock_path_direct")
	metricPathRelay               = clientmetric.NewCounter("magicsock_path_relay")
	metricDroppedPassthrough      = clientmetric.NewCounter("magicsock_dropped_passthrough")
	metricRelayFramesDropped      = clientmetric.NewCounter("magicsock_relay_frames_dropped")
)
