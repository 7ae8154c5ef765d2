// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package magicsock

import (
	"context"
	"time"

	"tailscale.com/net/netcheck"
)

// startReSTUN kicks off a netcheck report if one isn't already in
// flight; otherwise it records that another one is wanted once the
// current one finishes, keeping only the most recent reason. This is
// the single-in-flight-plus-one-queued latch.
func (a *actor) startReSTUN(reason string) {
	if a.reStunRunning {
		a.reStunWant = true
		a.reStunReason = reason
		return
	}
	a.reStunRunning = true
	a.logf("magicsock: restun: %s", reason)
	a.queryPortMapper()
	a.runNetcheck()
}

// queryPortMapper is refresh step 1: ask the port mapper for whatever
// external mapping it already has cached or has started creating,
// without blocking the refresh on a fresh probe.
func (a *actor) queryPortMapper() {
	if a.portM == nil {
		return
	}
	if ext, ok := a.portM.GetCachedMappingOrStartCreatingOne(); ok {
		a.portMapped = ext
	}
}

func (a *actor) runNetcheck() {
	dm := a.derpMap
	netChk := a.netChk
	cmdCh := a.cmdCh
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		report, err := netChk.GetReport(ctx, dm)
		select {
		case cmdCh <- msgNetcheckReport{report: report, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (a *actor) handleNetcheckReport(report *netcheck.Report, err error) {
	a.reStunRunning = false
	if err != nil {
		a.logf("magicsock: netcheck: %v", err)
	} else {
		a.applyNetcheckReport(report)
		a.flushPendingCallMeMaybe()
	}
	if a.reStunWant {
		a.reStunWant = false
		reason := a.reStunReason
		a.reStunReason = ""
		a.startReSTUN(reason)
	}
}

// applyNetcheckReport is refresh steps 2-6: record the report, pick a
// preferred relay region (falling back to a deterministic choice if
// netcheck couldn't identify one), reconnect to it if it changed,
// rebuild the local endpoint set, and publish whatever changed to the
// callbacks supplied at construction.
func (a *actor) applyNetcheckReport(report *netcheck.Report) {
	if report == nil {
		return
	}
	a.lastNetcheck = report
	a.lastEndpointRefresh = time.Now()

	preferred := report.PreferredDERP
	if preferred == 0 {
		// Stay on the current region if we have one; otherwise fall
		// back to a deterministic pick so repeated calls on the same
		// relay map converge on the same region.
		preferred = a.preferredDERP
		if preferred == 0 {
			preferred = deterministicFallbackRegion(a.derpMap)
		}
	}
	if preferred != 0 && preferred != a.preferredDERP {
		a.preferredDERP = preferred
		if a.rly != nil {
			a.rly.clientFor(a.preferredDERP)
		}
		if !a.relayConnectedOnce {
			a.relayConnectedOnce = true
			if a.onRelayConnected != nil {
				a.onRelayConnected(a.preferredDERP)
			}
		}
	}

	info := NetworkInfo{
		PreferredDERP: a.preferredDERP,
		IPv4:          report.IPv4,
		IPv6:          report.IPv6,
		GlobalV4:      report.GlobalV4,
		GlobalV6:      report.GlobalV6,
	}
	if a.lastPublishedInfo == nil || *a.lastPublishedInfo != info {
		a.lastPublishedInfo = &info
		if a.onNetworkInfoChanged != nil {
			a.onNetworkInfoChanged(info)
		}
	}

	endpoints := a.localEndpointSet()
	if !endpointSetsEqual(a.lastPublishedEndpoints, endpoints) {
		a.lastPublishedEndpoints = endpoints
		if a.onEndpointsChanged != nil {
			a.onEndpointsChanged(endpoints)
		}
	}
}
