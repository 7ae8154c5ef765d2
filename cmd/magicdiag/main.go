// Copyright (c) 2021 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command magicdiag wires up two in-process magicsock.Conns addressed
// to each other and runs a short throughput test over the resulting
// virtual socket, printing the measured throughput and the path peer
// A ended up using to reach peer B. It exists to exercise WriteToPeer/ReadFromPeer
// and the direct/relay path switch end to end without a real second host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/peterbourgon/ff/v2/ffcli"
	"github.com/relaynet/magicsock/internal/diag"
	"github.com/relaynet/magicsock/internal/hostinfo"
	"github.com/relaynet/magicsock/magicsock"
	"tailscale.com/types/key"
	"tailscale.com/types/logger"
)

var runArgs struct {
	duration time.Duration
	size     int
	verbose  bool
}

var runCmd = &ffcli.Command{
	Name:       "run",
	ShortUsage: "magicdiag run [-duration 5s] [-size 1200] [-v]",
	ShortHelp:  "Run a loopback throughput test between two in-process peers",
	Exec:       runLoopback,
	FlagSet: (func() *flag.FlagSet {
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		fs.DurationVar(&runArgs.duration, "duration", diag.DefaultDuration, "test duration")
		fs.IntVar(&runArgs.size, "size", diag.DefaultPacketSize, "payload size per packet")
		fs.BoolVar(&runArgs.verbose, "v", false, "verbose logging")
		return fs
	})(),
}

var rootCmd = &ffcli.Command{
	Name:        "magicdiag",
	ShortUsage:  "magicdiag <run> ...",
	ShortHelp:   "Exercise a magicsock.Conn pair end to end",
	Subcommands: []*ffcli.Command{runCmd},
	Exec: func(context.Context, []string) error {
		return errors.New("subcommand required; run 'magicdiag -h' for details")
	},
}

func main() {
	if err := rootCmd.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func runLoopback(ctx context.Context, _ []string) error {
	logf := logger.Discard
	if runArgs.verbose {
		logf = log.Printf
	}

	fmt.Printf("local host: %s\n", hostinfo.OSVersion())

	aPriv, bPriv := key.NewNode(), key.NewNode()

	connA, err := magicsock.NewConn(magicsock.Options{Logf: logger.WithPrefix(logf, "A: "), NodeKey: aPriv})
	if err != nil {
		return fmt.Errorf("peer A: %w", err)
	}
	defer connA.Close()
	connB, err := magicsock.NewConn(magicsock.Options{Logf: logger.WithPrefix(logf, "B: "), NodeKey: bPriv})
	if err != nil {
		return fmt.Errorf("peer B: %w", err)
	}
	defer connB.Close()

	connA.Start()
	connB.Start()

	bPub, aPub := bPriv.Public(), aPriv.Public()
	if _, err := connA.GetMappedAddr(bPub); err != nil {
		return err
	}
	if _, err := connB.GetMappedAddr(aPub); err != nil {
		return err
	}

	// There is no control plane here to exchange disco keys or
	// candidate addresses, so hand them to each side directly and let
	// the normal disco ping/pong round-trip verify the loopback path.
	connA.SetPeerDisco(bPub, connB.DiscoPublicKey())
	connB.SetPeerDisco(aPub, connA.DiscoPublicKey())
	for _, addr := range connB.ListLocalEndpoints() {
		connA.SeedCandidate(bPub, addr)
	}
	for _, addr := range connA.ListLocalEndpoints() {
		connB.SeedCandidate(aPub, addr)
	}
	time.Sleep(200 * time.Millisecond) // let the ping/pong verification land

	cfg := diag.Config{Peer: bPub, Duration: runArgs.duration, PacketSize: runArgs.size, BucketInterval: time.Second}

	done := make(chan diag.Result, 1)
	go func() {
		r, err := diag.Receive(connB, diag.Config{Peer: aPub, Duration: runArgs.duration})
		if err != nil {
			log.Printf("receive: %v", err)
		}
		done <- r
	}()

	time.Sleep(100 * time.Millisecond) // let the receiver's loop start
	if err := diag.Send(connA, cfg); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	result := <-done
	fmt.Println(result)
	for _, peer := range connA.ListTrackedPeers() {
		fmt.Printf("peer %s: best=%s relay=%d candidates=%d\n",
			peer.PublicKey.ShortString(), peer.Best, peer.RelayRegion, peer.NumCandidates)
	}
	return nil
}
