// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Query-farm/flight-rpc-go/conformance"
	"github.com/Query-farm/flight-rpc-go/flightrpc"
)

func main() {
	server := flightrpc.NewServer(conformance.NewHandler())
	server.SetServerID("conformance")
	server.SetServiceName("ConformanceService")
	if os.Getenv("FLIGHT_RPC_COMPRESS") != "" {
		server.SetCompression(true)
	}

	var listener net.Listener
	var err error
	if len(os.Args) > 2 && os.Args[1] == "--unix" {
		path := os.Args[2]
		os.Remove(path)
		listener, err = net.Listen("unix", path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to listen on unix socket: %v\n", err)
			os.Exit(1)
		}
		defer os.Remove(path)
		fmt.Printf("UNIX:%s\n", path)
	} else {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to listen: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PORT:%d\n", listener.Addr().(*net.TCPAddr).Port)
	}
	os.Stdout.Sync()

	// Catch SIGTERM/SIGINT so the process exits cleanly and flushes
	// coverage data when built with -cover.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		listener.Close()
	}()

	if err := server.Serve(listener); err != nil {
		if opErr, ok := err.(*net.OpError); ok && opErr.Op == "accept" {
			return
		}
		fmt.Fprintf(os.Stderr, "serve error: %v\n", err)
		os.Exit(1)
	}
}
