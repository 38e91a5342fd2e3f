// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Command jobengine-worker is the process a fork-mode job definition execs
// into. It registers the same job definitions as the owning application,
// reads one job request from stdin, runs the matching handler, and reports
// the outcome on stdout, following main.go's
// config-then-bootstrap-then-block-on-signal shape collapsed into a single
// short-lived invocation instead of a long-running server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime"

	"github.com/seakee/jobengine/definition"
	"github.com/seakee/jobengine/engine/fork"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	registry := buildRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-waitForSignalChan()
		cancel()
	}()

	if err := fork.RunChild(ctx, registry); err != nil {
		log.Println("jobengine-worker: job failed:", err)
		os.Exit(1)
	}
}

// buildRegistry registers the job definitions this worker binary is able to
// run in fork mode. An embedding application replaces this with its own
// Define calls, mirroring the ones it registers on the parent engine.
func buildRegistry() *definition.Registry {
	registry := definition.New(1, 0, 0)
	return registry
}

func waitForSignalChan() <-chan struct{} {
	done := make(chan struct{})
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	go func() {
		<-signalChan
		signal.Stop(signalChan)
		close(done)
	}()
	return done
}
