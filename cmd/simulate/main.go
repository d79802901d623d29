// Command simulate boots a small cache topology, drives a handful of
// requests through it, and prints the structured log lines spec §6
// calls out as the interface to the (out-of-scope) consistency
// checker. The teacher has no equivalent binary — its entrypoint is
// Encore's generated supervisor — so this is new: a minimal, concrete
// stand-in good enough to exercise the core end to end without the
// workload generator and consistency checker the spec excludes.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/samuelebortolotti/multilevel-cache/internal/harness"
	"github.com/samuelebortolotti/multilevel-cache/internal/topology"
	"github.com/samuelebortolotti/multilevel-cache/pkg/config"
	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
)

func main() {
	seed := flag.Int64("seed", 1, "RNG seed for the network-delay shim")
	flag.Parse()

	cfg := config.DefaultConfig()
	tree := topology.Build(cfg, topology.Spec{
		NumL1:           2,
		NumL2PerL1:      2,
		NumClientsPerL2: 2,
		InitialData:     map[message.Key]message.Value{1: 100, 2: 200, 3: 300},
	}, *seed)

	ctx, cancel := context.WithCancel(context.Background())
	h := harness.Start(ctx, tree)

	client := tree.Clients[0]
	client.SubmitRead(1, false)
	client.SubmitWrite(2, 250, false)
	client.SubmitWrite(3, 301, true)

	for i := 0; i < 3; i++ {
		select {
		case out := <-client.Results:
			fmt.Printf("result: key=%d value=%d seqno=%d ok=%v violated=%v\n", out.Key, out.Value, out.Seqno, out.Ok, out.Violated)
		case <-time.After(2 * time.Second):
			fmt.Println("timed out waiting for a result")
		}
	}

	h.StartSnapshot()
	time.Sleep(100 * time.Millisecond)

	cancel()
	if err := h.Stop(); err != nil {
		fmt.Printf("harness stop error: %v\n", err)
	}
}
