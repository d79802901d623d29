// Package harness boots a constructed topology.Tree's node goroutines
// and tears them down, and exposes the fault/snapshot injection points
// integration tests need: crashing/recovering a cache node and kicking
// off a Chandy-Lamport round. It is the "concrete version" of the
// bootstrap/process-lifecycle external collaborator spec §1 calls out
// of scope, kept thin on purpose: no workload generation, no
// consistency checking.
package harness

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samuelebortolotti/multilevel-cache/internal/topology"
	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
)

// Harness owns the lifecycle of every node goroutine in a Tree.
type Harness struct {
	Tree *topology.Tree

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Start launches one goroutine per node in tree, each running its
// event loop until the harness is stopped or one of them panics.
// goNode recovers a panic out of a node's event loop and converts it
// into an error tagged with the node's id instead of letting it crash
// the whole process. This is what makes errgroup.Group earn its keep
// over a bare sync.WaitGroup: a recovered panic becomes the first
// error returned by group.Wait(), and errgroup.WithContext cancels
// gctx the moment that happens, so every other node's Run loop (all
// selecting on ctx.Done()) unwinds too instead of being left running
// alongside a goroutine that silently died.
func Start(ctx context.Context, tree *topology.Tree) *Harness {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	goNode := func(id message.NodeID, run func(context.Context)) {
		group.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("node %d: panic in event loop: %v", id, r)
				}
			}()
			run(gctx)
			return nil
		})
	}

	goNode(tree.DB.ID, tree.DB.Run)
	for _, l1 := range tree.L1s {
		goNode(l1.ID, l1.Run)
	}
	for _, l2 := range tree.L2s {
		goNode(l2.ID, l2.Run)
	}
	for _, cl := range tree.Clients {
		goNode(cl.ID, cl.Run)
	}

	return &Harness{Tree: tree, ctx: ctx, cancel: cancel, group: group}
}

// Stop cancels every node's run loop and waits for them to exit.
func (h *Harness) Stop() error {
	h.cancel()
	return h.group.Wait()
}

// Crash injects a fault-injection Crash message at the given cache
// node id (spec §4.6).
func (h *Harness) Crash(id message.NodeID) {
	h.Tree.Delayer.Send(message.Envelope{From: id, To: id, Body: message.Crash{}})
}

// Recover injects a Recovery message ahead of the node's own
// RecoveryDelay timer, for tests that want to force an immediate
// cold restart.
func (h *Harness) Recover(id message.NodeID) {
	h.Tree.Delayer.Send(message.Envelope{From: id, To: id, Body: message.Recovery{}})
}

// StartSnapshot injects a StartSnapshot at the Database, the root of
// the Chandy-Lamport spanning tree (spec §4.7).
func (h *Harness) StartSnapshot() {
	h.Tree.Delayer.Send(message.Envelope{From: h.Tree.DB.ID, To: h.Tree.DB.ID, Body: message.StartSnapshot{}})
}
