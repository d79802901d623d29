// Package topology is the minimal concrete stand-in for the
// bootstrap/wiring external collaborator spec §6 describes:
// constructing the node tree, registering every node's inbox with the
// transport directory, and delivering each node its JoinCaches
// announcement. It does not generate workload or check consistency —
// both remain out of scope (spec §1).
package topology

import (
	"github.com/samuelebortolotti/multilevel-cache/internal/cache"
	"github.com/samuelebortolotti/multilevel-cache/internal/clientnode"
	"github.com/samuelebortolotti/multilevel-cache/internal/dbnode"
	"github.com/samuelebortolotti/multilevel-cache/pkg/config"
	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
	"github.com/samuelebortolotti/multilevel-cache/pkg/transport"
)

// Spec describes the shape of a tree to build: one Database, NumL1
// L1 caches under it, NumL2PerL1 L2 caches under each L1, and
// NumClientsPerL2 clients under each L2.
type Spec struct {
	NumL1           int
	NumL2PerL1      int
	NumClientsPerL2 int
	InitialData     map[message.Key]message.Value
}

// Tree is the constructed, wired topology: every node plus the
// transport primitives the simulation harness needs to start and stop
// them.
type Tree struct {
	Dir     *transport.Directory
	Delayer *transport.Delayer

	DB      *dbnode.Node
	L1s     []*cache.Node
	L2s     []*cache.Node
	Clients []*clientnode.Node
}

// Build constructs a full tree per spec and wires every node's
// parent/children/peers via JoinCaches, exactly as the bootstrap
// layer would in a real deployment.
func Build(cfg config.Config, spec Spec, seed int64) *Tree {
	dir := transport.NewDirectory()
	delayer := transport.NewDelayer(dir, cfg.NetworkDelay, seed)

	nextID := message.NodeID(1)
	newID := func() message.NodeID {
		id := nextID
		nextID++
		return id
	}

	dbID := newID()
	db := dbnode.New(dbID, cfg, delayer, spec.InitialData)
	dir.Register(dbID, db.Inbox)

	tree := &Tree{Dir: dir, Delayer: delayer, DB: db}

	var l1Children []message.NodeID
	for i := 0; i < spec.NumL1; i++ {
		l1ID := newID()
		l1 := cache.New(l1ID, cache.L1, cfg, delayer)
		dir.Register(l1ID, l1.Inbox)
		l1Children = append(l1Children, l1ID)

		var l2Children []message.NodeID
		for j := 0; j < spec.NumL2PerL1; j++ {
			l2ID := newID()
			l2 := cache.New(l2ID, cache.L2, cfg, delayer)
			dir.Register(l2ID, l2.Inbox)
			l2Children = append(l2Children, l2ID)

			var clientChildren []message.NodeID
			for k := 0; k < spec.NumClientsPerL2; k++ {
				clientID := newID()
				cl := clientnode.New(clientID, cfg, delayer)
				dir.Register(clientID, cl.Inbox)
				clientChildren = append(clientChildren, clientID)
				tree.Clients = append(tree.Clients, cl)
				cl.ApplyJoin(message.JoinCaches{Parent: &l2ID})
			}

			l2.ApplyJoin(message.JoinCaches{Parent: &l1ID, Children: clientChildren, Peers: []message.NodeID{l1ID}})
			tree.L2s = append(tree.L2s, l2)
		}

		l1.ApplyJoin(message.JoinCaches{Parent: &dbID, Children: l2Children, Peers: append([]message.NodeID{dbID}, l2Children...)})
		tree.L1s = append(tree.L1s, l1)
	}

	db.ApplyJoin(message.JoinCaches{Children: l1Children, Peers: l1Children})

	return tree
}
