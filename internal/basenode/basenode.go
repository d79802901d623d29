// Package basenode factors the infrastructure every node kind shares
// — its inbox, outbound delay/routing, timer registry, and snapshot
// participant state — into one embeddable type, per spec §9's design
// note: "factor these as free-standing modules/traits ... nodes embed
// these by composition" rather than the source's inheritance from a
// shared abstract base.
package basenode

import (
	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
	"github.com/samuelebortolotti/multilevel-cache/pkg/snapshot"
	"github.com/samuelebortolotti/multilevel-cache/pkg/timersvc"
	"github.com/samuelebortolotti/multilevel-cache/pkg/transport"
)

// DefaultInboxSize is the buffer depth of every node's mailbox
// channel. It only needs to absorb bursts; a node's event loop drains
// it strictly in arrival order per sender (spec §5 FIFO guarantee).
const DefaultInboxSize = 256

// Base is embedded by every node kind (Database, L1, L2, Client). It
// owns the mailbox, the outbound delay/routing helper, the per-node
// timer registry, and the Chandy-Lamport snapshot participant state.
// All of it is touched only from the embedding node's own run loop
// goroutine, so Base needs no locking of its own.
type Base struct {
	ID      message.NodeID
	Inbox   chan message.Envelope
	Delayer *transport.Delayer
	Timers  *timersvc.Registry
	Snap    *snapshot.State

	Parent   *message.NodeID
	Children []message.NodeID
	Peers    []message.NodeID

	Crashed bool
}

// New builds a Base for node id, routing outbound sends through
// delayer.
func New(id message.NodeID, delayer *transport.Delayer) *Base {
	inbox := make(chan message.Envelope, DefaultInboxSize)
	return &Base{
		ID:      id,
		Inbox:   inbox,
		Delayer: delayer,
		Timers:  timersvc.NewRegistry(id, inbox),
		Snap:    snapshot.New(),
	}
}

// Send routes body to `to` through the artificial-delay transport,
// tagging it as sent from this node.
func (b *Base) Send(to message.NodeID, body message.Message) {
	b.Delayer.Send(message.Envelope{From: b.ID, To: to, Body: body})
}

// Multicast sends body to every node in `to`.
func (b *Base) Multicast(to []message.NodeID, body message.Message) {
	for _, id := range to {
		b.Send(id, body)
	}
}

// ApplyJoin records the parent/children/peers announced by the
// bootstrap/wiring layer's JoinCaches message.
func (b *Base) ApplyJoin(j message.JoinCaches) {
	b.Parent = j.Parent
	b.Children = j.Children
	b.Peers = j.Peers
}
