// Package snapshot implements the Chandy-Lamport distributed snapshot
// as a free-standing, composable piece of state (spec §9 design note:
// "factor these as free-standing modules/traits ... nodes embed these
// by composition"). The same State type is embedded by Database, L1,
// and L2 nodes; only the peer set differs per node kind.
package snapshot

import "github.com/samuelebortolotti/multilevel-cache/pkg/message"

type (
	nodeID = message.NodeID
	key    = message.Key
	value  = message.Value
)

// State is the per-participant Chandy-Lamport bookkeeping: whether
// this participant has captured its local state for the current
// round, the captured store/seqno snapshot, and the in-transit
// messages recorded on each not-yet-cut incoming channel.
//
// State is owned and mutated exclusively by its node's single-threaded
// event loop, so it needs no internal locking (spec §5: "no locks are
// required").
type State struct {
	Captured       bool
	SnapshotID     int
	CapturedStore  map[key]value
	CapturedSeqno  map[key]int
	DataInTransit  map[key]value
	SeqnoInTransit map[key]int
	TokensReceived map[nodeID]bool
}

// New returns an idle snapshot participant.
func New() *State {
	return &State{TokensReceived: make(map[nodeID]bool)}
}

// Start begins a new round at the root of the spanning tree (the
// Database, on receiving StartSnapshot): captures local state and
// marks self as already accounted for.
func (s *State) Start(self nodeID, snapshotID int, store map[key]value, seqno map[key]int) {
	s.SnapshotID = snapshotID
	s.Captured = true
	s.CapturedStore = cloneValues(store)
	s.CapturedSeqno = cloneSeqno(seqno)
	s.DataInTransit = make(map[key]value)
	s.SeqnoInTransit = make(map[key]int)
	s.TokensReceived = map[nodeID]bool{self: true}
}

// OnToken processes an incoming Token from peer `from`. It returns
// captureHappened=true if this call caused the local state to be
// captured for the first time in this round (the caller must then
// multicast Token to all of its own peers), and complete=true if every
// peer has now been heard from and the round can be logged and reset.
func (s *State) OnToken(from nodeID, snapshotID int, peers []nodeID, store map[key]value, seqno map[key]int) (captureHappened, complete bool) {
	s.SnapshotID = snapshotID
	if s.TokensReceived == nil {
		s.TokensReceived = make(map[nodeID]bool)
	}
	s.TokensReceived[from] = true

	if !s.Captured {
		s.Captured = true
		s.CapturedStore = cloneValues(store)
		s.CapturedSeqno = cloneSeqno(seqno)
		s.DataInTransit = make(map[key]value)
		s.SeqnoInTransit = make(map[key]int)
		captureHappened = true
	}

	complete = s.hasAll(peers)
	return captureHappened, complete
}

// IsRecording reports whether a data message arriving from `from`
// right now falls on a channel this round is still recording (the
// local cut has happened but the marker from `from` hasn't arrived
// yet).
func (s *State) IsRecording(from nodeID) bool {
	return s.Captured && !s.TokensReceived[from]
}

// RecordTransit folds a data message's (key, value, seqno) into the
// in-transit snapshot, if the channel it arrived on is still being
// recorded. A no-op otherwise.
func (s *State) RecordTransit(from nodeID, k key, v value, seq int) {
	if !s.IsRecording(from) {
		return
	}
	s.DataInTransit[k] = v
	s.SeqnoInTransit[k] = seq
}

// Reset clears captured state, readying the participant for the next
// round. Called once a round completes.
func (s *State) Reset() {
	s.Captured = false
	s.CapturedStore = nil
	s.CapturedSeqno = nil
	s.DataInTransit = nil
	s.SeqnoInTransit = nil
	s.TokensReceived = make(map[nodeID]bool)
}

func (s *State) hasAll(peers []nodeID) bool {
	for _, p := range peers {
		if !s.TokensReceived[p] {
			return false
		}
	}
	return true
}

func cloneValues(m map[key]value) map[key]value {
	out := make(map[key]value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSeqno(m map[key]int) map[key]int {
	out := make(map[key]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
