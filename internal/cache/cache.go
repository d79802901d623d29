// Package cache implements the L1 and L2 cache node (spec §4.3, §4.4).
// L1 and L2 are, per spec, "symmetric" — the same store/seqno/pending
// /lockedForCW state machine, the same hop-peeling routing, the same
// crash/recovery cold restart, the same Chandy-Lamport participation —
// differing only in who their parent and children are, and in two
// places called out explicitly in spec.md: L1 rebroadcasts coherence
// updates to all of its L2 children (so every L2 under it stays in
// sync even when it wasn't on the original request's path) and
// aggregates its L2 children's critical-write votes into one ballot
// cast to the Database, whereas L2's children are Clients, which
// neither cache state nor vote. Tier captures exactly that asymmetry;
// everything else is one implementation, per spec §9's composition
// design note.
package cache

import (
	"context"

	"github.com/samuelebortolotti/multilevel-cache/internal/basenode"
	"github.com/samuelebortolotti/multilevel-cache/pkg/config"
	"github.com/samuelebortolotti/multilevel-cache/pkg/logobs"
	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
	"github.com/samuelebortolotti/multilevel-cache/pkg/transport"
)

// Tier distinguishes an L1 cache (parent: Database, children: L2s)
// from an L2 cache (parent: an L1, children: Clients).
type Tier int

const (
	L1 Tier = iota
	L2
)

func (t Tier) String() string {
	if t == L1 {
		return "L1"
	}
	return "L2"
}

// pendingEntry records a request this node forwarded upward: the hops
// it arrived with (used to route the eventual reply or timeout back
// down), and enough of the original request to build a failure
// Response if the upstream wait times out.
type pendingEntry struct {
	Key      message.Key
	ReqType  message.RequestType
	Critical bool
	Hops     message.Hops
}

// cwSession is the record a cache keeps for a critical-write session it
// has locked a key for: the proposed value and the hops of the
// original CRITWRITE request, needed to apply a COMMIT and to continue
// routing the terminal reply if this node is on the direct path.
type cwSession struct {
	Key   message.Key
	Value message.Value
	Hops  message.Hops
}

// voteTally is L1-only bookkeeping: the votes collected so far from
// this L1's L2 children for one critical-write round.
type voteTally struct {
	expected int
	votes    map[message.NodeID]message.Vote
}

// Node is an L1 or L2 cache.
type Node struct {
	*basenode.Base
	tier Tier
	cfg  config.Config

	store       map[message.Key]message.Value
	seqno       map[message.Key]int
	pending     map[message.QueryID]pendingEntry
	lockedForCW map[message.Key]message.QueryID
	cwSessions  map[message.QueryID]cwSession
	l1Votes     map[message.QueryID]*voteTally
}

// New builds a cache node of the given tier.
func New(id message.NodeID, tier Tier, cfg config.Config, delayer *transport.Delayer) *Node {
	return &Node{
		Base:        basenode.New(id, delayer),
		tier:        tier,
		cfg:         cfg,
		store:       make(map[message.Key]message.Value),
		seqno:       make(map[message.Key]int),
		pending:     make(map[message.QueryID]pendingEntry),
		lockedForCW: make(map[message.Key]message.QueryID),
		cwSessions:  make(map[message.QueryID]cwSession),
		l1Votes:     make(map[message.QueryID]*voteTally),
	}
}

// Run drains the node's inbox until ctx is cancelled, processing one
// message at a time (spec §5: a node is a single-threaded event
// handler).
func (n *Node) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-n.Inbox:
			n.handle(env)
		}
	}
}

func (n *Node) handle(env message.Envelope) {
	switch env.Body.(type) {
	case message.Crash:
		n.onCrash()
		return
	case message.Recovery:
		n.onRecovery()
		return
	}

	if n.Crashed {
		return
	}

	switch body := env.Body.(type) {
	case message.JoinCaches:
		n.ApplyJoin(body)
	case message.Read:
		n.handleRead(body)
	case message.Write:
		n.handleWrite(body)
	case message.Response:
		n.handleResponse(env.From, body)
	case message.CriticalUpdate:
		n.handleCriticalUpdate(env.From, body)
	case message.CriticalUpdateResponse:
		n.handleCriticalUpdateResponse(env.From, body)
	case message.CriticalWriteResponse:
		n.handleCriticalWriteResponse(body)
	case message.Timeout:
		n.handleTimeout(body)
	case message.Token:
		n.handleToken(env.From, body)
	case message.StartSnapshot:
		// Only the Database is the root of the snapshot spanning tree.
	}
}

func (n *Node) isLocked(key message.Key) bool {
	_, ok := n.lockedForCW[key]
	return ok
}

// handleRead serves a cache hit for a plain READ (unless the key is
// locked for an in-flight critical write), and otherwise forwards
// upward. CRITREAD always forwards (spec §9 open question, resolved
// strict: never serve a critical read from cache, to avoid returning a
// value older than a commit in flight — see DESIGN.md).
func (n *Node) handleRead(r message.Read) {
	reqType := message.READ
	if r.Critical {
		reqType = message.CRITREAD
	}

	if !r.Critical {
		if v, ok := n.store[r.Key]; ok && !n.isLocked(r.Key) {
			resp := message.Response{
				QID:      r.QID,
				Values:   map[message.Key]message.Value{r.Key: v},
				Seqno:    n.seqno[r.Key],
				ReqType:  message.READ,
				Critical: false,
				Hops:     r.Hops,
			}
			n.replyAlong(r.Hops, resp)
			return
		}
	}

	n.recordPending(r.QID, r.Key, reqType, r.Critical, r.Hops)
	logobs.DataMessage(n.ID, *n.Parent, reqType, r.Key, 0, 0, r.QID, r.Critical, logobs.Send)
	n.Send(*n.Parent, message.Read{QID: r.QID, Key: r.Key, Critical: r.Critical, Hops: r.Hops.Push(n.ID)})
}

// handleWrite always forwards; only the Database applies writes.
func (n *Node) handleWrite(w message.Write) {
	reqType := message.WRITE
	if w.Critical {
		reqType = message.CRITWRITE
	}
	n.recordPending(w.QID, w.Key, reqType, w.Critical, w.Hops)
	logobs.DataMessage(n.ID, *n.Parent, reqType, w.Key, w.Value, 0, w.QID, w.Critical, logobs.Send)
	n.Send(*n.Parent, message.Write{QID: w.QID, Key: w.Key, Value: w.Value, Critical: w.Critical, Hops: w.Hops.Push(n.ID)})
}

func (n *Node) recordPending(qid message.QueryID, key message.Key, reqType message.RequestType, critical bool, hops message.Hops) {
	n.pending[qid] = pendingEntry{Key: key, ReqType: reqType, Critical: critical, Hops: hops}
	n.Timers.Schedule(qid, n.cfg.RequestTimeout, message.Timeout{QID: qid})
}

// handleResponse applies the monotonic-read coherence rule (discard
// anything not strictly newer), cascades the update to L2 children
// when this is an L1 (so cache-to-cache coherence doesn't depend on
// hops), folds the message into an in-flight snapshot round if one is
// recording this channel, and completes the direct reply if this node
// is the one that forwarded the matching request.
func (n *Node) handleResponse(from message.NodeID, resp message.Response) {
	for k, v := range resp.Values {
		if cur, ok := n.seqno[k]; !ok || resp.Seqno > cur {
			n.store[k] = v
			n.seqno[k] = resp.Seqno
			n.Snap.RecordTransit(from, k, v, resp.Seqno)
			if n.tier == L1 {
				n.Multicast(n.Children, resp)
			}
		}
	}

	p, ok := n.pending[resp.QID]
	if !ok {
		return
	}
	delete(n.pending, resp.QID)
	n.Timers.Cancel(resp.QID)

	dest, rest, ok := p.Hops.Pop()
	if !ok {
		return
	}
	out := resp
	out.Hops = rest
	if len(out.Values) == 1 {
		for k, v := range out.Values {
			logobs.DataMessage(n.ID, dest, resp.ReqType, k, v, resp.Seqno, resp.QID, resp.Critical, logobs.Send)
		}
	}
	n.Send(dest, out)
}

// handleCriticalUpdate locks Key for the session, and either (L1)
// forwards the lock down to every L2 child and awaits their votes, or
// (L2, a voting leaf) decides its own vote immediately.
func (n *Node) handleCriticalUpdate(from message.NodeID, cu message.CriticalUpdate) {
	existing, alreadyLocked := n.lockedForCW[cu.Key]
	conflict := alreadyLocked && existing != cu.QID

	n.lockedForCW[cu.Key] = cu.QID
	n.cwSessions[cu.QID] = cwSession{Key: cu.Key, Value: cu.Value, Hops: cu.Hops}
	n.Snap.RecordTransit(from, cu.Key, cu.Value, n.seqno[cu.Key])

	if n.tier == L1 {
		if conflict {
			n.Send(*n.Parent, message.CriticalUpdateResponse{QID: cu.QID, Vote: message.VoteNO})
			return
		}
		n.Multicast(n.Children, cu)
		if len(n.Children) == 0 {
			n.Send(*n.Parent, message.CriticalUpdateResponse{QID: cu.QID, Vote: message.VoteOK})
			return
		}
		n.l1Votes[cu.QID] = &voteTally{expected: len(n.Children), votes: make(map[message.NodeID]message.Vote)}
		n.Timers.Schedule(cu.QID, n.cfg.CritWriteTimeout, message.Timeout{QID: cu.QID})
		return
	}

	vote := message.VoteOK
	if conflict {
		vote = message.VoteNO
	}
	n.Send(*n.Parent, message.CriticalUpdateResponse{QID: cu.QID, Vote: vote})
}

// handleCriticalUpdateResponse aggregates L2 ballots at an L1. A
// single NO is a fast abort; otherwise the L1 waits for every child
// (or its own CRIT_WRITE_TIMEOUT-bound timer) before voting.
func (n *Node) handleCriticalUpdateResponse(from message.NodeID, r message.CriticalUpdateResponse) {
	if n.tier != L1 {
		return
	}
	tally, ok := n.l1Votes[r.QID]
	if !ok {
		return // late vote after this round already decided
	}
	tally.votes[from] = r.Vote

	if r.Vote == message.VoteNO {
		n.finalizeL1Vote(r.QID, message.VoteNO)
		return
	}
	if len(tally.votes) >= tally.expected {
		n.finalizeL1Vote(r.QID, message.VoteOK)
	}
}

func (n *Node) finalizeL1Vote(qid message.QueryID, vote message.Vote) {
	delete(n.l1Votes, qid)
	n.Timers.Cancel(qid)
	n.Send(*n.Parent, message.CriticalUpdateResponse{QID: qid, Vote: vote})
}

// handleCriticalWriteResponse applies the session's terminal outcome,
// propagates it to L2 children (L1 only — coherence fan-out, mirrors
// handleResponse), and completes the direct reply down to the
// originating client if this node is on the original request's path.
func (n *Node) handleCriticalWriteResponse(resp message.CriticalWriteResponse) {
	sess, ok := n.cwSessions[resp.QID]
	if ok {
		delete(n.cwSessions, resp.QID)
		if cur, locked := n.lockedForCW[sess.Key]; locked && cur == resp.QID {
			delete(n.lockedForCW, sess.Key)
		}
		if resp.Outcome == message.Commit && resp.NewSeqno != nil {
			n.store[sess.Key] = sess.Value
			n.seqno[sess.Key] = *resp.NewSeqno
		}
	}

	if n.tier == L1 {
		n.Multicast(n.Children, resp)
	}

	p, ok := n.pending[resp.QID]
	if !ok {
		return
	}
	delete(n.pending, resp.QID)
	n.Timers.Cancel(resp.QID)

	dest, rest, ok := p.Hops.Pop()
	if !ok {
		return
	}
	out := resp
	out.Hops = rest
	n.Send(dest, out)
}

// handleTimeout disambiguates an L1's own CW-vote-collection timeout
// from a regular upstream request timeout, since both reuse the
// generic Timeout self-message (spec §5: "the sole mechanism by which
// a node gives up on a request").
func (n *Node) handleTimeout(t message.Timeout) {
	if _, ok := n.l1Votes[t.QID]; ok {
		n.finalizeL1Vote(t.QID, message.VoteNO)
		return
	}

	p, ok := n.pending[t.QID]
	if !ok {
		return
	}
	delete(n.pending, t.QID)

	resp := message.Response{
		QID:      t.QID,
		Values:   nil,
		Seqno:    n.seqno[p.Key],
		ReqType:  p.ReqType,
		Critical: p.Critical,
	}
	dest, rest, ok := p.Hops.Pop()
	if !ok {
		return
	}
	resp.Hops = rest
	n.Send(dest, resp)
}

// replyAlong sends resp to the next hop recorded in hops (a cache-hit
// reply, where this node never pushed itself onto the request's hop
// list because it never forwarded).
func (n *Node) replyAlong(hops message.Hops, resp message.Response) {
	dest, rest, ok := hops.Pop()
	if !ok {
		return
	}
	resp.Hops = rest
	for k, v := range resp.Values {
		logobs.DataMessage(n.ID, dest, resp.ReqType, k, v, resp.Seqno, resp.QID, resp.Critical, logobs.Send)
	}
	n.Send(dest, resp)
}

// snapshotPeers returns this node's Chandy-Lamport peer set: an L1's
// peers are its parent Database and all of its L2 children; an L2's
// peers are its parent L1 only — clients are treated as snapshot
// non-participants (spec §9 open question, decision recorded in
// DESIGN.md).
func (n *Node) snapshotPeers() []message.NodeID {
	var peers []message.NodeID
	if n.Parent != nil {
		peers = append(peers, *n.Parent)
	}
	if n.tier == L1 {
		peers = append(peers, n.Children...)
	}
	return peers
}

func (n *Node) handleToken(from message.NodeID, tok message.Token) {
	peers := n.snapshotPeers()
	captured, complete := n.Snap.OnToken(from, tok.SnapshotID, peers, n.store, n.seqno)
	if captured {
		n.Multicast(peers, message.Token{SnapshotID: tok.SnapshotID})
	}
	if complete {
		logobs.Event(n.ID, "snapshot_complete", map[string]interface{}{
			"snapshotId": n.Snap.SnapshotID,
			"store":      n.Snap.CapturedStore,
			"inTransit":  n.Snap.DataInTransit,
		})
		n.Snap.Reset()
	}
}

func (n *Node) onCrash() {
	if n.Crashed {
		return
	}
	n.Crashed = true
	for qid := range n.pending {
		n.Timers.Cancel(qid)
	}
	for qid := range n.l1Votes {
		n.Timers.Cancel(qid)
	}
	logobs.Event(n.ID, "crash", nil)
	n.Timers.ScheduleDetached(n.cfg.RecoveryDelay, message.Recovery{})
}

func (n *Node) onRecovery() {
	if !n.Crashed {
		return
	}
	n.Crashed = false
	n.store = make(map[message.Key]message.Value)
	n.seqno = make(map[message.Key]int)
	n.pending = make(map[message.QueryID]pendingEntry)
	n.lockedForCW = make(map[message.Key]message.QueryID)
	n.cwSessions = make(map[message.QueryID]cwSession)
	n.l1Votes = make(map[message.QueryID]*voteTally)
	n.Snap.Reset()
	logobs.Event(n.ID, "recovery", nil)
}

// PendingCount exposes the number of in-flight forwarded requests, for
// the quiescence assertions spec §9 calls for ("pending ... must be
// pruned ... tests should assert these maps return to size 0").
func (n *Node) PendingCount() int {
	return len(n.pending)
}

// LockedKeys exposes the set of keys currently frozen for a critical
// write, for tests.
func (n *Node) LockedKeys() int {
	return len(n.lockedForCW)
}

// StoreValue exposes a node's cached (value, seqno, ok) for a key, for
// tests and introspection.
func (n *Node) StoreValue(key message.Key) (message.Value, int, bool) {
	v, ok := n.store[key]
	return v, n.seqno[key], ok
}
