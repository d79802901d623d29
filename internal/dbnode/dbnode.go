// Package dbnode implements the Database node: the sole authority for
// key values and per-key sequence numbers, and the coordinator of the
// critical-write two-phase commit round across all L1 caches (spec
// §4.2). The Database is assumed never to crash.
package dbnode

import (
	"context"

	"github.com/samuelebortolotti/multilevel-cache/internal/basenode"
	"github.com/samuelebortolotti/multilevel-cache/pkg/config"
	"github.com/samuelebortolotti/multilevel-cache/pkg/logobs"
	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
	"github.com/samuelebortolotti/multilevel-cache/pkg/transport"
)

// session is the Database's open bookkeeping for one critical-write
// round: the key/value under negotiation, the original request's
// hops (to route the terminal reply), and the L1 ballots received so
// far.
type session struct {
	Key   message.Key
	Value message.Value
	Hops  message.Hops
	Acks  map[message.NodeID]bool
}

// Node is the Database.
type Node struct {
	*basenode.Base
	cfg config.Config

	db    map[message.Key]message.Value
	seqno map[message.Key]int

	sessions map[message.QueryID]session
}

// New builds a Database node preloaded with initial, seeding every key
// the simulated workload will ever request (spec §3: "initially
// populated and assumed to contain every key any client will ever
// request").
func New(id message.NodeID, cfg config.Config, delayer *transport.Delayer, initial map[message.Key]message.Value) *Node {
	db := make(map[message.Key]message.Value, len(initial))
	seqno := make(map[message.Key]int, len(initial))
	for k, v := range initial {
		db[k] = v
		seqno[k] = 0
	}
	return &Node{
		Base:     basenode.New(id, delayer),
		cfg:      cfg,
		db:       db,
		seqno:    seqno,
		sessions: make(map[message.QueryID]session),
	}
}

// Run drains the Database's inbox until ctx is cancelled.
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
	switch body := env.Body.(type) {
	case message.JoinCaches:
		n.ApplyJoin(body)
	case message.Read:
		n.handleRead(body)
	case message.Write:
		n.handleWrite(body)
	case message.CriticalUpdateResponse:
		n.handleCriticalUpdateResponse(env.From, body)
	case message.Timeout:
		n.handleTimeout(body)
	case message.StartSnapshot:
		n.handleStartSnapshot()
	case message.Token:
		n.handleToken(env.From, body)
	}
}

func (n *Node) isLockedForCW(key message.Key) bool {
	for _, s := range n.sessions {
		if s.Key == key {
			return true
		}
	}
	return false
}

// handleRead answers a (possibly critical) read with the current value
// and seqno, or with a failure if the key is under an open CW session
// (spec §4.2: "if key ∈ lockedForCW, reply with values=null").
func (n *Node) handleRead(r message.Read) {
	reqType := message.READ
	if r.Critical {
		reqType = message.CRITREAD
	}

	resp := message.Response{
		QID:      r.QID,
		Seqno:    n.seqno[r.Key],
		ReqType:  reqType,
		Critical: r.Critical,
	}
	if !n.isLockedForCW(r.Key) {
		resp.Values = map[message.Key]message.Value{r.Key: n.db[r.Key]}
	}
	n.replyAlong(r.Hops, resp)
}

// handleWrite applies a plain write immediately and multicasts the
// update to every L1 as an invalidation/update broadcast (spec §4.2).
// A write against a key with an open CW session is rejected.
func (n *Node) handleWrite(w message.Write) {
	if n.isLockedForCW(w.Key) {
		n.replyAlong(w.Hops, message.Response{QID: w.QID, ReqType: message.WRITE})
		return
	}

	if w.Critical {
		n.beginCriticalWrite(w)
		return
	}

	n.db[w.Key] = w.Value
	n.seqno[w.Key]++

	resp := message.Response{
		QID:     w.QID,
		Values:  map[message.Key]message.Value{w.Key: w.Value},
		Seqno:   n.seqno[w.Key],
		ReqType: message.WRITE,
		Hops:    w.Hops,
	}
	logobs.Event(n.ID, "write_broadcast", map[string]interface{}{
		"key": w.Key, "value": w.Value, "seqno": n.seqno[w.Key], "qid": string(w.QID),
	})
	n.Multicast(n.Children, resp)
}

// beginCriticalWrite opens a new CW session and multicasts
// CriticalUpdate to every L1 (spec §4.2 CW coordinator, START state).
func (n *Node) beginCriticalWrite(w message.Write) {
	n.sessions[w.QID] = session{
		Key:   w.Key,
		Value: w.Value,
		Hops:  w.Hops,
		Acks:  make(map[message.NodeID]bool),
	}
	n.Timers.Schedule(w.QID, n.cfg.CritWriteTimeout, message.Timeout{QID: w.QID})
	n.Multicast(n.Children, message.CriticalUpdate{QID: w.QID, Key: w.Key, Value: w.Value, Hops: w.Hops})
}

// handleCriticalUpdateResponse folds one L1's ballot into the open
// session: a single NO aborts immediately, and a unanimous OK from
// every L1 commits (spec §4.2 WAITING transitions). Votes for an
// already-decided or unknown session are dropped, matching the "late
// messages after a terminal transition are silently dropped" rule.
func (n *Node) handleCriticalUpdateResponse(from message.NodeID, r message.CriticalUpdateResponse) {
	sess, ok := n.sessions[r.QID]
	if !ok {
		return
	}

	if r.Vote == message.VoteNO {
		n.finalize(r.QID, sess, message.Abort, nil)
		return
	}

	sess.Acks[from] = true
	n.sessions[r.QID] = sess
	if len(sess.Acks) >= len(n.Children) {
		n.seqno[sess.Key]++
		n.db[sess.Key] = sess.Value
		newSeqno := n.seqno[sess.Key]
		n.finalize(r.QID, sess, message.Commit, &newSeqno)
	}
}

// handleTimeout aborts a CW session still open when its
// CritWriteTimeout timer fires, delivered as a Timeout carrying the
// session's QueryID (spec §4.2 WAITING + timer fires).
func (n *Node) handleTimeout(t message.Timeout) {
	sess, ok := n.sessions[t.QID]
	if !ok {
		return
	}
	n.finalize(t.QID, sess, message.Abort, nil)
}

func (n *Node) finalize(qid message.QueryID, sess session, outcome message.Outcome, newSeqno *int) {
	delete(n.sessions, qid)
	n.Timers.Cancel(qid)
	n.Multicast(n.Children, message.CriticalWriteResponse{
		QID:      qid,
		Outcome:  outcome,
		NewSeqno: newSeqno,
		Hops:     sess.Hops,
	})
}

// replyAlong sends resp to the next hop in hops (the Database is
// always the terminus of a forwarded request, so it always has a
// non-empty hops to pop).
func (n *Node) replyAlong(hops message.Hops, resp message.Response) {
	dest, rest, ok := hops.Pop()
	if !ok {
		return
	}
	resp.Hops = rest
	n.Send(dest, resp)
}

func (n *Node) handleStartSnapshot() {
	n.Snap.Start(n.ID, n.Snap.SnapshotID+1, n.db, n.seqno)
	n.Multicast(n.Children, message.Token{SnapshotID: n.Snap.SnapshotID})
}

func (n *Node) handleToken(from message.NodeID, tok message.Token) {
	captured, complete := n.Snap.OnToken(from, tok.SnapshotID, n.Children, n.db, n.seqno)
	if captured {
		n.Multicast(n.Children, message.Token{SnapshotID: tok.SnapshotID})
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

// StoreValue exposes the Database's authoritative (value, seqno) for a
// key, for tests.
func (n *Node) StoreValue(key message.Key) (message.Value, int) {
	return n.db[key], n.seqno[key]
}

// OpenSessionCount exposes the number of in-flight CW sessions, for the
// quiescence assertions spec §9 calls for.
func (n *Node) OpenSessionCount() int {
	return len(n.sessions)
}
