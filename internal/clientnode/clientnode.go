// Package clientnode implements a Client: the leaf of the topology
// that issues requests and enforces the per-key monotonic-read
// contract locally (spec §4.5). Request generation itself is an
// external collaborator (the workload generator, spec §1); this
// package exposes SubmitRead/SubmitWrite for that driver to call and
// reports completed/failed/violated requests through Results.
package clientnode

import (
	"context"
	"fmt"

	"github.com/samuelebortolotti/multilevel-cache/internal/basenode"
	"github.com/samuelebortolotti/multilevel-cache/pkg/config"
	"github.com/samuelebortolotti/multilevel-cache/pkg/logobs"
	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
	"github.com/samuelebortolotti/multilevel-cache/pkg/transport"
)

// pendingRequest is the bookkeeping for a request this client is
// awaiting a reply to.
type pendingRequest struct {
	Key      message.Key
	ReqType  message.RequestType
	Critical bool
}

// Outcome is what happened to a completed or failed client request,
// delivered on the Node's Results channel.
type Outcome struct {
	QID      message.QueryID
	Key      message.Key
	ReqType  message.RequestType
	Value    message.Value
	Seqno    int
	Ok       bool  // false on timeout or a CW abort / locked-key failure
	Violated error // non-nil if this response broke the monotonic-read contract
}

// Node is a Client.
type Node struct {
	*basenode.Base
	cfg config.Config

	pending       map[message.QueryID]pendingRequest
	lastSeenSeqno map[message.Key]int

	Results chan Outcome
}

// New builds a Client node.
func New(id message.NodeID, cfg config.Config, delayer *transport.Delayer) *Node {
	return &Node{
		Base:          basenode.New(id, delayer),
		cfg:           cfg,
		pending:       make(map[message.QueryID]pendingRequest),
		lastSeenSeqno: make(map[message.Key]int),
		Results:       make(chan Outcome, 256),
	}
}

// Run drains the client's inbox until ctx is cancelled.
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
	case message.Response:
		n.handleResponse(body)
	case message.CriticalWriteResponse:
		n.handleCriticalWriteResponse(body)
	case message.Timeout:
		n.handleTimeout(body)
	}
}

// SubmitRead issues a new READ or CRITREAD request toward this
// client's L2 parent.
func (n *Node) SubmitRead(key message.Key, critical bool) message.QueryID {
	qid := message.NewQueryID()
	reqType := message.READ
	if critical {
		reqType = message.CRITREAD
	}
	n.pending[qid] = pendingRequest{Key: key, ReqType: reqType, Critical: critical}
	n.Timers.Schedule(qid, n.cfg.ClientTimeout, message.Timeout{QID: qid})

	logobs.DataMessage(n.ID, *n.Parent, reqType, key, 0, 0, qid, critical, logobs.Send)
	n.Send(*n.Parent, message.Read{QID: qid, Key: key, Critical: critical, Hops: message.Hops{n.ID}})
	return qid
}

// SubmitWrite issues a new WRITE or CRITWRITE request toward this
// client's L2 parent.
func (n *Node) SubmitWrite(key message.Key, value message.Value, critical bool) message.QueryID {
	qid := message.NewQueryID()
	reqType := message.WRITE
	if critical {
		reqType = message.CRITWRITE
	}
	n.pending[qid] = pendingRequest{Key: key, ReqType: reqType, Critical: critical}
	n.Timers.Schedule(qid, n.cfg.ClientTimeout, message.Timeout{QID: qid})

	logobs.DataMessage(n.ID, *n.Parent, reqType, key, value, 0, qid, critical, logobs.Send)
	n.Send(*n.Parent, message.Write{QID: qid, Key: key, Value: value, Critical: critical, Hops: message.Hops{n.ID}})
	return qid
}

// handleResponse completes a plain READ/WRITE: cancels the timer,
// checks the monotonic-read invariant against the last seqno this
// client observed for the key, and reports the outcome.
func (n *Node) handleResponse(resp message.Response) {
	p, ok := n.pending[resp.QID]
	if !ok {
		return
	}
	delete(n.pending, resp.QID)
	n.Timers.Cancel(resp.QID)

	out := Outcome{QID: resp.QID, Key: p.Key, ReqType: p.ReqType, Seqno: resp.Seqno}
	if resp.Values == nil {
		out.Ok = false
		n.deliver(out)
		return
	}

	out.Value = resp.Values[p.Key]
	out.Ok = true
	if last, seen := n.lastSeenSeqno[p.Key]; seen && resp.Seqno < last {
		out.Violated = fmt.Errorf("monotonic read violated for key %d: saw seqno %d after %d", p.Key, resp.Seqno, last)
	} else {
		n.lastSeenSeqno[p.Key] = resp.Seqno
	}
	n.deliver(out)
}

// handleCriticalWriteResponse completes a CRITWRITE request with its
// COMMIT/ABORT outcome.
func (n *Node) handleCriticalWriteResponse(resp message.CriticalWriteResponse) {
	p, ok := n.pending[resp.QID]
	if !ok {
		return
	}
	delete(n.pending, resp.QID)
	n.Timers.Cancel(resp.QID)

	out := Outcome{QID: resp.QID, Key: p.Key, ReqType: p.ReqType, Ok: resp.Outcome == message.Commit}
	if resp.Outcome == message.Commit && resp.NewSeqno != nil {
		out.Seqno = *resp.NewSeqno
		n.lastSeenSeqno[p.Key] = *resp.NewSeqno
	}
	n.deliver(out)
}

// handleTimeout marks a request failed when CLIENT_TIMEOUT elapses
// before any matching response arrives (spec §4.5: "the workload
// driver may retry, outside the core").
func (n *Node) handleTimeout(t message.Timeout) {
	p, ok := n.pending[t.QID]
	if !ok {
		return
	}
	delete(n.pending, t.QID)
	n.deliver(Outcome{QID: t.QID, Key: p.Key, ReqType: p.ReqType, Ok: false})
}

func (n *Node) deliver(out Outcome) {
	select {
	case n.Results <- out:
	default:
		logobs.Event(n.ID, "results_channel_full", map[string]interface{}{"qid": string(out.QID)})
	}
}

// PendingCount exposes the number of outstanding requests, for tests.
func (n *Node) PendingCount() int {
	return len(n.pending)
}
