package clientnode

import (
	"testing"
	"time"

	"github.com/samuelebortolotti/multilevel-cache/pkg/config"
	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
	"github.com/samuelebortolotti/multilevel-cache/pkg/transport"
)

func newTestClient(t *testing.T, parent message.NodeID) (*Node, *transport.Directory, chan message.Envelope) {
	t.Helper()
	dir := transport.NewDirectory()
	delayer := transport.NewDelayer(dir, 0, 1)
	t.Cleanup(delayer.Shutdown)

	n := New(100, config.DefaultConfig(), delayer)
	dir.Register(100, n.Inbox)
	n.Parent = &parent
	parentInbox := make(chan message.Envelope, 8)
	dir.Register(parent, parentInbox)
	return n, dir, parentInbox
}

func drainOutcome(t *testing.T, ch chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(time.Second):
		t.Fatal("expected an outcome, got none")
		return Outcome{}
	}
}

func TestSubmitReadSendsAndCompletesSuccessfully(t *testing.T) {
	parent := message.NodeID(1)
	n, _, parentInbox := newTestClient(t, parent)

	qid := n.SubmitRead(5, false)

	env := <-parentInbox
	req := env.Body.(message.Read)
	if req.QID != qid || req.Key != 5 {
		t.Fatalf("unexpected forwarded read: %+v", req)
	}

	n.handle(message.Envelope{From: parent, To: 100, Body: message.Response{
		QID: qid, Values: map[message.Key]message.Value{5: 7}, Seqno: 1, ReqType: message.READ,
	}})

	out := drainOutcome(t, n.Results)
	if !out.Ok || out.Value != 7 || out.Seqno != 1 || out.Violated != nil {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if n.PendingCount() != 0 {
		t.Fatal("expected pending cleared")
	}
}

func TestMonotonicReadViolationDetected(t *testing.T) {
	parent := message.NodeID(1)
	n, _, _ := newTestClient(t, parent)
	n.lastSeenSeqno[5] = 10

	qid := n.SubmitRead(5, false)
	n.handle(message.Envelope{From: parent, To: 100, Body: message.Response{
		QID: qid, Values: map[message.Key]message.Value{5: 1}, Seqno: 3, ReqType: message.READ,
	}})

	out := drainOutcome(t, n.Results)
	if out.Violated == nil {
		t.Fatal("expected a monotonic-read violation to be reported")
	}
}

func TestRequestTimeoutMarksFailed(t *testing.T) {
	parent := message.NodeID(1)
	n, _, parentInbox := newTestClient(t, parent)
	n.cfg.ClientTimeout = 20 * time.Millisecond

	n.SubmitRead(5, false)
	<-parentInbox

	// No event loop runs in this test, so hand the fired timer's
	// self-message to the handler directly.
	select {
	case env := <-n.Inbox:
		n.handle(env)
	case <-time.After(time.Second):
		t.Fatal("expected the client timeout to fire")
	}

	out := drainOutcome(t, n.Results)
	if out.Ok {
		t.Fatal("expected timeout to report a failed outcome")
	}
	if n.PendingCount() != 0 {
		t.Fatal("expected pending cleared after timeout")
	}
}

func TestCriticalWriteCommitReportsNewSeqno(t *testing.T) {
	parent := message.NodeID(1)
	n, _, parentInbox := newTestClient(t, parent)

	qid := n.SubmitWrite(5, 42, true)
	<-parentInbox

	newSeqno := 4
	n.handle(message.Envelope{From: parent, To: 100, Body: message.CriticalWriteResponse{
		QID: qid, Outcome: message.Commit, NewSeqno: &newSeqno,
	}})

	out := drainOutcome(t, n.Results)
	if !out.Ok || out.Seqno != 4 {
		t.Fatalf("expected committed outcome with seqno 4, got %+v", out)
	}
}

func TestCriticalWriteAbortReportsFailure(t *testing.T) {
	parent := message.NodeID(1)
	n, _, parentInbox := newTestClient(t, parent)

	qid := n.SubmitWrite(5, 42, true)
	<-parentInbox

	n.handle(message.Envelope{From: parent, To: 100, Body: message.CriticalWriteResponse{
		QID: qid, Outcome: message.Abort,
	}})

	out := drainOutcome(t, n.Results)
	if out.Ok {
		t.Fatal("expected an aborted critical write to report failure")
	}
}
