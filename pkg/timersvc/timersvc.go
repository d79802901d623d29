// Package timersvc implements the per-node timer service: one
// cancellable one-shot timer per QueryID, plus a non-cancellable
// "detached" timer used for crash -> Recovery self-scheduling.
//
// A fired timer never touches the owning node's state directly — it
// only ever delivers a self-addressed message.Envelope onto the node's
// own inbox, so the node's single-threaded event loop (the same
// runWorker-style goroutine+channel loop the teacher uses in
// warming.WorkerPool) is the only thing that ever mutates node state.
// This keeps every node lock-free, matching spec §5 ("no locks are
// required").
package timersvc

import (
	"sync"
	"time"

	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
)

// Registry owns every live timer for a single node.
type Registry struct {
	mu     sync.Mutex
	timers map[message.QueryID]*time.Timer
	self   message.NodeID
	inbox  chan<- message.Envelope
}

// NewRegistry builds a Registry that delivers fired timers onto inbox,
// addressed from and to self.
func NewRegistry(self message.NodeID, inbox chan<- message.Envelope) *Registry {
	return &Registry{
		timers: make(map[message.QueryID]*time.Timer),
		self:   self,
		inbox:  inbox,
	}
}

// Schedule arms a cancellable one-shot timer for qid. If a timer for
// qid is already scheduled, it is replaced (the old one is stopped).
func (r *Registry) Schedule(qid message.QueryID, delay time.Duration, body message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[qid]; ok {
		existing.Stop()
	}

	r.timers[qid] = time.AfterFunc(delay, func() {
		r.fire(qid, body)
	})
}

// fire delivers body to the owning node, provided the timer wasn't
// cancelled in the race between expiry and Cancel.
func (r *Registry) fire(qid message.QueryID, body message.Message) {
	r.mu.Lock()
	_, stillArmed := r.timers[qid]
	delete(r.timers, qid)
	r.mu.Unlock()

	if !stillArmed {
		return
	}

	r.inbox <- message.Envelope{From: r.self, To: r.self, Body: body}
}

// Cancel stops and removes the timer for qid. It is idempotent:
// cancelling an already-fired or already-cancelled qid is a no-op and
// reports false.
func (r *Registry) Cancel(qid message.QueryID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer, ok := r.timers[qid]
	if !ok {
		return false
	}
	timer.Stop()
	delete(r.timers, qid)
	return true
}

// Pending returns the number of currently armed cancellable timers.
// Tests assert this drains to zero in quiescence (spec §9, "unbounded
// growth" design note).
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// ScheduleDetached arms a timer that cannot be cancelled and is not
// tracked in Pending(); used for crash -> Recovery self-scheduling,
// which must fire regardless of anything else happening at the node.
func (r *Registry) ScheduleDetached(delay time.Duration, body message.Message) {
	time.AfterFunc(delay, func() {
		r.inbox <- message.Envelope{From: r.self, To: r.self, Body: body}
	})
}
