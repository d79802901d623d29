// Package transport implements the two external-collaborator pieces
// the core consumes rather than re-specifies: a reliable, ordered,
// point-to-point delivery primitive (Directory) and the artificial
// per-send network delay (Delayer).
//
// spec §9 calls out that a sender-side sleep serialises the sender's
// own handler and proposes the preferable alternative: "each node owns
// an outbound queue per destination that injects delay off the
// handler's critical path while preserving per-destination FIFO." That
// is exactly the goroutine-plus-buffered-channel shape the teacher
// uses for warming.WorkerPool: one long-lived worker goroutine per
// queue, fed by a channel, with a stop channel for graceful shutdown.
// Delayer applies the same shape per destination node instead of per
// warming worker.
package transport

import (
	"math/rand"
	"sync"
	"time"

	"github.com/samuelebortolotti/multilevel-cache/pkg/message"
)

// Directory resolves a NodeID to its live inbox channel. It is the
// minimal concrete stand-in for the topology/bootstrap external
// collaborator: in a real deployment this would be backed by network
// addresses, here by in-process channels.
type Directory struct {
	mu      sync.RWMutex
	inboxes map[message.NodeID]chan message.Envelope
}

// NewDirectory returns an empty routing directory.
func NewDirectory() *Directory {
	return &Directory{inboxes: make(map[message.NodeID]chan message.Envelope)}
}

// Register associates id with its inbox channel. Called once per node
// during topology construction.
func (d *Directory) Register(id message.NodeID, inbox chan message.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inboxes[id] = inbox
}

// Resolve looks up id's inbox channel.
func (d *Directory) Resolve(id message.NodeID) (chan message.Envelope, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.inboxes[id]
	return ch, ok
}

// Delayer injects a uniformly random delay in [0, maxDelay) on every
// send, implemented as one worker goroutine per destination node so
// that per-destination FIFO is preserved without blocking the sending
// node's own event-loop goroutine.
type Delayer struct {
	dir      *Directory
	maxDelay time.Duration

	mu     sync.Mutex
	queues map[message.NodeID]chan message.Envelope
	wg     sync.WaitGroup
	done   chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewDelayer builds a Delayer routing through dir, delaying each send
// by a random duration in [0, maxDelay). seed makes delay sequences
// reproducible across runs (spec §9 design note: replace the global
// RNG with an explicit, seeded per-owner RNG).
func NewDelayer(dir *Directory, maxDelay time.Duration, seed int64) *Delayer {
	return &Delayer{
		dir:      dir,
		maxDelay: maxDelay,
		queues:   make(map[message.NodeID]chan message.Envelope),
		done:     make(chan struct{}),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Send enqueues env for delivery to env.To after the artificial delay.
// Returns immediately; the caller's goroutine is never blocked on the
// delay itself.
func (d *Delayer) Send(env message.Envelope) {
	d.queueFor(env.To) <- env
}

func (d *Delayer) queueFor(to message.NodeID) chan message.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[to]
	if ok {
		return q
	}

	q = make(chan message.Envelope, 256)
	d.queues[to] = q
	d.wg.Add(1)
	go d.runQueue(to, q)
	return q
}

func (d *Delayer) runQueue(to message.NodeID, q chan message.Envelope) {
	defer d.wg.Done()

	for {
		select {
		case env := <-q:
			time.Sleep(d.randomDelay())
			if inbox, ok := d.dir.Resolve(to); ok {
				inbox <- env
			}
		case <-d.done:
			return
		}
	}
}

func (d *Delayer) randomDelay() time.Duration {
	if d.maxDelay <= 0 {
		return 0
	}
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return time.Duration(d.rng.Int63n(int64(d.maxDelay)))
}

// Shutdown stops every per-destination worker goroutine and waits for
// them to exit. Messages already enqueued but not yet delivered are
// dropped.
func (d *Delayer) Shutdown() {
	close(d.done)
	d.wg.Wait()
}
