// Package message defines the typed message catalogue exchanged between
// Database, L1, L2, and Client nodes: request/response envelopes, the
// hop list used for reply routing, and query/snapshot identifiers.
//
// Design Notes:
//   - Keys and values are plain ints (spec: "all keys and values are
//     integers").
//   - QueryID is generated with github.com/google/uuid so it is unique
//     across nodes without any coordination.
//   - Messages are a closed set of structs implementing the Message
//     marker interface; node handlers type-switch on the concrete type,
//     the idiomatic Go analogue of the source's dynamic dispatch on
//     message kind.
package message

import "github.com/google/uuid"

// NodeID identifies a Database, L1, L2, or Client node.
type NodeID int

// Key and Value are the integer key/value space of the cache.
type Key = int
type Value = int

// QueryID uniquely identifies a client request as it is forwarded
// across the hierarchy.
type QueryID string

// NewQueryID returns a fresh, globally unique query identifier.
func NewQueryID() QueryID {
	return QueryID(uuid.New().String())
}

// RequestType discriminates the four kinds of client-originated requests.
type RequestType int

const (
	READ RequestType = iota
	WRITE
	CRITREAD
	CRITWRITE
)

func (t RequestType) String() string {
	switch t {
	case READ:
		return "READ"
	case WRITE:
		return "WRITE"
	case CRITREAD:
		return "CRITREAD"
	case CRITWRITE:
		return "CRITWRITE"
	default:
		return "UNKNOWN"
	}
}

// IsCritical reports whether the request type is one of the critical
// variants, CRITREAD or CRITWRITE.
func (t RequestType) IsCritical() bool {
	return t == CRITREAD || t == CRITWRITE
}

// Vote is an L1/L2's ballot in a critical-write round.
type Vote int

const (
	VoteOK Vote = iota
	VoteNO
)

// Outcome is the terminal disposition of a critical-write session.
type Outcome int

const (
	Commit Outcome = iota
	Abort
)

func (o Outcome) String() string {
	if o == Commit {
		return "COMMIT"
	}
	return "ABORT"
}

// Hops is the ordered list of nodes a request has traversed from its
// origin toward the Database, most recent hop last. A response walks
// the list back to front: each holder pops the tail entry, which names
// the next node down, and sends the response there with the remaining
// hops.
type Hops []NodeID

// Push appends self to the hop list, as every forwarder does before
// sending a request upward.
func (h Hops) Push(self NodeID) Hops {
	out := make(Hops, len(h), len(h)+1)
	copy(out, h)
	return append(out, self)
}

// Pop removes and returns the tail entry (the immediate next hop for a
// response walking back down), and the remaining hops. ok is false if
// the list is already empty, meaning the current holder is the
// request's originator.
func (h Hops) Pop() (next NodeID, rest Hops, ok bool) {
	if len(h) == 0 {
		return 0, nil, false
	}
	last := len(h) - 1
	next = h[last]
	rest = h[:last]
	return next, rest, true
}

// IsPrefixOf reports whether h is a prefix of other, the hop-integrity
// invariant a response's remaining hops must satisfy against the
// originating request (spec invariant: response hops is a prefix of
// the request's hops).
func (h Hops) IsPrefixOf(other Hops) bool {
	if len(h) > len(other) {
		return false
	}
	for i := range h {
		if h[i] != other[i] {
			return false
		}
	}
	return true
}

// Message is the marker interface implemented by every wire message.
type Message interface {
	isMessage()
}

// Read is a plain or critical read request, traveling toward the
// Database (or answered early by a cache hit).
type Read struct {
	QID      QueryID
	Key      Key
	Critical bool
	Hops     Hops
}

func (Read) isMessage() {}

// Write is a plain or critical write request. A critical write is a
// Write with Critical set; the Database runs the critical-write round
// for it instead of applying it directly.
type Write struct {
	QID      QueryID
	Key      Key
	Value    Value
	Critical bool
	Hops     Hops
}

func (Write) isMessage() {}

// Response answers a Read or Write. Values is nil on failure (key
// locked for CW, or an upstream timeout). The outcome of a
// critical-write round travels as CriticalWriteResponse instead.
type Response struct {
	QID      QueryID
	Values   map[Key]Value
	Seqno    int
	ReqType  RequestType
	Critical bool
	Hops     Hops
}

func (Response) isMessage() {}

// CriticalUpdate announces the start of a critical-write round for Key,
// proposing Value. Sent DB -> all L1 -> all L2.
type CriticalUpdate struct {
	QID   QueryID
	Key   Key
	Value Value
	Hops  Hops
}

func (CriticalUpdate) isMessage() {}

// CriticalUpdateResponse is an L1 or L2's ballot for a critical-write
// round, aggregated at the next hop up (L2s aggregate at their L1,
// which casts one vote to the Database).
type CriticalUpdateResponse struct {
	QID  QueryID
	Vote Vote
}

func (CriticalUpdateResponse) isMessage() {}

// CriticalUpdateTimeout is the catalogue entry for the end of the
// Database's wait for all L1 votes. No node sends it: the Database
// arms a plain Timeout keyed by the session's QueryID for that wait.
type CriticalUpdateTimeout struct {
	QID  QueryID
	Hops Hops
}

func (CriticalUpdateTimeout) isMessage() {}

// CriticalWriteResponse is the terminal COMMIT/ABORT outcome of a
// critical-write session, multicast DB -> all L1 -> all L2 and also
// forwarded along Hops to the originating client.
type CriticalWriteResponse struct {
	QID      QueryID
	Outcome  Outcome
	NewSeqno *int
	Hops     Hops
}

func (CriticalWriteResponse) isMessage() {}

// Timeout is a node's self-message produced when a timer it owns
// fires before a matching response arrived.
type Timeout struct {
	QID QueryID
}

func (Timeout) isMessage() {}

// Recovery is the self-message delivered after RecoveryDelay to bring
// a crashed L1/L2 back into a cold-restart state.
type Recovery struct{}

func (Recovery) isMessage() {}

// Crash is not part of the deployed wire catalogue (spec §6) — a real
// crash is an external process-stop event, not a message. It exists so
// the simulation harness and tests can inject a crash deterministically
// instead of actually killing a goroutine. A crashed node ignores
// every message except Recovery, exactly as spec §4.6 describes.
type Crash struct{}

func (Crash) isMessage() {}

// JoinCaches is delivered once by the bootstrap/wiring layer to
// announce a node's parent, children, and (for snapshot purposes)
// peers.
type JoinCaches struct {
	Parent   *NodeID
	Children []NodeID
	Peers    []NodeID
}

func (JoinCaches) isMessage() {}

// StartSnapshot is injected at the Database to begin a Chandy-Lamport
// snapshot round.
type StartSnapshot struct{}

func (StartSnapshot) isMessage() {}

// Token is the Chandy-Lamport marker message.
type Token struct {
	SnapshotID int
}

func (Token) isMessage() {}

// Envelope pairs a Message with its sender/receiver for delivery and
// for the structured logging of data-carrying messages (spec §6
// "Logged observables").
type Envelope struct {
	From NodeID
	To   NodeID
	Body Message
}
