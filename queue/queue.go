// Package queue implements the per-connection message multiplexer: the
// map from message-id to in-flight request/status, and the 255-slot
// outgoing send-slot accounting.
package queue

import (
	"errors"
	"fmt"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/fileshare-project/fsp/wire"
)

// maxSlots is the number of concurrent outgoing requests a connection can
// have in flight: one message-id byte minus id 0, which is reserved for
// pre-auth traffic.
const maxSlots = 255

// ErrNoFreeSlot is returned by SendRequest when every outgoing message-id
// is occupied by a non-terminal (or APPROVAL_PENDING) request.
var ErrNoFreeSlot = errors.New("queue: no free outgoing message-id slot")

// ErrUnknownMessageID is returned when a reply or status lookup names a
// message-id with no corresponding entry.
var ErrUnknownMessageID = errors.New("queue: unknown message-id")

// ErrConflictingTerminalStatus is returned by ReceiveReply when a second,
// different terminal status arrives for a message-id that already holds a
// terminal status. This is a protocol violation; the caller should close
// the connection.
var ErrConflictingTerminalStatus = errors.New("queue: conflicting terminal status for message-id")

// ErrIDCollision is returned by AdoptRequest when the caller-chosen id is
// already occupied by an unrelated in-flight request of a different code.
var ErrIDCollision = errors.New("queue: message-id already in use by an unrelated request")

// Entry is one message-queue slot: the original request, its raw encoded
// bytes (kept for retransmit-free reference/debugging), and its status,
// absent until a reply is recorded.
type Entry struct {
	Code      wire.CommandCode
	Payload   []byte
	HasStatus bool
	Status    wire.StatusCode
}

// Queue tracks the in-flight requests of both directions for a single
// connection: outgoing requests we sent and are awaiting a reply for, and
// incoming requests we received and must eventually reply to.
//
// A Queue is not safe for concurrent use; callers serialize access the
// same way the rest of the peer state machine does (single carrier per
// connection).
type Queue struct {
	outgoing      map[byte]*Entry
	incoming      map[byte]*Entry
	cursor        byte
	availableSlots int

	// connID correlates every log line this queue emits with a single
	// physical connection, without touching the wire protocol's own
	// message-id space.
	connID xid.ID
}

// New returns a Queue with all 255 outgoing slots available. The allocation
// cursor starts at 1: message-id 0 is reserved for pre-auth traffic (see
// wire.PreAuthMessageID) and is never handed out by SendRequest.
func New() *Queue {
	return &Queue{
		outgoing:       make(map[byte]*Entry),
		incoming:       make(map[byte]*Entry),
		availableSlots: maxSlots,
		cursor:         1,
		connID:         xid.New(),
	}
}

// ConnID returns the globally-unique, sortable id assigned to this queue at
// creation, used only as a log-correlation field.
func (q *Queue) ConnID() string {
	return q.connID.String()
}

// AvailableSendSlots reports how many outgoing requests can still be sent
// before SendRequest starts failing with ErrNoFreeSlot.
func (q *Queue) AvailableSendSlots() int {
	return q.availableSlots
}

// SendRequest allocates a message-id for an outgoing request, records it
// with no status, and returns the allocated id. Allocation scans forward
// from the cursor over the ring {1, ..., 255} (id 0 is reserved for
// pre-auth traffic and is never part of this ring), skipping ids whose
// stored entry has no status yet or has APPROVAL_PENDING: both mean the
// slot is still in use.
func (q *Queue) SendRequest(code wire.CommandCode, payload []byte) (byte, error) {
	if q.availableSlots == 0 {
		return 0, fmt.Errorf("queue: %w", ErrNoFreeSlot)
	}

	id := q.cursor
	for {
		entry, occupied := q.outgoing[id]
		if !occupied {
			break
		}
		if entry.HasStatus && entry.Status != wire.StatusApprovalPending {
			break
		}
		if id == 255 {
			id = 1
		} else {
			id++
		}
		if id == q.cursor {
			// Scanned the full ring without finding a free slot; the slot
			// counter should have caught this, but guard against drift.
			return 0, fmt.Errorf("queue: %w", ErrNoFreeSlot)
		}
	}

	q.outgoing[id] = &Entry{Code: code, Payload: payload}
	q.availableSlots--

	if id == 255 {
		q.cursor = 1
	} else {
		q.cursor = id + 1
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Queue.SendRequest",
		"conn_id":    q.connID.String(),
		"message_id": id,
		"code":       code,
	}).Debug("allocated outgoing message-id")

	return id, nil
}

// Reuse re-arms id for a follow-up request in the same transfer: every
// DATA_PACKET or FILE_LIST frame of a transfer travels under the id the
// transfer was established with, not a fresh allocation. The stored entry
// is overwritten with the new request and no status. A terminal status on
// the old entry had released the slot, so re-arming re-occupies it; a
// still-pending entry keeps the slot it already holds.
func (q *Queue) Reuse(id byte, code wire.CommandCode, payload []byte) error {
	entry, ok := q.outgoing[id]
	if !ok {
		return fmt.Errorf("queue: outgoing id %d: %w", id, ErrUnknownMessageID)
	}
	if entry.HasStatus && entry.Status.IsTerminal() {
		if q.availableSlots == 0 {
			return fmt.Errorf("queue: %w", ErrNoFreeSlot)
		}
		q.availableSlots--
	}
	q.outgoing[id] = &Entry{Code: code, Payload: payload}
	return nil
}

// AdoptRequest records an outgoing request under a caller-chosen id rather
// than an allocated one: FILE_LIST pages are sent under the id of the
// LIST_FILES request that asked for them, which was allocated by the remote
// peer. An id already occupied by an unrelated in-flight request of a
// different code fails with ErrIDCollision; an id occupied by an earlier
// frame of the same transfer falls through to Reuse semantics.
func (q *Queue) AdoptRequest(id byte, code wire.CommandCode, payload []byte) error {
	if entry, ok := q.outgoing[id]; ok {
		if entry.Code != code && (!entry.HasStatus || !entry.Status.IsTerminal()) {
			return fmt.Errorf("queue: adopting id %d: %w", id, ErrIDCollision)
		}
		return q.Reuse(id, code, payload)
	}
	if q.availableSlots == 0 {
		return fmt.Errorf("queue: %w", ErrNoFreeSlot)
	}
	q.outgoing[id] = &Entry{Code: code, Payload: payload}
	q.availableSlots--
	return nil
}

// ReceiveRequest records an incoming request under its own message-id,
// ready to be answered later with SendReply.
func (q *Queue) ReceiveRequest(id byte, code wire.CommandCode, payload []byte) {
	q.incoming[id] = &Entry{Code: code, Payload: payload}
}

// SendReply records the status we are replying with for a previously
// received incoming request.
func (q *Queue) SendReply(id byte, status wire.StatusCode) error {
	entry, ok := q.incoming[id]
	if !ok {
		return fmt.Errorf("queue: incoming id %d: %w", id, ErrUnknownMessageID)
	}
	entry.HasStatus = true
	entry.Status = status
	return nil
}

// ReceiveReply records a status for one of our outgoing requests and
// updates slot accounting. A duplicate reply with an identical status is a
// no-op. A different terminal status arriving after a terminal status was
// already recorded is a protocol violation.
func (q *Queue) ReceiveReply(id byte, status wire.StatusCode) error {
	entry, ok := q.outgoing[id]
	if !ok {
		return fmt.Errorf("queue: outgoing id %d: %w", id, ErrUnknownMessageID)
	}

	if entry.HasStatus {
		if entry.Status == status {
			return nil
		}
		if entry.Status.IsTerminal() {
			return fmt.Errorf("queue: id %d had %s, got %s: %w", id, entry.Status, status, ErrConflictingTerminalStatus)
		}
	}

	wasOccupying := !entry.HasStatus || !entry.Status.IsTerminal()
	if wasOccupying && status.IsTerminal() {
		q.availableSlots++
	}

	entry.HasStatus = true
	entry.Status = status
	return nil
}

// Outgoing returns the entry for an outgoing message-id, if any.
func (q *Queue) Outgoing(id byte) (Entry, bool) {
	entry, ok := q.outgoing[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Incoming returns the entry for an incoming message-id, if any.
func (q *Queue) Incoming(id byte) (Entry, bool) {
	entry, ok := q.incoming[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// ForgetOutgoing drops an outgoing entry, e.g. once its transfer retires.
// It does not touch slot accounting: callers must have already observed a
// terminal status (which already released the slot) before forgetting.
func (q *Queue) ForgetOutgoing(id byte) {
	delete(q.outgoing, id)
}

// ForgetIncoming drops an incoming entry once fully handled.
func (q *Queue) ForgetIncoming(id byte) {
	delete(q.incoming, id)
}
