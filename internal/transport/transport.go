// ─────────────────────────────────────────────────────────────────────────────
// [Package]: transport — downstream message-send interface (§6)
//
// Purpose:
//   - Defines the `newMessage`/`send`/`createUnmanagedRegion` surface
//     spec.md §6 contracts between the dispatcher and whatever carries
//     messages off this process (FairMQ in the original; nothing
//     concrete is required here).
//   - Ships a Loopback implementation usable in tests and as the default
//     when no real transport is wired, exercising the same release/ack
//     lifecycle a real one would.
//
// Grounded on ws/ws.go + ws/ws_conn.go's connection abstraction: a
// small set of send/handshake entry points around a single connection
// object. The teacher's version is unsafe-pointer-heavy and
// single-purpose (one WebSocket feed); this module generalizes the
// *shape* — one object owning the wire, exposing Send plus a
// cleanup-on-ack lifecycle — into an interface, since the dispatcher
// must work against more than one concrete transport.
// ─────────────────────────────────────────────────────────────────────────────

package transport

import (
	"errors"
	"sync"
)

// Part is one message part: a byte range plus a release callback invoked
// exactly once, when the transport is done referencing those bytes (on
// ack for a real transport, synchronously for Loopback). Release may be
// nil for parts that own no resource (e.g. bytes from a throwaway
// buffer).
type Part struct {
	Bytes   []byte
	Release func()
}

// Message is the ordered list of parts making up one multi-part STF
// message (§4.4: part 0 is the STF header, parts 1..k are HBF bodies).
type Message []Part

// Region is an opaque handle to a registered unmanaged memory region,
// returned by CreateUnmanagedRegion and passed back into NewMessage for
// a zero-copy send.
type Region interface{}

// Sender is the contract a dispatcher sends through (§6). Send must
// invoke every part's Release callback exactly once, whether or not the
// send itself succeeds — a transport that drops a message still owns
// releasing the pages backing it.
type Sender interface {
	// NewMessage wraps bytes for sending. region is non-nil when bytes
	// live inside a region obtained from CreateUnmanagedRegion (the
	// zero-copy path); nil otherwise. release is invoked on ack.
	NewMessage(region Region, bytes []byte, release func()) Part
	// Send transmits every part of msg in order, returning the number of
	// bytes sent or an error. Never blocks indefinitely (§5: transport
	// send failure must not block further TFs).
	Send(msg Message) (int, error)
	// CreateUnmanagedRegion registers size bytes for zero-copy sends.
	// cleanup is invoked once, when the region itself is torn down.
	CreateUnmanagedRegion(size int, cleanup func()) (Region, error)
}

// Loopback is a Sender that completes sends synchronously and in
// process: every part's Release fires immediately after Send records
// it. Used by tests and by cmd/readoutd, which wires no other Sender.
type Loopback struct {
	mu   sync.Mutex
	sent []Message
}

// NewLoopback constructs an empty Loopback.
func NewLoopback() *Loopback { return &Loopback{} }

// NewMessage implements Sender. Loopback never carves its own unmanaged
// region bytes, so region is ignored; it only forwards bytes/release.
func (l *Loopback) NewMessage(region Region, bytes []byte, release func()) Part {
	return Part{Bytes: bytes, Release: release}
}

// Send implements Sender: records msg, releases every part, and reports
// success. A test wanting to simulate transport failure should wrap
// Loopback or use FailingSender instead.
func (l *Loopback) Send(msg Message) (int, error) {
	n := 0
	for _, p := range msg {
		n += len(p.Bytes)
	}
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	l.mu.Unlock()
	for _, p := range msg {
		if p.Release != nil {
			p.Release()
		}
	}
	return n, nil
}

// CreateUnmanagedRegion implements Sender with a no-op region: Loopback
// has nothing to register anything against.
func (l *Loopback) CreateUnmanagedRegion(size int, cleanup func()) (Region, error) {
	return loopbackRegion{size: size, cleanup: cleanup}, nil
}

// Sent returns every message handed to Send so far, for test assertions.
func (l *Loopback) Sent() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.sent))
	copy(out, l.sent)
	return out
}

type loopbackRegion struct {
	size    int
	cleanup func()
}

// FailingSender always fails Send, for exercising §4.4's "transport send
// failure increments an error counter and does not block further TFs".
// It still releases every part, matching the real contract.
type FailingSender struct {
	Err error
}

func (f FailingSender) NewMessage(region Region, bytes []byte, release func()) Part {
	return Part{Bytes: bytes, Release: release}
}

func (f FailingSender) Send(msg Message) (int, error) {
	for _, p := range msg {
		if p.Release != nil {
			p.Release()
		}
	}
	return 0, f.err()
}

func (f FailingSender) CreateUnmanagedRegion(size int, cleanup func()) (Region, error) {
	return nil, f.err()
}

func (f FailingSender) err() error {
	if f.Err != nil {
		return f.Err
	}
	return errSendFailed
}

var errSendFailed = errors.New("transport: send failed")
