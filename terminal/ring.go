// Package terminal implements component C7: the PTY streaming subprotocol
// that lets a Core viewer attach to a Periphery-hosted terminal over the
// same multiplexed socket the rest of this module carries RPCs on. The PTY
// lifecycle itself (spawn, resize, read/write on a dedicated goroutine, and
// the child-process sentinel framing for bounded command execution) is
// grounded on original_source/bin/periphery/src/terminal.rs and
// bin/periphery/src/api/terminal.rs; there is no PTY analog in the teacher
// (a mixnet client has nothing resembling a remote shell), so the PTY
// library itself -- github.com/creack/pty -- is named rather than pack-
// grounded, per the out-of-pack allowance SPEC_FULL.md records. The ring
// buffer, broadcast fan-out, and cancellation-token shape follow the same
// idiom package peer uses for its Connection (CancellationToken-derived
// child contexts rather than drop-order cleanup, per spec §9).
package terminal

import "sync"

// historyCap is the 1 MiB rolling history cap spec §3's TerminalSession
// documents.
const historyCap = 1 << 20

// ring is a fixed-capacity byte ring buffer. Writes past capacity overwrite
// the oldest bytes; Snapshot returns the buffered bytes in up to two
// contiguous slices (head/tail), each a fresh copy, matching spec §4.7's
// "sent in up to two Bytes slices (ring head + ring tail)".
type ring struct {
	mu   sync.Mutex
	buf  []byte
	head int // index of the oldest byte
	size int // number of valid bytes currently buffered
}

func newRing(cap int) *ring {
	return &ring{buf: make([]byte, cap)}
}

// Write appends p to the ring, discarding the oldest bytes first if p would
// overflow capacity.
func (r *ring) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cap := len(r.buf)
	if cap == 0 {
		return
	}
	if len(p) >= cap {
		// p alone fills (or exceeds) the ring: keep only its tail.
		copy(r.buf, p[len(p)-cap:])
		r.head = 0
		r.size = cap
		return
	}
	writeAt := (r.head + r.size) % cap
	for _, b := range p {
		r.buf[writeAt] = b
		writeAt = (writeAt + 1) % cap
	}
	if r.size+len(p) > cap {
		overflow := r.size + len(p) - cap
		r.head = (r.head + overflow) % cap
		r.size = cap
	} else {
		r.size += len(p)
	}
}

// Snapshot returns the buffered history as up to two slices (ring tail
// first if the buffer has wrapped, then the head), each a fresh copy so the
// caller can hand it to a viewer without racing further writes.
func (r *ring) Snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return nil
	}
	cap := len(r.buf)
	start := r.head
	if start+r.size <= cap {
		out := make([]byte, r.size)
		copy(out, r.buf[start:start+r.size])
		return [][]byte{out}
	}
	firstLen := cap - start
	first := make([]byte, firstLen)
	copy(first, r.buf[start:])
	second := make([]byte, r.size-firstLen)
	copy(second, r.buf[:r.size-firstLen])
	return [][]byte{first, second}
}
