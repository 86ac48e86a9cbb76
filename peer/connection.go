// Package peer implements component C5: the per-peer connection supervisor.
// The identity-keyed registry pattern is grounded on the teacher's
// util/pool.go (SessionPool: map[string]*wire.Session with Add/Get), the
// old mixnet client's one-session-per-account registry, generalized here
// to one Connection per fleet peer with reconnect and duplicate-rejection
// semantics spec §4.5 adds on top.
package peer

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fleetlink/corewire/wire"
	"github.com/fleetlink/corewire/wireerr"
	"github.com/fleetlink/corewire/wsconn"
)

// PeerIdentity is spec §3's PeerIdentity: address present means this side
// dials out (outbound); absent means this side only accepts inbound dials.
type PeerIdentity struct {
	ID                string
	Address           string
	ExpectedPublicKey string
}

// Outbound reports whether this process initiates connections to the peer.
func (p PeerIdentity) Outbound() bool { return p.Address != "" }

// ResponseEvent is one message delivered to a pending request's channel
// (spec §4.6): either an in-progress keepalive, a terminal success body, or
// a terminal failure.
type ResponseEvent struct {
	State wire.MessageState
	Body  []byte
	Err   *wireerr.Error
}

// outboundQueueLen is spec §3's RESPONSE_BUFFER_MAX_LEN: the depth of the
// bounded outbound_sender channel, ported directly from
// transport/src/channel.rs's mpsc::channel(1_024).
const outboundQueueLen = 1024

// Connection is spec §3's Connection: the supervised state for one peer,
// independent of any particular socket so that per-request-channels and
// last_error survive a reconnect.
type Connection struct {
	Identity PeerIdentity

	connected atomic.Bool
	lastErr   atomic.Pointer[error]

	channelsMu sync.Mutex
	channels   map[uuid.UUID]chan ResponseEvent

	// outbound is spec §3's outbound_sender: a bounded, cheaply-shared
	// queue every caller enqueues onto. It is distinct from retransmit
	// below -- this is normal in-process backpressure, not the
	// across-reconnect store-and-forward the Non-goals rule out.
	outbound chan []byte

	// retransmit is spec §3's buffered_receiver: the single in-flight
	// frame the writer half holds until send is confirmed, so a
	// reconnect that drops it in flight can resend the same bytes
	// verbatim (spec §4.5's writer: "on send success calls
	// clear_buffer()"). Guarded separately from outbound since it is
	// read and cleared by the writer while outbound is written by every
	// other goroutine.
	retransmitMu sync.Mutex
	retransmit   []byte

	connMu sync.RWMutex
	conn   *wsconn.Conn

	cancel context.CancelFunc
}

func newConnection(identity PeerIdentity) *Connection {
	return &Connection{
		Identity: identity,
		channels: make(map[uuid.UUID]chan ResponseEvent),
		outbound: make(chan []byte, outboundQueueLen),
	}
}

// Connected reports the atomic connected flag (spec §3).
func (c *Connection) Connected() bool { return c.connected.Load() }

// LastError returns the most recently stored connect/login/send failure.
func (c *Connection) LastError() error {
	p := c.lastErr.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (c *Connection) storeErr(err error) {
	c.lastErr.Store(&err)
}

// Send enqueues frame onto the outbound queue (spec §3's outbound_sender)
// for the writer half to drain in order. Multiple concurrent senders (one
// rpc.Request per channel, one rpc.HandleRequest per inbound request, the
// terminal history replay and live byte stream) are the normal case; Send
// only blocks once outboundQueueLen frames are already queued. Callers
// needing a reply use NewRequestChannel.
func (c *Connection) Send(frame []byte) {
	c.outbound <- frame
}

// NewRequestChannel registers cid as awaiting a response (spec §4.6 step 2).
func (c *Connection) NewRequestChannel(cid uuid.UUID) chan ResponseEvent {
	ch := make(chan ResponseEvent, 4)
	c.channelsMu.Lock()
	c.channels[cid] = ch
	c.channelsMu.Unlock()
	return ch
}

// RemoveRequestChannel drops cid's entry (spec §4.6 steps 4/5).
func (c *Connection) RemoveRequestChannel(cid uuid.UUID) {
	c.channelsMu.Lock()
	delete(c.channels, cid)
	c.channelsMu.Unlock()
}

// dispatchResponse routes an inbound Response frame to its awaiting
// channel, if any; frames for an unknown or already-removed channel are
// dropped (the requester gave up or the server is confused).
func (c *Connection) dispatchResponse(cid uuid.UUID, ev ResponseEvent) {
	c.channelsMu.Lock()
	ch, ok := c.channels[cid]
	c.channelsMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
		// Slow consumer; rather than block the reader loop for every
		// other channel, drop this update. A dropped InProgress ping is
		// superseded by the next one, but the terminal response is sent
		// only once, so if it is dropped the requester times out.
	}
}

// notifyDisconnected delivers a ConnectionDropped failure to every pending
// request channel (spec §4.6 step 5's "on sender-drop ⇒ ConnectionDropped"),
// without removing the channels themselves -- the registry keeps the
// Connection and its per-request-channels alive across a reconnect (spec
// §3's Connection invariant).
func (c *Connection) notifyDisconnected(cause error) {
	if cause == nil {
		cause = errors.New("peer: connection dropped")
	}
	ev := ResponseEvent{State: wire.StateFailed, Err: wireerr.Wrap(cause, wireerr.KindPeerNotConnected, "peer: connection dropped")}
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	for _, ch := range c.channels {
		select {
		case ch <- ev:
		default:
		}
	}
}

// bindFor replaces the connected socket without disturbing channels or
// last_error (spec §3's replace-in-place invariant).
func (c *Connection) bindFor(conn *wsconn.Conn, cancel context.CancelFunc) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.cancel = cancel
}

func (c *Connection) socket() *wsconn.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// writerLoop is the writer half of handle_socket (spec §4.5): BufferedReceiver.recv()
// returns the still-pending retransmit frame if one exists, otherwise it
// blocks for the next frame off the outbound queue and holds onto it as the
// new retransmit frame; either way the frame is written and the retransmit
// slot is cleared only on success, so a reconnect that interrupts a write
// resends the same frame verbatim on the next writerLoop invocation.
func (c *Connection) writerLoop(ctx context.Context, conn *wsconn.Conn) {
	for {
		frame := c.takeRetransmit()
		if frame == nil {
			select {
			case <-ctx.Done():
				return
			case frame = <-c.outbound:
				c.setRetransmit(frame)
			}
		}
		if err := conn.Send(ctx, frame); err != nil {
			c.storeErr(errors.Wrap(err, "peer: write failed"))
			return
		}
		c.clearRetransmit(frame)
	}
}

func (c *Connection) takeRetransmit() []byte {
	c.retransmitMu.Lock()
	defer c.retransmitMu.Unlock()
	return c.retransmit
}

func (c *Connection) setRetransmit(frame []byte) {
	c.retransmitMu.Lock()
	c.retransmit = frame
	c.retransmitMu.Unlock()
}

// clearRetransmit drops the retransmit slot once frame has been confirmed
// sent, but only if it's still the same frame -- a fresh writerLoop started
// by a reconnect could otherwise race a late clear from the old one.
func (c *Connection) clearRetransmit(frame []byte) {
	c.retransmitMu.Lock()
	if bytes.Equal(c.retransmit, frame) {
		c.retransmit = nil
	}
	c.retransmitMu.Unlock()
}

// bailIfNotConnected is spec §4.5's readiness probe: poll the connected
// flag up to attempts times at interval before giving up and surfacing the
// last cached error.
func bailIfNotConnected(ctx context.Context, c *Connection, attempts int, interval func() <-chan struct{}) error {
	for i := 0; i < attempts; i++ {
		if c.Connected() {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interval():
		}
	}
	if c.Connected() {
		return nil
	}
	if err := c.LastError(); err != nil {
		return errors.Wrap(err, "peer: not connected")
	}
	return errors.Errorf("peer: %s is not connected", c.Identity.ID)
}
