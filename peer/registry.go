package peer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/fleetlink/corewire/wire"
	"github.com/fleetlink/corewire/wsconn"
)

// Dialer performs one outbound connect attempt, including the initiator
// login handshake; the returned *wsconn.Conn is ready for frame traffic.
// Kept as a function type rather than importing noiselogin directly, so
// peer stays agnostic of how a connection got authenticated.
type Dialer func(ctx context.Context) (*wsconn.Conn, error)

// RequestHandler processes an inbound Request frame (spec §4.6's
// handle_request), running asynchronously; it is responsible for sending
// its own Response frame(s) via conn.
type RequestHandler func(conn *Connection, channel uuid.UUID, envelope wire.RequestEnvelope)

// TerminalHandler processes an inbound Terminal frame (spec §4.7).
type TerminalHandler func(conn *Connection, channel uuid.UUID, payload []byte)

// Registry is the identity-keyed set of live Connections (spec §4.5),
// grounded on the teacher's util/pool.go SessionPool.
type Registry struct {
	log *logging.Logger

	mu    sync.Mutex
	conns map[string]*Connection

	OnRequest  RequestHandler
	OnTerminal TerminalHandler

	ReadinessAttempts int
	ReadinessInterval time.Duration
	ReconnectInterval time.Duration
}

// NewRegistry builds an empty registry with spec §4.5's documented
// readiness-probe defaults (3 attempts, 500ms) and a reconnect backoff.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		log:               log,
		conns:             make(map[string]*Connection),
		ReadinessAttempts: 3,
		ReadinessInterval: 500 * time.Millisecond,
		ReconnectInterval: 5 * time.Second,
	}
}

// Get returns the Connection for id, if any has been created by Supervise
// or AcceptInbound.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) getOrCreate(identity PeerIdentity) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[identity.ID]; ok {
		return c
	}
	c := newConnection(identity)
	r.conns[identity.ID] = c
	return c
}

// BailIfNotConnected is spec §4.5's readiness probe exposed to callers
// (component C6's request multiplexer).
func (r *Registry) BailIfNotConnected(ctx context.Context, id string) (*Connection, error) {
	c, ok := r.Get(id)
	if !ok {
		return nil, errors.Errorf("peer: unknown peer %q", id)
	}
	err := bailIfNotConnected(ctx, c, r.ReadinessAttempts, func() <-chan struct{} {
		t := time.NewTimer(r.ReadinessInterval)
		ch := make(chan struct{})
		go func() { <-t.C; close(ch) }()
		return ch
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Supervise runs spec §4.5's outbound reconnect loop for identity until ctx
// is cancelled: dial, run both socket halves, and on disconnect back off
// and retry.
func (r *Registry) Supervise(ctx context.Context, identity PeerIdentity, dial Dialer) *Connection {
	c := r.getOrCreate(identity)
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			conn, err := dial(ctx)
			if err != nil {
				c.storeErr(err)
				if !sleep(ctx, r.ReconnectInterval) {
					return
				}
				continue
			}
			r.run(ctx, c, conn)
			if !sleep(ctx, r.ReconnectInterval) {
				return
			}
		}
	}()
	return c
}

// AcceptInbound registers a freshly upgraded+authenticated inbound socket
// (spec §4.5's symmetric inbound path). Duplicate rejection: a second
// inbound attempt for an already-connected id is refused with
// wsconn.ErrAlreadyConnected and the existing connection is left untouched.
// The check runs on an already-upgraded, already-authenticated socket, so
// the caller can only close that socket; no HTTP 401 is sent.
func (r *Registry) AcceptInbound(identity PeerIdentity, conn *wsconn.Conn) (*Connection, error) {
	r.mu.Lock()
	existing, ok := r.conns[identity.ID]
	if ok && existing.Connected() {
		r.mu.Unlock()
		return nil, wsconn.ErrAlreadyConnected
	}
	var c *Connection
	if ok {
		c = existing
	} else {
		c = newConnection(identity)
		r.conns[identity.ID] = c
	}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	c.bindFor(conn, cancel)
	c.connected.Store(true)
	go func() {
		r.handleSocket(ctx, c, conn)
		c.connected.Store(false)
		c.notifyDisconnected(c.LastError())
		cancel()
	}()
	return c, nil
}

func (r *Registry) run(ctx context.Context, c *Connection, conn *wsconn.Conn) {
	childCtx, cancel := context.WithCancel(ctx)
	c.bindFor(conn, cancel)
	c.connected.Store(true)
	r.handleSocket(childCtx, c, conn)
	c.connected.Store(false)
	c.notifyDisconnected(c.LastError())
	cancel()
}

// handleSocket spawns the writer and reader halves (spec §4.5) and blocks
// until both exit, sharing childCtx as the cancellation token either can
// trip.
func (r *Registry) handleSocket(ctx context.Context, c *Connection, conn *wsconn.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.writerLoop(ctx, conn)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		r.readerLoop(ctx, c, conn)
	}()
	wg.Wait()
}

// readerLoop classifies inbound frames and routes them (spec §4.5's
// Reader half): Response goes to the connection's per-request channel,
// Request/Terminal go to the registered handlers, anything else is logged
// and discarded.
func (r *Registry) readerLoop(ctx context.Context, c *Connection, conn *wsconn.Conn) {
	for {
		msg, err := conn.Recv()
		if err != nil {
			c.storeErr(err)
			return
		}
		if msg.Kind != wsconn.KindBinary {
			return
		}
		variant, err := wire.PeekVariant(msg.Data)
		if err != nil {
			if r.log != nil {
				r.log.Warningf("peer %s: discarding malformed frame: %v", c.Identity.ID, err)
			}
			continue
		}
		switch variant {
		case wire.VariantResponse:
			channel, state, body, responseErr, err := wire.DecodeResponseFrame(msg.Data)
			if err != nil {
				if r.log != nil {
					r.log.Warningf("peer %s: malformed response frame: %v", c.Identity.ID, err)
				}
				continue
			}
			c.dispatchResponse(channel, ResponseEvent{State: state, Body: body, Err: responseErr})
		case wire.VariantRequest:
			channel, envelope, err := wire.DecodeRequestFrame(msg.Data)
			if err != nil {
				if r.log != nil {
					r.log.Warningf("peer %s: malformed request frame: %v", c.Identity.ID, err)
				}
				continue
			}
			if r.OnRequest != nil {
				go r.OnRequest(c, channel, envelope)
			}
		case wire.VariantTerminal:
			channel, payload, err := wire.DecodeTerminalFrame(msg.Data)
			if err != nil {
				if r.log != nil {
					r.log.Warningf("peer %s: malformed terminal frame: %v", c.Identity.ID, err)
				}
				continue
			}
			if r.OnTerminal != nil {
				r.OnTerminal(c, channel, payload)
			}
		default:
			if r.log != nil {
				r.log.Warningf("peer %s: discarding unexpected frame variant %v post-login", c.Identity.ID, variant)
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
