// viewer.go wires Session/Manager to the wire-level Terminal frame variant,
// the glue spec §4.7 describes between a socket's Terminal frames and the
// PTY subsystem above: one TerminalChannel per viewer, gated on the "begin"
// trigger before history replay, grounded on the same
// registry-callback/Connection.Send shape package rpc uses for Request
// frames (peer.Connection.Send for outbound, registry.OnTerminal for
// inbound dispatch).
package terminal

import (
	"context"
	"sync"

	"github.com/google/uuid"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/fleetlink/corewire/peer"
	"github.com/fleetlink/corewire/wire"
)

// PeripherySide is the Periphery-side counterpart to a Core's terminal
// viewer: it owns the Manager and, for each viewer channel currently
// attached, the TerminalChannel feeding that viewer's stdin and the trigger
// gating its history replay.
type PeripherySide struct {
	Manager *Manager
	log     *logging.Logger

	// channelsMu guards channels, which OpenViewer writes from the
	// request-handler goroutine, HandleDownstream reads from the
	// reader-loop goroutine, and closeViewer deletes from the upstream
	// goroutine -- three distinct goroutines per viewer, same as
	// Session.viewers / Manager.sessions.
	channelsMu sync.Mutex
	channels   map[uuid.UUID]*TerminalChannel
}

// NewPeripherySide builds a PeripherySide backed by manager.
func NewPeripherySide(manager *Manager, log *logging.Logger) *PeripherySide {
	return &PeripherySide{Manager: manager, log: log, channels: make(map[uuid.UUID]*TerminalChannel)}
}

// OpenViewer is spec §4.7's viewer-attach path: create or reuse the named
// session, register a viewer channel for cid, and spawn the upstream
// forwarder that waits for the begin trigger before replaying history and
// then streaming live PTY bytes as Terminal frames on conn.
func (p *PeripherySide) OpenViewer(ctx context.Context, conn *peer.Connection, cid uuid.UUID, name string, command []string, policy RecreatePolicy) error {
	sess, err := p.Manager.CreateSession(ctx, name, command, policy)
	if err != nil {
		return err
	}
	viewerCtx, cancel := context.WithCancel(ctx)
	tc := &TerminalChannel{stdin: make(chan []byte, 16), cancel: cancel, trigger: newTrigger()}
	p.channelsMu.Lock()
	p.channels[cid] = tc
	p.channelsMu.Unlock()

	go p.upstream(viewerCtx, conn, cid, sess, tc)
	go p.downstreamToPty(viewerCtx, sess, tc)
	return nil
}

// upstream waits for the begin trigger, replays history, then forwards live
// PTY bytes as Terminal frames keyed by cid (spec §4.7's ring head/tail
// replay followed by live bytes).
func (p *PeripherySide) upstream(ctx context.Context, conn *peer.Connection, cid uuid.UUID, sess *Session, tc *TerminalChannel) {
	defer p.closeViewer(cid, sess)
	if err := tc.trigger.Wait(ctx); err != nil {
		return
	}
	history, live := sess.Attach(cid)
	for _, chunk := range history {
		conn.Send(wire.EncodeTerminalFrame(cid, chunk))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-live:
			if !ok {
				return
			}
			conn.Send(wire.EncodeTerminalFrame(cid, chunk))
		}
	}
}

// downstreamToPty drains tc.stdin (populated by HandleDownstream) into the
// session's PTY.
func (p *PeripherySide) downstreamToPty(ctx context.Context, sess *Session, tc *TerminalChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-tc.stdin:
			if !ok {
				return
			}
			if err := sess.Write(in); err != nil && p.log != nil {
				p.log.Warningf("terminal: write to pty %q failed: %v", sess.Name, err)
			}
		}
	}
}

func (p *PeripherySide) closeViewer(cid uuid.UUID, sess *Session) {
	sess.Detach(cid)
	p.channelsMu.Lock()
	tc, ok := p.channels[cid]
	if ok {
		delete(p.channels, cid)
	}
	p.channelsMu.Unlock()
	if ok {
		tc.cancel()
	}
}

// HandleDownstream is registry.TerminalHandler's implementation for a
// Periphery process: it classifies the payload per spec §4.7's downstream
// encoding and routes it to the matching viewer channel, ignoring frames
// for unknown/already-closed channels (the viewer gave up).
func (p *PeripherySide) HandleDownstream(_ *peer.Connection, cid uuid.UUID, payload []byte) {
	p.channelsMu.Lock()
	tc, ok := p.channels[cid]
	p.channelsMu.Unlock()
	if !ok {
		return
	}
	isBegin, resize, input, err := DecodeDownstream(payload)
	if err != nil {
		if p.log != nil {
			p.log.Warningf("terminal: malformed downstream frame on channel %s: %v", cid, err)
		}
		return
	}
	switch {
	case isBegin:
		tc.trigger.Fire()
	case resize != nil:
		sess, ok := p.sessionForChannel(cid)
		if ok {
			if err := sess.Resize(*resize); err != nil && p.log != nil {
				p.log.Warningf("terminal: resize failed on channel %s: %v", cid, err)
			}
		}
	default:
		select {
		case tc.stdin <- input:
		default:
		}
	}
}

// sessionForChannel finds the Session a viewer channel is attached to. The
// Manager doesn't index by channel (many viewers share one named session),
// so this walks the small live-session set; Periphery terminal counts are
// low enough (interactive shells, not a hot path) that this is simpler than
// keeping a second index in sync.
func (p *PeripherySide) sessionForChannel(cid uuid.UUID) (*Session, bool) {
	p.Manager.mu.Lock()
	defer p.Manager.mu.Unlock()
	for _, s := range p.Manager.sessions {
		s.mu.Lock()
		_, attached := s.viewers[cid]
		s.mu.Unlock()
		if attached {
			return s, true
		}
	}
	return nil, false
}
