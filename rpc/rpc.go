// Package rpc implements component C6: the request multiplexer. It sits
// directly on top of package peer's Connection/Registry and package wire's
// Request/Response frame codec, the way the teacher's session/arq.go sits
// on top of wire.Session and a retry/ack loop -- generalized here from a
// single in-order mixnet ARQ queue to a UUID-correlated, concurrent
// request table (spec §4.6).
package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fleetlink/corewire/peer"
	"github.com/fleetlink/corewire/wire"
	"github.com/fleetlink/corewire/wireerr"
)

// ResponseDeadline is the hard per-poll deadline spec §4.6 step 4 gives a
// caller of Request: it resets on every InProgress keepalive.
const ResponseDeadline = 10 * time.Second

// PingInterval is how often a server-side handler emits an InProgress
// keepalive while its handler is still running (spec §4.6's
// ping_in_progress future).
const PingInterval = 5 * time.Second

// Request is spec §4.6's client-side request(peer, payload): look up the
// connection, bail out if not connected, send a correlated Request frame,
// and poll for a terminal Response, resetting the deadline on every
// InProgress keepalive.
func Request(ctx context.Context, registry *peer.Registry, peerID, reqType string, params any) (json.RawMessage, error) {
	conn, err := registry.BailIfNotConnected(ctx, peerID)
	if err != nil {
		return nil, err
	}

	paramBytes, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "rpc: failed to marshal request params")
	}

	cid := uuid.New()
	ch := conn.NewRequestChannel(cid)
	defer conn.RemoveRequestChannel(cid)

	frame, err := wire.EncodeRequestFrame(cid, wire.RequestEnvelope{Type: reqType, Params: paramBytes})
	if err != nil {
		return nil, err
	}
	conn.Send(frame)

	deadline := time.NewTimer(ResponseDeadline)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, wireerr.New(wireerr.KindResponseTimeout, "rpc: timed out waiting for response")
		case ev := <-ch:
			switch ev.State {
			case wire.StateInProgress:
				if !deadline.Stop() {
					<-deadline.C
				}
				deadline.Reset(ResponseDeadline)
			case wire.StateSuccessful:
				return json.RawMessage(ev.Body), nil
			case wire.StateFailed:
				return nil, ev.Err
			default:
				return nil, errors.Errorf("rpc: unexpected response state %d", ev.State)
			}
		}
	}
}

// Handler executes one inbound request and returns its result body or an
// error; it may run longer than PingInterval, in which case HandleRequest
// keeps the caller's poll alive with InProgress frames.
type Handler func(ctx context.Context, envelope wire.RequestEnvelope) (json.RawMessage, error)

// HandleRequest is the server-side mirror of Request (spec §4.6's
// handle_request): it runs handler and pings InProgress every PingInterval
// until the handler returns, then sends exactly one terminal Response.
func HandleRequest(ctx context.Context, conn *peer.Connection, channel uuid.UUID, envelope wire.RequestEnvelope, handler Handler) {
	type outcome struct {
		body json.RawMessage
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		body, err := handler(ctx, envelope)
		done <- outcome{body: body, err: err}
	}()

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sendResponse(conn, channel, wire.StateFailed, nil, wireerr.New(wireerr.KindCancelled, "rpc: request cancelled"))
			return
		case <-ticker.C:
			sendResponse(conn, channel, wire.StateInProgress, nil, nil)
		case out := <-done:
			if out.err != nil {
				sendResponse(conn, channel, wire.StateFailed, nil, out.err)
				return
			}
			sendResponse(conn, channel, wire.StateSuccessful, out.body, nil)
			return
		}
	}
}

func sendResponse(conn *peer.Connection, channel uuid.UUID, state wire.MessageState, body json.RawMessage, responseErr error) {
	frame, err := wire.EncodeResponseFrame(channel, state, body, responseErr)
	if err != nil {
		return
	}
	conn.Send(frame)
}
