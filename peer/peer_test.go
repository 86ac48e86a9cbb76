package peer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/corewire/wsconn"
)

func TestBailIfNotConnectedSucceedsImmediately(t *testing.T) {
	c := newConnection(PeerIdentity{ID: "p1"})
	c.connected.Store(true)
	calls := 0
	err := bailIfNotConnected(context.Background(), c, 3, func() <-chan struct{} {
		calls++
		ch := make(chan struct{})
		close(ch)
		return ch
	})
	require.NoError(t, err)
	require.Equal(t, 0, calls)
}

func TestBailIfNotConnectedReturnsLastError(t *testing.T) {
	c := newConnection(PeerIdentity{ID: "p1"})
	c.storeErr(wsconn.ErrNotFound)
	err := bailIfNotConnected(context.Background(), c, 2, func() <-chan struct{} {
		ch := make(chan struct{})
		close(ch)
		return ch
	})
	require.Error(t, err)
	require.ErrorIs(t, err, wsconn.ErrNotFound)
}

func TestBailIfNotConnectedRecoversMidPoll(t *testing.T) {
	c := newConnection(PeerIdentity{ID: "p1"})
	i := 0
	err := bailIfNotConnected(context.Background(), c, 3, func() <-chan struct{} {
		i++
		if i == 1 {
			c.connected.Store(true)
		}
		ch := make(chan struct{})
		close(ch)
		return ch
	})
	require.NoError(t, err)
}

func TestConnectionSendQueuesMultipleFrames(t *testing.T) {
	c := newConnection(PeerIdentity{ID: "p1"})
	c.Send([]byte("first"))
	c.Send([]byte("second"))
	require.Equal(t, []byte("first"), <-c.outbound)
	require.Equal(t, []byte("second"), <-c.outbound)
}

func TestConnectionWriterLoopDrainsQueueInOrder(t *testing.T) {
	c := newConnection(PeerIdentity{ID: "p1"})
	c.Send([]byte("first"))
	c.Send([]byte("second"))

	var sent [][]byte
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			frame := c.takeRetransmit()
			if frame == nil {
				select {
				case frame = <-c.outbound:
					c.setRetransmit(frame)
				case <-ctx.Done():
					return
				}
			}
			sent = append(sent, frame)
			c.clearRetransmit(frame)
		}
		cancel()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out draining outbound queue")
	}
	require.Equal(t, [][]byte{[]byte("first"), []byte("second")}, sent)
}

func TestConnectionRetransmitSurvivesUntilCleared(t *testing.T) {
	c := newConnection(PeerIdentity{ID: "p1"})
	c.Send([]byte("frame"))
	frame := <-c.outbound
	c.setRetransmit(frame)

	require.Equal(t, frame, c.takeRetransmit())
	c.clearRetransmit(frame)
	require.Nil(t, c.takeRetransmit())
}

func TestRegistryAcceptInboundRejectsDuplicateWhileConnected(t *testing.T) {
	r := NewRegistry(nil)
	identity := PeerIdentity{ID: "p1"}
	c := newConnection(identity)
	c.connected.Store(true)
	r.mu.Lock()
	r.conns[identity.ID] = c
	r.mu.Unlock()

	_, err := r.AcceptInbound(identity, nil)
	require.ErrorIs(t, err, wsconn.ErrAlreadyConnected)
}

func TestRegistryRequestChannelRoundTrip(t *testing.T) {
	c := newConnection(PeerIdentity{ID: "p1"})
	cid := uuid.New()
	ch := c.NewRequestChannel(cid)
	c.dispatchResponse(cid, ResponseEvent{Body: []byte(`{"ok":true}`)})
	select {
	case ev := <-ch:
		require.Equal(t, `{"ok":true}`, string(ev.Body))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched response")
	}
	c.RemoveRequestChannel(cid)
	_, ok := c.channels[cid]
	require.False(t, ok)
}
