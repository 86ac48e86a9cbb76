package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/corewire/config"
	"github.com/fleetlink/corewire/corelog"
	"github.com/fleetlink/corewire/keys"
	"github.com/fleetlink/corewire/noiselogin"
	"github.com/fleetlink/corewire/store"
	"github.com/fleetlink/corewire/wire"
	"github.com/fleetlink/corewire/wsconn"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	backend, err := corelog.New(nil, "CRITICAL")
	require.NoError(t, err)
	d, err := NewDaemon(cfg, backend.GetLogger("daemon_test"))
	require.NoError(t, err)
	t.Cleanup(d.Stop)
	return d
}

// serveAccept starts an httptest upgrade server that hands every connection
// straight to d.handleAccept, the same entry point Start()'s real listener
// uses, without binding a real TCP port.
func serveAccept(t *testing.T, d *Daemon) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secKey := r.Header.Get("Sec-WebSocket-Key")
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		accepted := wsconn.Accepted{
			Conn:   wsconn.Wrap(ws),
			Host:   r.Host,
			Query:  r.URL.RawQuery,
			Accept: wire.ComputeAccept(secKey),
		}
		go d.handleAccept(accepted)
	}))
	t.Cleanup(srv.Close)
	return "ws" + srv.URL[len("http"):]
}

// TestHandleAcceptLoginsKnownPeer exercises the standard (non-onboarding)
// inbound path: a peer record pinned to a specific public key logs in and
// ends up registered in the daemon's peer registry.
func TestHandleAcceptLoginsKnownPeer(t *testing.T) {
	d := newTestDaemon(t)

	agentKP, err := keys.Generate()
	require.NoError(t, err)
	require.NoError(t, d.db.Peers().Save(context.Background(), &store.PeerRecord{
		ID:   "peer-1",
		Name: "agent-1",
		Config: store.PeerRecordConfig{
			Enabled:           true,
			ExpectedPublicKey: agentKP.Public().Base64(),
		},
	}))

	wsURL := serveAccept(t, d)

	result, err := wsconn.Dial(context.Background(), wsURL+"?server=agent-1", false)
	require.NoError(t, err)
	ids := noiselogin.ConnectionIdentifiers{Host: result.Host, Query: result.Query, Accept: result.Accept}

	initiator := &noiselogin.Initiator{
		PrivateKey: agentKP.Private(),
		Validator:  &noiselogin.PinnedKeyValidator{Expected: d.identity.Public()},
	}
	_, err = initiator.Login(context.Background(), result.Conn, ids)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		conn, ok := d.registry.Get("peer-1")
		return ok && conn.Connected()
	}, time.Second, 10*time.Millisecond)
}

// TestHandleAcceptRejectsResourceIDLikeName exercises the reject branch of
// onboarding.Route: a name that looks like a resource id but matches no
// stored peer must not silently fall through to onboarding.
func TestHandleAcceptRejectsResourceIDLikeName(t *testing.T) {
	d := newTestDaemon(t)
	wsURL := serveAccept(t, d)

	result, err := wsconn.Dial(context.Background(), wsURL+"?server=507f1f77bcf86cd799439011", false)
	require.NoError(t, err)

	_, err = result.Conn.Recv()
	require.Error(t, err)
}
