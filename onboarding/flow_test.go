package onboarding

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/corewire/keys"
	"github.com/fleetlink/corewire/noiselogin"
	"github.com/fleetlink/corewire/store"
	"github.com/fleetlink/corewire/wire"
	"github.com/fleetlink/corewire/wsconn"
)

// loopback mirrors package noiselogin's test helper: one httptest upgrade,
// server side run on its own goroutine.
func loopback(t *testing.T, serverFn func(*wsconn.Conn, noiselogin.ConnectionIdentifiers)) (*wsconn.Conn, noiselogin.ConnectionIdentifiers) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secKey := r.Header.Get("Sec-WebSocket-Key")
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ids := noiselogin.ConnectionIdentifiers{
			Host:   r.Host,
			Query:  r.URL.RawQuery,
			Accept: wire.ComputeAccept(secKey),
		}
		go func() {
			defer close(done)
			serverFn(wsconn.Wrap(ws), ids)
		}()
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { <-done })

	wsURL := "ws" + srv.URL[len("http"):]
	result, err := wsconn.Dial(context.Background(), wsURL, false)
	require.NoError(t, err)

	clientIDs := noiselogin.ConnectionIdentifiers{Host: result.Host, Query: result.Query, Accept: result.Accept}
	return result.Conn, clientIDs
}

func openTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.OpenBoltStore(t.TempDir() + "/onboard.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sequentialIDs(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

// TestFlowRunOnboardsNewPeer exercises spec §8 scenario S6: an onboarding
// key with copy_server unset, tags=["t1"], create_builder=true onboards a
// fresh peer whose public key is the initiator's permanent identity.
func TestFlowRunOnboardsNewPeer(t *testing.T) {
	coreKP, err := keys.Generate()
	require.NoError(t, err)
	onboardingKP, err := keys.Generate()
	require.NoError(t, err)
	permanentKP, err := keys.Generate()
	require.NoError(t, err)

	st := openTestStore(t)
	onboardKeys := st.OnboardingKeys()
	require.NoError(t, onboardKeys.Save(context.Background(), &store.OnboardingKeyRecord{
		PublicKey:     onboardingKP.Public().Base64(),
		Enabled:       true,
		Name:          "agent-key",
		Tags:          []string{"t1"},
		CreateBuilder: true,
	}))

	var outcome *Outcome
	var flowErr error
	clientConn, clientIDs := loopback(t, func(conn *wsconn.Conn, ids noiselogin.ConnectionIdentifiers) {
		f := &Flow{
			PrivateKey: coreKP.Private(),
			Peers:      st.Peers(),
			Keys:       onboardKeys,
			GenerateID: sequentialIDs("peer-"),
			Now:        time.Now,
		}
		outcome, flowErr = f.Run(context.Background(), conn, "new-agent", ids)
	})

	err = Enroll(context.Background(), clientConn, clientIDs, onboardingKP.Private(), permanentKP.Public(), []*keys.SpkiPublicKey{coreKP.Public()})
	require.NoError(t, err)
	require.NoError(t, flowErr)
	require.NotNil(t, outcome)

	require.Equal(t, "new-agent", outcome.Peer.Name)
	require.True(t, outcome.Peer.Config.Enabled)
	require.Equal(t, "", outcome.Peer.Config.Address)
	require.Equal(t, []string{"t1"}, outcome.Peer.Tags)
	require.Equal(t, permanentKP.Public().Base64(), outcome.Peer.Info.PublicKey)

	require.NotNil(t, outcome.Builder)
	require.Equal(t, "new-agent-builder", outcome.Builder.Name)

	saved, err := st.Peers().GetByID(context.Background(), outcome.Peer.ID)
	require.NoError(t, err)
	require.Equal(t, outcome.Peer.Info.PublicKey, saved.Info.PublicKey)

	require.Eventually(t, func() bool {
		rec, err := onboardKeys.GetByPublicKey(context.Background(), onboardingKP.Public().Base64())
		if err != nil {
			return false
		}
		for _, id := range rec.Onboarded {
			if id == outcome.Peer.ID {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

// TestFlowRunCopiesServerConfig exercises copy_server: the new peer's config
// (minus address/enabled, which are always reset) is copied from an
// existing record.
func TestFlowRunCopiesServerConfig(t *testing.T) {
	coreKP, err := keys.Generate()
	require.NoError(t, err)
	onboardingKP, err := keys.Generate()
	require.NoError(t, err)
	permanentKP, err := keys.Generate()
	require.NoError(t, err)

	st := openTestStore(t)
	require.NoError(t, st.Peers().Save(context.Background(), &store.PeerRecord{
		ID:   "template-1",
		Name: "template",
		Config: store.PeerRecordConfig{
			Address:           "10.0.0.1:8443",
			Enabled:           false,
			ExpectedPublicKey: "abc",
		},
	}))
	onboardKeys := st.OnboardingKeys()
	require.NoError(t, onboardKeys.Save(context.Background(), &store.OnboardingKeyRecord{
		PublicKey:  onboardingKP.Public().Base64(),
		Enabled:    true,
		Name:       "agent-key",
		CopyServer: "template-1",
	}))

	var outcome *Outcome
	var flowErr error
	clientConn, clientIDs := loopback(t, func(conn *wsconn.Conn, ids noiselogin.ConnectionIdentifiers) {
		f := &Flow{
			PrivateKey: coreKP.Private(),
			Peers:      st.Peers(),
			Keys:       onboardKeys,
			GenerateID: sequentialIDs("peer-"),
			Now:        time.Now,
		}
		outcome, flowErr = f.Run(context.Background(), conn, "cloned-agent", ids)
	})

	err = Enroll(context.Background(), clientConn, clientIDs, onboardingKP.Private(), permanentKP.Public(), []*keys.SpkiPublicKey{coreKP.Public()})
	require.NoError(t, err)
	require.NoError(t, flowErr)

	require.Equal(t, "abc", outcome.Peer.Config.ExpectedPublicKey)
	require.True(t, outcome.Peer.Config.Enabled)
	require.Equal(t, "", outcome.Peer.Config.Address)
	require.Nil(t, outcome.Builder)
}

// TestFlowRunRejectsDisabledKey exercises spec §8 invariant 8: a disabled
// onboarding key must not onboard anything.
func TestFlowRunRejectsDisabledKey(t *testing.T) {
	coreKP, err := keys.Generate()
	require.NoError(t, err)
	onboardingKP, err := keys.Generate()
	require.NoError(t, err)
	permanentKP, err := keys.Generate()
	require.NoError(t, err)

	st := openTestStore(t)
	onboardKeys := st.OnboardingKeys()
	require.NoError(t, onboardKeys.Save(context.Background(), &store.OnboardingKeyRecord{
		PublicKey: onboardingKP.Public().Base64(),
		Enabled:   false,
		Name:      "disabled-key",
	}))

	var flowErr error
	clientConn, clientIDs := loopback(t, func(conn *wsconn.Conn, ids noiselogin.ConnectionIdentifiers) {
		f := &Flow{
			PrivateKey: coreKP.Private(),
			Peers:      st.Peers(),
			Keys:       onboardKeys,
			GenerateID: sequentialIDs("peer-"),
			Now:        time.Now,
		}
		_, flowErr = f.Run(context.Background(), conn, "never-onboarded", ids)
	})

	err = Enroll(context.Background(), clientConn, clientIDs, onboardingKP.Private(), permanentKP.Public(), []*keys.SpkiPublicKey{coreKP.Public()})
	require.Error(t, err)
	require.Error(t, flowErr)

	all, err := st.Peers().List(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestLooksLikeResourceID(t *testing.T) {
	require.True(t, LooksLikeResourceID("507f1f77bcf86cd799439011"))
	require.False(t, LooksLikeResourceID("my-agent"))
	require.False(t, LooksLikeResourceID(""))
}

func TestRouteDecisions(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Peers().Save(context.Background(), &store.PeerRecord{ID: "507f1f77bcf86cd799439011", Name: "known"}))

	decision, rec, err := Route(context.Background(), st.Peers(), "known")
	require.NoError(t, err)
	require.Equal(t, RouteExisting, decision)
	require.NotNil(t, rec)

	decision, _, err = Route(context.Background(), st.Peers(), "507f1f77bcf86cd799439011")
	require.NoError(t, err)
	require.Equal(t, RouteExisting, decision)

	decision, _, err = Route(context.Background(), st.Peers(), "507f1f77bcf86cd799439099")
	require.Error(t, err)
	require.Equal(t, RouteReject, decision)

	decision, rec, err = Route(context.Background(), st.Peers(), "brand-new-agent")
	require.NoError(t, err)
	require.Equal(t, RouteOnboard, decision)
	require.Nil(t, rec)
}
