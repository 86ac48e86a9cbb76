package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleetlink.db")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPeerStoreSaveAndLookup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	peers := s.Peers()

	rec := &PeerRecord{
		ID:   "p1",
		Name: "edge-1",
		Config: PeerRecordConfig{
			Address: "wss://edge-1.example:9443/ws/periphery",
			Enabled: true,
		},
	}
	require.NoError(t, peers.Save(ctx, rec))

	byID, err := peers.GetByID(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "edge-1", byID.Name)

	byName, err := peers.GetByName(ctx, "edge-1")
	require.NoError(t, err)
	require.Equal(t, "p1", byName.ID)

	all, err := peers.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPeerStoreRecordAttemptedKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	peers := s.Peers()

	require.NoError(t, peers.Save(ctx, &PeerRecord{ID: "p1", Name: "edge-1"}))
	require.NoError(t, peers.RecordAttemptedKey(ctx, "p1", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="))

	rec, err := peers.GetByID(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", rec.Info.AttemptedPublicKey)

	// Unknown peer id: best-effort, must not error (spec §7 policy for
	// BadPublicKey is "persist offered key", not "fail the login path").
	require.NoError(t, peers.RecordAttemptedKey(ctx, "no-such-peer", "x"))
}

func TestOnboardingKeyStoreListOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	keys := s.OnboardingKeys()

	require.NoError(t, keys.Save(ctx, &OnboardingKeyRecord{PublicKey: "k-never-expires", Enabled: true, Expires: 0}))
	require.NoError(t, keys.Save(ctx, &OnboardingKeyRecord{PublicKey: "k-expires-later", Enabled: true, Expires: 2000}))
	require.NoError(t, keys.Save(ctx, &OnboardingKeyRecord{PublicKey: "k-expires-sooner", Enabled: true, Expires: 1000}))

	all, err := keys.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "k-never-expires", all[0].PublicKey)
	require.Equal(t, "k-expires-later", all[1].PublicKey)
	require.Equal(t, "k-expires-sooner", all[2].PublicKey)
}

func TestOnboardingKeyValid(t *testing.T) {
	k := &OnboardingKeyRecord{Enabled: true, Expires: 0}
	require.True(t, k.Valid(1_000_000))

	k2 := &OnboardingKeyRecord{Enabled: true, Expires: 100}
	require.True(t, k2.Valid(50))
	require.False(t, k2.Valid(100))
	require.False(t, k2.Valid(150))

	k3 := &OnboardingKeyRecord{Enabled: false, Expires: 0}
	require.False(t, k3.Valid(1))
}

func TestOnboardingKeyStoreAppendOnboarded(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	keys := s.OnboardingKeys()

	require.NoError(t, keys.Save(ctx, &OnboardingKeyRecord{PublicKey: "k1", Enabled: true}))
	require.NoError(t, keys.AppendOnboarded(ctx, "k1", "new-peer-id"))

	rec, err := keys.GetByPublicKey(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, []string{"new-peer-id"}, rec.Onboarded)
}
