package noiselogin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetlink/corewire/keys"
	"github.com/fleetlink/corewire/store"
)

type fakePeerStore struct {
	store.PeerStore
	recorded map[string]string
}

func (f *fakePeerStore) RecordAttemptedKey(_ context.Context, id, attemptedPublicKey string) error {
	if f.recorded == nil {
		f.recorded = map[string]string{}
	}
	f.recorded[id] = attemptedPublicKey
	return nil
}

func TestPinnedKeyValidator(t *testing.T) {
	kp1, err := keys.Generate()
	require.NoError(t, err)
	kp2, err := keys.Generate()
	require.NoError(t, err)

	v := &PinnedKeyValidator{Expected: kp1.Public()}
	_, err = v.Validate(context.Background(), kp1.Public())
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), kp2.Public())
	require.Error(t, err)
}

func TestListedKeysValidatorEmptyAcceptsAny(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	v := &ListedKeysValidator{Accepted: keys.NewAcceptedKeys(nil)}
	_, err = v.Validate(context.Background(), kp.Public())
	require.NoError(t, err)
}

func TestListedKeysValidatorRejectsUnlisted(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	other, err := keys.Generate()
	require.NoError(t, err)
	v := &ListedKeysValidator{Accepted: keys.NewAcceptedKeys([]*keys.SpkiPublicKey{other.Public()})}
	_, err = v.Validate(context.Background(), kp.Public())
	require.Error(t, err)
}

func TestFirstMatchTriesInOrder(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	other, err := keys.Generate()
	require.NoError(t, err)

	fm := FirstMatch{
		&PinnedKeyValidator{Expected: other.Public()},
		&PinnedKeyValidator{Expected: kp.Public()},
	}
	_, err = fm.Validate(context.Background(), kp.Public())
	require.NoError(t, err)
}

func TestFirstMatchAllRejectReturnsLastError(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	other, err := keys.Generate()
	require.NoError(t, err)

	fm := FirstMatch{&PinnedKeyValidator{Expected: other.Public()}}
	_, err = fm.Validate(context.Background(), kp.Public())
	require.Error(t, err)
}

func TestRecordingValidatorRecordsOnRejection(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	other, err := keys.Generate()
	require.NoError(t, err)

	peers := &fakePeerStore{}
	v := &RecordingValidator{
		Inner:  &PinnedKeyValidator{Expected: other.Public()},
		Peers:  peers,
		PeerID: "peer-1",
	}
	_, err = v.Validate(context.Background(), kp.Public())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return peers.recorded["peer-1"] == kp.Public().Base64()
	}, time.Second, 10*time.Millisecond)
}

func TestRecordingValidatorDoesNotRecordOnAccept(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)

	peers := &fakePeerStore{}
	v := &RecordingValidator{
		Inner:  &PinnedKeyValidator{Expected: kp.Public()},
		Peers:  peers,
		PeerID: "peer-1",
	}
	_, err = v.Validate(context.Background(), kp.Public())
	require.NoError(t, err)
	require.Empty(t, peers.recorded)
}
