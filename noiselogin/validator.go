package noiselogin

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/fleetlink/corewire/keys"
	"github.com/fleetlink/corewire/store"
	"github.com/fleetlink/corewire/wireerr"
)

// PublicKeyValidator decides whether a peer offering publicKey may complete
// login (spec §4.4's three strategies: pinned, listed, onboarding-key). The
// returned value is strategy-specific extra context the caller needs after
// a successful validation (nil for the first two, an
// *store.OnboardingKeyRecord for the third) -- following the teacher's
// plain-interface style rather than introducing generics for a three-member
// union.
type PublicKeyValidator interface {
	Validate(ctx context.Context, publicKey *keys.SpkiPublicKey) (result any, err error)
}

// PinnedKeyValidator accepts only a single expected key, the mode a
// Periphery dialing a specific Core address uses (spec §4.3's
// expected_public_key / core_public_keys).
type PinnedKeyValidator struct {
	Expected *keys.SpkiPublicKey
}

func (v *PinnedKeyValidator) Validate(_ context.Context, publicKey *keys.SpkiPublicKey) (any, error) {
	if !v.Expected.Equal(publicKey) {
		return nil, wireerr.New(wireerr.KindBadPublicKey, "public key does not match expected pinned key")
	}
	return nil, nil
}

// ListedKeysValidator accepts any key on a process-wide accepted list
// (spec §6's accepted-keys list for inbound Core<-Periphery connections).
// An empty list means accept-any, per spec §6.
type ListedKeysValidator struct {
	Accepted *keys.AcceptedKeys
}

func (v *ListedKeysValidator) Validate(_ context.Context, publicKey *keys.SpkiPublicKey) (any, error) {
	if len(v.Accepted.Load()) == 0 {
		return nil, nil
	}
	if !v.Accepted.Contains(publicKey) {
		return nil, wireerr.New(wireerr.KindBadPublicKey, "public key is not on the accepted-keys list")
	}
	return nil, nil
}

// OnboardingKeyValidator accepts an unrecognized key only if it matches an
// enabled, unexpired onboarding key (spec §4.8's zero-touch onboarding
// flow). On success it returns the matched *store.OnboardingKeyRecord so
// the responder can run the remaining onboarding steps.
type OnboardingKeyValidator struct {
	Store store.OnboardingKeyStore
	Now   func() time.Time
}

func (v *OnboardingKeyValidator) Validate(ctx context.Context, publicKey *keys.SpkiPublicKey) (any, error) {
	rec, err := v.Store.GetByPublicKey(ctx, publicKey.Base64())
	if err != nil {
		return nil, wireerr.New(wireerr.KindOnboardingInvalid, "no onboarding key registered for this public key")
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if !rec.Valid(now().Unix()) {
		return nil, wireerr.New(wireerr.KindOnboardingInvalid, "onboarding key is disabled or expired")
	}
	return rec, nil
}

// RecordingValidator wraps another validator and, on rejection, writes the
// offered key back to store.PeerStore.RecordAttemptedKey (spec §4.4, §8 S5:
// "a rejected login attempt records the key it offered" against the known
// peer id it expected the connection to be). Recording is fire-and-forget
// on its own goroutine so a slow or failing store write never delays the
// login-failure path the caller is already on.
type RecordingValidator struct {
	Inner  PublicKeyValidator
	Peers  store.PeerStore
	PeerID string
}

func (v *RecordingValidator) Validate(ctx context.Context, publicKey *keys.SpkiPublicKey) (any, error) {
	result, err := v.Inner.Validate(ctx, publicKey)
	if err != nil {
		go func() {
			_ = v.Peers.RecordAttemptedKey(context.Background(), v.PeerID, publicKey.Base64())
		}()
	}
	return result, err
}

// FirstMatch validators are tried in order; the first to accept wins,
// letting a responder offer e.g. "onboarding key, falling back to the
// accepted-keys list" as a single PublicKeyValidator (spec §4.4's
// "responder tries pinned/listed first, then onboarding" ordering).
type FirstMatch []PublicKeyValidator

func (fm FirstMatch) Validate(ctx context.Context, publicKey *keys.SpkiPublicKey) (any, error) {
	var lastErr error
	for _, v := range fm {
		result, err := v.Validate(ctx, publicKey)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("noiselogin: no validator configured")
	}
	return nil, lastErr
}
