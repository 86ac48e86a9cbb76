package onboarding

import (
	"context"
	"crypto/ecdh"
	"time"

	"github.com/pkg/errors"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/fleetlink/corewire/noiselogin"
	"github.com/fleetlink/corewire/store"
	"github.com/fleetlink/corewire/wireerr"
	"github.com/fleetlink/corewire/wsconn"
)

// IDGenerator mints a fresh peer id for a newly onboarded record; the
// connection core has no opinion on id generation scheme (ObjectId, ULID,
// UUID, ...), so this is supplied by the embedding application.
type IDGenerator func() string

// Flow runs the responder side of onboarding (spec §4.8): first-contact
// enrollment using a one-shot onboarding key, ending with a persistent peer
// record and (spec-open for builder-pair behavior) an optional paired
// builder record.
type Flow struct {
	PrivateKey *ecdh.PrivateKey
	Peers      store.PeerStore
	Keys       store.OnboardingKeyStore
	GenerateID IDGenerator
	Now        func() time.Time
	Log        *logging.Logger
}

// Outcome is what a successful onboarding produces.
type Outcome struct {
	Peer    *store.PeerRecord
	Builder *store.PeerRecord // nil unless the onboarding key requested one
}

// Run executes the full responder sequence of spec §4.8 over conn. name is
// the peer specifier the initiator presented in its connection query (the
// new record's Name); identifiers carries the host/query/accept triple the
// prologue hash binds to.
//
// Preconditions: name must not look like a generated resource id (spec
// §4.8's collision guard); callers should check this (via
// LooksLikeResourceID) before routing to Run at all, since a name that does
// look like one belongs to the standard existing-peer connection path, not
// onboarding.
func (f *Flow) Run(ctx context.Context, conn *wsconn.Conn, name string, identifiers noiselogin.ConnectionIdentifiers) (*Outcome, error) {
	if err := noiselogin.SendOnboardingFlowMarker(ctx, conn, true); err != nil {
		return nil, errors.Wrap(err, "onboarding: failed to send onboarding-flow marker")
	}

	validator := &noiselogin.OnboardingKeyValidator{Store: f.Keys, Now: f.Now}
	responder := &noiselogin.Responder{PrivateKey: f.PrivateKey, Validator: validator}

	result, err := responder.LoginDeferredSuccess(ctx, conn, identifiers)
	if err != nil {
		return nil, err
	}
	onboardingKey, ok := result.ValidatorExtra.(*store.OnboardingKeyRecord)
	if !ok || onboardingKey == nil {
		loginErr := wireerr.New(wireerr.KindOnboardingInvalid, "onboarding: validator returned no onboarding key record")
		noiselogin.SendLoginFailure(conn, loginErr)
		return nil, loginErr
	}

	// Step 3: receive the initiator's permanent public key.
	publicKey, err := noiselogin.RecvPublicKey(conn)
	if err != nil {
		noiselogin.SendLoginFailure(conn, err)
		return nil, errors.Wrap(err, "onboarding: failed to receive public key")
	}

	outcome, err := f.buildRecords(ctx, name, publicKey, onboardingKey)
	if err != nil {
		loginErr := wireerr.Wrap(err, wireerr.KindOnboardingInvalid, "onboarding: failed to create peer record")
		noiselogin.SendLoginFailure(conn, loginErr)
		return nil, loginErr
	}

	if err := noiselogin.SendLoginSuccess(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "onboarding: failed to send login success")
	}
	_ = conn.Close(1000, "onboarded")

	// Step 6: best-effort append to onboarded list (spec §8 invariant 7:
	// eventual consistency within ~1s is acceptable, so this runs after the
	// socket is already closed and does not block the initiator's
	// reconnect).
	go func() {
		if err := f.Keys.AppendOnboarded(context.Background(), onboardingKey.PublicKey, outcome.Peer.ID); err != nil && f.Log != nil {
			f.Log.Warningf("onboarding: failed to append %s to onboarding key %q: %v", outcome.Peer.ID, onboardingKey.PublicKey, err)
		}
	}()

	return outcome, nil
}

// buildRecords is spec §4.8 step 4-5: build the peer record (optionally
// copying fields from onboardingKey.CopyServer), then a paired builder
// record if requested.
func (f *Flow) buildRecords(ctx context.Context, name, publicKey string, onboardingKey *store.OnboardingKeyRecord) (*Outcome, error) {
	cfg := store.PeerRecordConfig{Enabled: true}
	if onboardingKey.CopyServer != "" {
		src, err := f.Peers.GetByID(ctx, onboardingKey.CopyServer)
		if err == nil {
			cfg = src.Config
			cfg.Enabled = true
			cfg.Address = ""
		}
	}

	peer := &store.PeerRecord{
		ID:     f.GenerateID(),
		Name:   name,
		Config: cfg,
		Info:   store.PeerRecordInfo{PublicKey: publicKey},
		Tags:   onboardingKey.Tags,
	}
	if err := f.Peers.Save(ctx, peer); err != nil {
		return nil, errors.Wrap(err, "onboarding: failed to save peer record")
	}

	outcome := &Outcome{Peer: peer}
	if onboardingKey.CreateBuilder {
		builder := &store.PeerRecord{
			ID:     f.GenerateID(),
			Name:   name + "-builder",
			Config: store.PeerRecordConfig{Enabled: true},
			Tags:   onboardingKey.Tags,
		}
		if err := f.Peers.Save(ctx, builder); err != nil {
			return nil, errors.Wrap(err, "onboarding: failed to save paired builder record")
		}
		outcome.Builder = builder
	}
	return outcome, nil
}
