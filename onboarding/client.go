package onboarding

import (
	"context"
	"crypto/ecdh"

	"github.com/pkg/errors"

	"github.com/fleetlink/corewire/keys"
	"github.com/fleetlink/corewire/noiselogin"
	"github.com/fleetlink/corewire/wsconn"
)

// Enroll runs the initiator side of onboarding (spec §4.8's final
// paragraph: "Initiator then reconnects using its normal identity"). It is
// what a Periphery agent's first-contact CLI path runs once, against a
// Core address presenting the onboarding key as its only identity, before
// switching to the standard noiselogin.Initiator flow for every connection
// after.
func Enroll(ctx context.Context, conn *wsconn.Conn, identifiers noiselogin.ConnectionIdentifiers, onboardingPrivateKey *ecdh.PrivateKey, permanentPublicKey *keys.SpkiPublicKey, corePublicKeys []*keys.SpkiPublicKey) error {
	onboarding, err := noiselogin.RecvOnboardingFlowMarker(conn)
	if err != nil {
		return errors.Wrap(err, "onboarding: failed to receive onboarding-flow marker")
	}
	if !onboarding {
		return errors.New("onboarding: core did not offer the onboarding flow for this connection")
	}

	validator := noiselogin.PublicKeyValidator(&noiselogin.ListedKeysValidator{Accepted: keys.NewAcceptedKeys(corePublicKeys)})
	initiator := &noiselogin.Initiator{PrivateKey: onboardingPrivateKey, Validator: validator}

	_, err = initiator.LoginOnboarding(ctx, conn, identifiers, permanentPublicKey.Base64())
	if err != nil {
		return errors.Wrap(err, "onboarding: enrollment handshake failed")
	}
	return nil
}
