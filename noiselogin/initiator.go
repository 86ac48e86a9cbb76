package noiselogin

import (
	"context"
	"crypto/ecdh"

	"github.com/flynn/noise"
	"github.com/pkg/errors"

	"github.com/fleetlink/corewire/keys"
	"github.com/fleetlink/corewire/wire"
	"github.com/fleetlink/corewire/wireerr"
	"github.com/fleetlink/corewire/wsconn"
)

// Initiator runs the initiator side of login (spec §4.4's mirrored steps):
// whichever side dialed out, verifying the remote static key it learns from
// message 2 before it reveals its own in message 3, the same ordering
// other_examples/88816615_gosuda-portal__portal-core-cryptoops-handshaker.go.go's
// ClientHandshake uses ("verify server identity BEFORE sending our
// identity").
type Initiator struct {
	PrivateKey *ecdh.PrivateKey
	Validator  PublicKeyValidator
}

// Login runs the full initiator handshake over conn.
func (i *Initiator) Login(ctx context.Context, conn *wsconn.Conn, identifiers ConnectionIdentifiers) (*Result, error) {
	result, err := i.handshake(ctx, conn, identifiers)
	if err != nil {
		return nil, err
	}
	// I4: recv the terminal Success/Failed frame.
	if _, err := recvLogin(conn, wire.LoginSuccess); err != nil {
		return nil, err
	}
	return result, nil
}

// LoginOnboarding runs component C8's initiator variant of the handshake
// (spec §4.8): identical through message 3, but the initiator then sends
// its permanent public key before waiting for the responder's terminal
// Success, since the responder needs that key to build a peer record
// first (see package onboarding).
func (i *Initiator) LoginOnboarding(ctx context.Context, conn *wsconn.Conn, identifiers ConnectionIdentifiers, publicKeySPKIBase64 string) (*Result, error) {
	result, err := i.handshake(ctx, conn, identifiers)
	if err != nil {
		return nil, err
	}
	if err := SendPublicKey(ctx, conn, publicKeySPKIBase64); err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to send onboarding public key")
	}
	if _, err := recvLogin(conn, wire.LoginSuccess); err != nil {
		return nil, err
	}
	return result, nil
}

// handshake runs the shared Noise message exchange (I0-I3), common to both
// the standard and onboarding initiator paths.
func (i *Initiator) handshake(ctx context.Context, conn *wsconn.Conn, identifiers ConnectionIdentifiers) (*Result, error) {
	// I0: recv the nonce that binds this handshake's prologue.
	nonce, err := recvLogin(conn, wire.LoginNonce)
	if err != nil {
		return nil, err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeXX,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: i.PrivateKey.Bytes(),
			Public:  i.PrivateKey.PublicKey().Bytes(),
		},
		Prologue: identifiers.prologue(nonce),
	})
	if err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to initialize handshake")
	}

	// I1: send message 1 (-> e).
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to write handshake message 1")
	}
	if err := sendLogin(ctx, conn, wire.LoginHandshake, msg1); err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to send handshake message 1")
	}

	// I2: recv message 2 (<- e, ee, s, es), revealing the responder's
	// static key. Validate it before committing our own identity.
	msg2, err := recvLogin(conn, wire.LoginHandshake)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg2); err != nil {
		return nil, errors.Wrap(err, "noiselogin: handshake message 2 failed to decrypt")
	}

	peerStatic := hs.PeerStatic()
	if len(peerStatic) == 0 {
		return nil, wireerr.New(wireerr.KindBadPublicKey, "responder did not present a static key")
	}
	peerPub, err := ecdh.X25519().NewPublicKey(peerStatic)
	if err != nil {
		return nil, wireerr.New(wireerr.KindBadPublicKey, "responder static key is not a valid X25519 point")
	}
	peerKey := keys.FromECDHPublic(peerPub)

	extra, err := i.Validator.Validate(ctx, peerKey)
	if err != nil {
		// We are the one rejecting the remote key; there is no Login
		// frame for "initiator refuses" in spec §4.4, so we simply hang
		// up without completing the handshake.
		_ = conn.Close(1008, "public key rejected")
		return nil, err
	}

	// I3: send message 3 (-> s, se), completing the handshake.
	msg3, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to write handshake message 3")
	}
	if err := sendLogin(ctx, conn, wire.LoginHandshake, msg3); err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to send handshake message 3")
	}

	// cs1 = initiator->responder (our send), cs2 = responder->initiator (our recv).
	return &Result{PeerPublicKey: peerKey, Send: cs1, Recv: cs2, ValidatorExtra: extra}, nil
}
