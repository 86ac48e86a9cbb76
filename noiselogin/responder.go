package noiselogin

import (
	"context"
	"crypto/ecdh"
	"crypto/subtle"

	"github.com/flynn/noise"
	"github.com/pkg/errors"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/fleetlink/corewire/keys"
	"github.com/fleetlink/corewire/wire"
	"github.com/fleetlink/corewire/wireerr"
	"github.com/fleetlink/corewire/wsconn"
)

// Responder runs the responder side of login (spec §4.4 steps S0-S5): the
// accept-side peer, whether that's Core accepting a Periphery's inbound
// dial or Periphery accepting a Core's inbound dial.
type Responder struct {
	PrivateKey *ecdh.PrivateKey
	Validator  PublicKeyValidator

	// Passkeys, if non-empty, enables the legacy shared-secret fallback
	// (spec §4.4's deprecated path) for peers that haven't upgraded to
	// Noise login yet. UsePasskey must also be set by the caller per
	// connection, mirroring auth.rs's "no accepted-keys list configured
	// but passkeys list is" branch condition, which depends on config the
	// validator itself doesn't expose.
	Passkeys   []string
	UsePasskey bool

	Log *logging.Logger
}

// Result is what a completed login hands back to the caller: the
// authenticated peer's public key, the split transport ciphers, and the
// strategy-specific validator payload (e.g. an onboarding key record).
type Result struct {
	PeerPublicKey  *keys.SpkiPublicKey
	Send, Recv     *noise.CipherState
	ValidatorExtra any
}

// Login runs the full responder handshake over conn. identifiers must carry
// the host/query this specific HTTP upgrade request presented, and accept
// must be the Sec-WebSocket-Accept value this responder computed for it.
func (r *Responder) Login(ctx context.Context, conn *wsconn.Conn, identifiers ConnectionIdentifiers) (*Result, error) {
	if r.UsePasskey {
		return r.loginPasskey(ctx, conn)
	}
	res, err := r.loginNoise(ctx, conn, identifiers)
	if err != nil {
		return nil, err
	}
	if err := SendLoginSuccess(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to send login success")
	}
	return res, nil
}

// LoginDeferredSuccess runs the handshake through S4 validation (spec
// §4.4) but does not send the terminal Success frame -- component C8's
// onboarding flow needs to run its own side effects (building a peer
// record, receiving the initiator's PublicKey message) between validation
// and the moment login actually completes. Callers must follow up with
// either SendLoginSuccess or SendLoginFailure.
func (r *Responder) LoginDeferredSuccess(ctx context.Context, conn *wsconn.Conn, identifiers ConnectionIdentifiers) (*Result, error) {
	return r.loginNoise(ctx, conn, identifiers)
}

// SendLoginSuccess sends the terminal Success login frame (spec §4.4 S5).
func SendLoginSuccess(ctx context.Context, conn *wsconn.Conn) error {
	return sendLogin(ctx, conn, wire.LoginSuccess, nil)
}

// SendLoginFailure sends a Failed login frame carrying loginErr, the path
// both the standard and onboarding flows use to report a terminal failure
// to the initiator before closing (spec §4.4, §4.8).
func SendLoginFailure(conn *wsconn.Conn, loginErr error) {
	sendLoginFailure(conn, loginErr)
}

func (r *Responder) loginNoise(ctx context.Context, conn *wsconn.Conn, identifiers ConnectionIdentifiers) (*Result, error) {
	nonce, err := genNonce()
	if err != nil {
		return nil, err
	}
	// S0: send the nonce that binds this handshake's prologue.
	if err := sendLogin(ctx, conn, wire.LoginNonce, nonce); err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to send nonce")
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeXX,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: r.PrivateKey.Bytes(),
			Public:  r.PrivateKey.PublicKey().Bytes(),
		},
		Prologue: identifiers.prologue(nonce),
	})
	if err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to initialize handshake")
	}

	// S1: recv message 1 (-> e).
	msg1, err := recvLogin(conn, wire.LoginHandshake)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		loginErr := wireerr.New(wireerr.KindTransportEncoding, "malformed handshake message 1")
		sendLoginFailure(conn, loginErr)
		return nil, loginErr
	}

	// S2: send message 2 (<- e, ee, s, es). Responder's static key is
	// revealed here, so nothing to validate yet.
	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to write handshake message 2")
	}
	if err := sendLogin(ctx, conn, wire.LoginHandshake, msg2); err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to send handshake message 2")
	}

	// S3: recv message 3 (-> s, se), completing the handshake and
	// revealing the initiator's static key.
	msg3, err := recvLogin(conn, wire.LoginHandshake)
	if err != nil {
		return nil, err
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		loginErr := wireerr.New(wireerr.KindTransportEncoding, "handshake message 3 failed to decrypt")
		sendLoginFailure(conn, loginErr)
		return nil, loginErr
	}

	peerStatic := hs.PeerStatic()
	if len(peerStatic) == 0 {
		loginErr := wireerr.New(wireerr.KindBadPublicKey, "peer did not present a static key")
		sendLoginFailure(conn, loginErr)
		return nil, loginErr
	}
	peerPub, err := ecdh.X25519().NewPublicKey(peerStatic)
	if err != nil {
		loginErr := wireerr.New(wireerr.KindBadPublicKey, "peer static key is not a valid X25519 point")
		sendLoginFailure(conn, loginErr)
		return nil, loginErr
	}
	peerKey := keys.FromECDHPublic(peerPub)

	// S4: validate.
	extra, err := r.Validator.Validate(ctx, peerKey)
	if err != nil {
		sendLoginFailure(conn, err)
		return nil, err
	}

	// S5 (send Success) is the caller's responsibility: see Login vs
	// LoginDeferredSuccess above.

	// cs1 = initiator->responder (our recv), cs2 = responder->initiator (our send).
	return &Result{PeerPublicKey: peerKey, Send: cs2, Recv: cs1, ValidatorExtra: extra}, nil
}

// loginPasskey runs the deprecated shared-secret fallback (spec §4.4): the
// responder announces passkey mode, the initiator replies with its secret,
// compared in constant time against the configured list.
func (r *Responder) loginPasskey(ctx context.Context, conn *wsconn.Conn) (*Result, error) {
	if r.Log != nil {
		r.Log.Warning("noiselogin: accepting connection via deprecated passkey fallback, not Noise login")
	}
	if err := sendLogin(ctx, conn, wire.LoginV1PasskeyFlow, []byte{1}); err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to announce passkey flow")
	}
	offered, err := recvLogin(conn, wire.LoginV1Passkey)
	if err != nil {
		return nil, err
	}
	if !matchesAnyPasskey(offered, r.Passkeys) {
		loginErr := wireerr.New(wireerr.KindBadPublicKey, "passkey did not match")
		sendLoginFailure(conn, loginErr)
		return nil, loginErr
	}
	if err := sendLogin(ctx, conn, wire.LoginSuccess, nil); err != nil {
		return nil, errors.Wrap(err, "noiselogin: failed to send login success")
	}
	return &Result{}, nil
}

func matchesAnyPasskey(offered []byte, passkeys []string) bool {
	for _, pk := range passkeys {
		if subtle.ConstantTimeCompare(offered, []byte(pk)) == 1 {
			return true
		}
	}
	return false
}
