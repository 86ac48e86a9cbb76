// Package wire implements component C2, the tagged-union frame codec. Wire
// format decisions keep metadata at the tail of each frame so a receiver can
// classify a frame by popping bytes off the end rather than parsing a
// header -- the zero-copy dispatch spec §4.2 and §9 call load-bearing.
// MessageState, the Result/Option tail-tag convention, and the prologue hash
// are grounded on original_source/lib/transport/src/auth.rs (MessageState,
// ConnectionIdentifiers::hash, compute_accept); the envelope this package
// adds around them (Frame/Request/Response/Terminal variants, channel UUIDs)
// synthesizes the higher-level Frame enum spec §3-4 describes. UUID channel
// ids use github.com/google/uuid, the identifier library exercised across
// the retrieval pack's handshake/session code (e.g.
// other_examples/ae693a36_SAGE-X-project-sage__core-handshake-server.go).
package wire

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fleetlink/corewire/wireerr"
)

// Variant is the outer tagged-union discriminant, the final byte of every
// frame on the wire.
type Variant byte

const (
	VariantLogin    Variant = 0
	VariantRequest  Variant = 1
	VariantResponse Variant = 2
	VariantTerminal Variant = 3
)

// LoginSubVariant tags the inner LoginMessage payload (spec §3).
type LoginSubVariant byte

const (
	LoginSuccess        LoginSubVariant = 0
	LoginNonce          LoginSubVariant = 1
	LoginHandshake      LoginSubVariant = 2
	LoginOnboardingFlow LoginSubVariant = 3
	LoginPublicKey      LoginSubVariant = 4
	LoginV1PasskeyFlow  LoginSubVariant = 5
	LoginV1Passkey      LoginSubVariant = 6
)

// MessageState is the tail-byte suffix every login frame and every Response
// frame's Result wrapper carries (spec §4.4, §4.6).
type MessageState byte

const (
	StateSuccessful MessageState = 0
	StateFailed     MessageState = 1
	StateTerminal   MessageState = 2
	StateRequest    MessageState = 3
	StateInProgress MessageState = 4
)

// Codec failure modes (spec §4.2).
var (
	ErrEmptyFrame     = errors.New("wire: empty frame")
	ErrUnknownVariant = errors.New("wire: unknown frame variant")
	ErrTruncated      = errors.New("wire: frame truncated")
	ErrBadPublicKey   = errors.New("wire: invalid public key bytes")
)

const channelLen = 16

// PeekVariant classifies a frame by its final byte without copying the body,
// the dispatch the C3/C5 reader loop performs before routing to C4/C6/C7.
func PeekVariant(frame []byte) (Variant, error) {
	if len(frame) == 0 {
		return 0, ErrEmptyFrame
	}
	v := Variant(frame[len(frame)-1])
	switch v {
	case VariantLogin, VariantRequest, VariantResponse, VariantTerminal:
		return v, nil
	default:
		return 0, ErrUnknownVariant
	}
}

func popTail(frame []byte, n int) (rest, tail []byte, err error) {
	if len(frame) < n {
		return nil, nil, ErrTruncated
	}
	split := len(frame) - n
	return frame[:split], frame[split:], nil
}

func popByte(frame []byte) (rest []byte, b byte, err error) {
	if len(frame) < 1 {
		return nil, 0, ErrTruncated
	}
	return frame[:len(frame)-1], frame[len(frame)-1], nil
}

func popChannel(frame []byte) (rest []byte, channel uuid.UUID, err error) {
	rest, tail, err := popTail(frame, channelLen)
	if err != nil {
		return nil, uuid.Nil, err
	}
	channel, err = uuid.FromBytes(tail)
	if err != nil {
		return nil, uuid.Nil, errors.Wrap(err, "wire: invalid channel id")
	}
	return rest, channel, nil
}

// --- Login frames ---------------------------------------------------------

// EncodeLoginInner builds the login_inner payload: payload ‖ sub-variant.
func EncodeLoginInner(sub LoginSubVariant, payload []byte) []byte {
	return append(append([]byte{}, payload...), byte(sub))
}

// DecodeLoginInner splits a login_inner payload back into its sub-variant
// and payload.
func DecodeLoginInner(inner []byte) (LoginSubVariant, []byte, error) {
	rest, b, err := popByte(inner)
	if err != nil {
		return 0, nil, err
	}
	return LoginSubVariant(b), rest, nil
}

// EncodeLoginFrame wraps login_inner in the Result tail-tag convention and
// appends the outer Login variant byte. ok=false sends the serialized error
// instead of inner.
func EncodeLoginFrame(ok bool, inner []byte, loginErr error) []byte {
	var body []byte
	if ok {
		body = append(append([]byte{}, inner...), byte(StateSuccessful))
	} else {
		body = append(wireerr.Marshal(loginErr), byte(StateFailed))
	}
	return append(body, byte(VariantLogin))
}

// DecodeLoginFrame reverses EncodeLoginFrame.
func DecodeLoginFrame(frame []byte) (ok bool, inner []byte, loginErr *wireerr.Error, err error) {
	rest, v, err := popByte(frame)
	if err != nil {
		return false, nil, nil, err
	}
	if Variant(v) != VariantLogin {
		return false, nil, nil, ErrUnknownVariant
	}
	body, state, err := popByte(rest)
	if err != nil {
		return false, nil, nil, err
	}
	switch MessageState(state) {
	case StateSuccessful:
		return true, body, nil, nil
	case StateFailed:
		return false, nil, wireerr.Unmarshal(body), nil
	default:
		return false, nil, nil, errors.New("wire: login frame carries unexpected state")
	}
}

// --- Request frames --------------------------------------------------------

// RequestEnvelope is the JSON payload request multiplexing (C6) sends,
// {"type": ..., "params": ...} per spec §4.2.
type RequestEnvelope struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// EncodeRequestFrame serializes envelope and appends channel + variant.
func EncodeRequestFrame(channel uuid.UUID, envelope RequestEnvelope) ([]byte, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, errors.Wrap(err, "wire: failed to marshal request envelope")
	}
	frame := append(body, channel[:]...)
	frame = append(frame, byte(VariantRequest))
	return frame, nil
}

// DecodeRequestFrame reverses EncodeRequestFrame.
func DecodeRequestFrame(frame []byte) (uuid.UUID, RequestEnvelope, error) {
	rest, v, err := popByte(frame)
	if err != nil {
		return uuid.Nil, RequestEnvelope{}, err
	}
	if Variant(v) != VariantRequest {
		return uuid.Nil, RequestEnvelope{}, ErrUnknownVariant
	}
	body, channel, err := popChannel(rest)
	if err != nil {
		return uuid.Nil, RequestEnvelope{}, err
	}
	var envelope RequestEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return uuid.Nil, RequestEnvelope{}, errors.Wrap(err, "wire: failed to unmarshal request envelope")
	}
	return channel, envelope, nil
}

// --- Response frames --------------------------------------------------------

// EncodeResponseFrame builds Option<Result<JSON>> ‖ channel ‖ variant.
// state must be StateInProgress, StateSuccessful, or StateFailed; body is
// the JSON result payload (Successful) or ignored (InProgress, where
// responseErr is also ignored).
func EncodeResponseFrame(channel uuid.UUID, state MessageState, body json.RawMessage, responseErr error) ([]byte, error) {
	var optionPayload []byte
	switch state {
	case StateInProgress:
		optionPayload = []byte{1} // None
	case StateSuccessful:
		resultBody := append(append([]byte{}, body...), 0) // Ok tag
		optionPayload = append(resultBody, 0)              // Some tag
	case StateFailed:
		resultBody := append(wireerr.Marshal(responseErr), 1) // Err tag
		optionPayload = append(resultBody, 0)                 // Some tag
	default:
		return nil, errors.Errorf("wire: invalid response state %d", state)
	}
	frame := append(optionPayload, channel[:]...)
	frame = append(frame, byte(VariantResponse))
	return frame, nil
}

// DecodeResponseFrame reverses EncodeResponseFrame.
func DecodeResponseFrame(frame []byte) (channel uuid.UUID, state MessageState, body json.RawMessage, responseErr *wireerr.Error, err error) {
	rest, v, err := popByte(frame)
	if err != nil {
		return uuid.Nil, 0, nil, nil, err
	}
	if Variant(v) != VariantResponse {
		return uuid.Nil, 0, nil, nil, ErrUnknownVariant
	}
	optionPayload, ch, err := popChannel(rest)
	if err != nil {
		return uuid.Nil, 0, nil, nil, err
	}
	resultBody, optTag, err := popByte(optionPayload)
	if err != nil {
		return uuid.Nil, 0, nil, nil, err
	}
	if optTag == 1 {
		if len(resultBody) != 0 {
			return uuid.Nil, 0, nil, nil, ErrTruncated
		}
		return ch, StateInProgress, nil, nil, nil
	}
	payload, resTag, err := popByte(resultBody)
	if err != nil {
		return uuid.Nil, 0, nil, nil, err
	}
	if resTag == 0 {
		return ch, StateSuccessful, json.RawMessage(payload), nil, nil
	}
	return ch, StateFailed, nil, wireerr.Unmarshal(payload), nil
}

// --- Terminal frames --------------------------------------------------------

// EncodeTerminalFrame wraps a raw terminal payload with channel + variant;
// terminal frames skip the Result wrapper entirely (spec §4.2).
func EncodeTerminalFrame(channel uuid.UUID, payload []byte) []byte {
	frame := append(append([]byte{}, payload...), channel[:]...)
	return append(frame, byte(VariantTerminal))
}

// DecodeTerminalFrame reverses EncodeTerminalFrame.
func DecodeTerminalFrame(frame []byte) (uuid.UUID, []byte, error) {
	rest, v, err := popByte(frame)
	if err != nil {
		return uuid.Nil, nil, err
	}
	if Variant(v) != VariantTerminal {
		return uuid.Nil, nil, ErrUnknownVariant
	}
	payload, channel, err := popChannel(rest)
	if err != nil {
		return uuid.Nil, nil, err
	}
	return channel, payload, nil
}

// EncodeLoginPublicKey renders an SPKI-base64 public key as the payload of a
// PublicKey login sub-variant; the wire encoding is UTF-8 text (spec §4.2's
// "invalid UTF-8 in a public-key login message" failure mode only makes
// sense if the payload is text, not raw DER).
func EncodeLoginPublicKey(spkiBase64 string) []byte {
	return []byte(spkiBase64)
}

// DecodeLoginPublicKey validates UTF-8 and returns the base64 SPKI string,
// failing with ErrBadPublicKey otherwise.
func DecodeLoginPublicKey(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", ErrBadPublicKey
	}
	return string(payload), nil
}

// --- Handshake binding (spec §4.4, §8 invariant 1) --------------------------

const wsAcceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ComputeAccept returns the RFC 6455 Sec-WebSocket-Accept value for a given
// Sec-WebSocket-Key, grounded on auth.rs's compute_accept.
func ComputeAccept(secWebSocketKey string) string {
	h := sha1.New()
	h.Write([]byte(secWebSocketKey))
	h.Write([]byte(wsAcceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Prologue builds the connection-binding hash spec §4.4 requires:
// SHA-256("noise-wss-v1|" ‖ host ‖ "|" ‖ query ‖ "|" ‖ accept ‖ "|" ‖ nonce),
// grounded on auth.rs's ConnectionIdentifiers::hash.
func Prologue(host, query, accept string, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("noise-wss-v1|"))
	h.Write([]byte(host))
	h.Write([]byte("|"))
	h.Write([]byte(query))
	h.Write([]byte("|"))
	h.Write([]byte(accept))
	h.Write([]byte("|"))
	h.Write(nonce)
	return h.Sum(nil)
}
