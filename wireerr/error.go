// Package wireerr implements the serializable error representation described
// in spec §7 and §9: a tagged Kind plus an ordered context chain, so a
// failure on one peer can be reconstructed faithfully on the other side of
// the socket. It plays the role lib/transport/src/auth.rs's
// serialize_error_bytes/deserialize_error_bytes play in original_source/,
// grounded on the teacher's own fmt.Errorf("...: %v", err) wrapping idiom
// (see client.go, config/config.go) and github.com/pkg/errors, which the
// teacher already depends on for Wrap/Cause chains.
package wireerr

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Kind tags the taxonomy of §7.
type Kind string

const (
	KindTransportEncoding  Kind = "transport_encoding"
	KindAuthTimeout        Kind = "auth_timeout"
	KindBadPublicKey       Kind = "bad_public_key"
	KindOnboardingInvalid  Kind = "onboarding_key_invalid"
	KindPeerNotConnected   Kind = "peer_not_connected"
	KindResponseTimeout    Kind = "response_timeout"
	KindDuplicatePeer      Kind = "duplicate_peer"
	KindSocketClosed       Kind = "socket_closed"
	KindCancelled          Kind = "cancelled"
	KindUnknown            Kind = "unknown"
)

// Error is the wire-transmissible error. Contexts are ordered
// outermost-first, mirroring how github.com/pkg/errors unwinds a Wrap chain.
type Error struct {
	Kind     Kind     `json:"kind"`
	Contexts []string `json:"contexts"`
	Root     string   `json:"root"`
}

func (e *Error) Error() string {
	msg := e.Root
	for i := len(e.Contexts) - 1; i >= 0; i-- {
		msg = e.Contexts[i] + ": " + msg
	}
	return msg
}

// New builds a tagged Error from a single message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Root: msg}
}

// Wrap adds a context layer to err, tagging it with kind if err is not
// already a *wireerr.Error. If it is, kind is ignored and the existing Kind
// is kept, so the innermost tag wins and later Wraps only add context.
func Wrap(err error, kind Kind, context string) *Error {
	if err == nil {
		return nil
	}
	if we, ok := errors.Cause(err).(*Error); ok {
		clone := *we
		clone.Contexts = append([]string{context}, we.Contexts...)
		return &clone
	}
	return &Error{Kind: kind, Root: err.Error(), Contexts: []string{context}}
}

// Scrub replaces any occurrence of a known secret value with a placeholder
// before the error is logged or sent to a remote peer, per spec §7 ("errors
// containing secrets are scrubbed").
func Scrub(msg string, secrets ...string) string {
	out := msg
	for _, s := range secrets {
		if s == "" {
			continue
		}
		out = scrubOne(out, s)
	}
	return out
}

func scrubOne(msg, secret string) string {
	for {
		idx := indexOf(msg, secret)
		if idx < 0 {
			return msg
		}
		msg = msg[:idx] + "<redacted>" + msg[idx+len(secret):]
	}
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

// Marshal serializes e for the wire (the prefix before the MessageState
// byte in a Failed login frame, per spec §4.4).
func Marshal(err error) []byte {
	we, ok := errors.Cause(err).(*Error)
	if !ok {
		we = &Error{Kind: KindUnknown, Root: err.Error()}
	}
	b, marshalErr := json.Marshal(we)
	if marshalErr != nil {
		return []byte(fmt.Sprintf(`{"kind":"unknown","root":%q}`, err.Error()))
	}
	return b
}

// Unmarshal reconstructs an *Error from bytes produced by Marshal. If the
// bytes aren't valid JSON (e.g. a legacy peer sent a raw string), the whole
// payload becomes the root message.
func Unmarshal(b []byte) *Error {
	var e Error
	if err := json.Unmarshal(b, &e); err != nil {
		return &Error{Kind: KindUnknown, Root: string(b)}
	}
	if e.Kind == "" {
		e.Kind = KindUnknown
	}
	return &e
}
