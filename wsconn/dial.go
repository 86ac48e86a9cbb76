package wsconn

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// DomainError tags the 404/400/401 upgrade-failure mapping spec §4.3 and §6
// specify for outbound connect attempts.
type DomainError string

const (
	ErrNotFound          DomainError = "not_found"
	ErrPeerMisconfigured DomainError = "peer_misconfigured"
	ErrAlreadyConnected  DomainError = "already_connected"
	ErrHeadersStripped   DomainError = "headers_stripped"
)

func (e DomainError) Error() string { return string(e) }

// DialResult bundles the established connection with the identifiers C4's
// login flow needs to compute the prologue hash: the host this client
// addressed, the query string it sent, and the Sec-WebSocket-Accept value
// the server returned.
type DialResult struct {
	Conn   *Conn
	Host   string
	Query  string
	Accept string
}

// Dial connects outbound (Periphery -> Core or Core -> Periphery), handling
// plain ws://, wss:// with the system trust store, and wss:// with
// certificate verification disabled (spec §4.3's three outbound modes).
func Dial(ctx context.Context, rawURL string, insecureSkipVerify bool) (*DialResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "wsconn: invalid dial URL")
	}

	dialer := websocket.Dialer{}
	if u.Scheme == "wss" && insecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in via core_tls_insecure_skip_verify
	}

	// The dialer generates its own Sec-WebSocket-Key and rejects a
	// caller-supplied one as a duplicate header.
	ws, resp, err := dialer.DialContext(ctx, rawURL, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, mapUpgradeError(resp.StatusCode)
		}
		return nil, errors.Wrap(err, "wsconn: dial failed")
	}

	accept := resp.Header.Get("Sec-WebSocket-Accept")
	host := u.Host

	return &DialResult{
		Conn:   Wrap(ws),
		Host:   host,
		Query:  u.RawQuery,
		Accept: accept,
	}, nil
}

func mapUpgradeError(status int) error {
	switch status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		return ErrPeerMisconfigured
	case http.StatusUnauthorized:
		return ErrAlreadyConnected
	default:
		return errors.Errorf("wsconn: unexpected upgrade status %d", status)
	}
}

func randomWebSocketKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "wsconn: failed to generate Sec-WebSocket-Key")
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
