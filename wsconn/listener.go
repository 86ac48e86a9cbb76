package wsconn

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/fleetlink/corewire/wire"
)

// Accepted is one inbound upgrade: the connection plus the identifiers C4's
// responder login needs (host header, query string, computed accept).
type Accepted struct {
	Conn   *Conn
	Host   string
	Query  string
	Accept string
}

// AcceptCallback handles one accepted connection. It owns the connection's
// lifetime; the listener does not close it.
type AcceptCallback func(Accepted)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Listener is the inbound WebSocket accept loop (spec §6's
// GET /ws/periphery?server=<id-or-name> endpoint), structured the way the
// teacher's listener.go structured its plain-TCP accept loop: a WaitGroup
// gates worker() so halt() can block until the accept goroutine has fully
// stopped, and each accepted connection runs through a caller-supplied
// callback on its own goroutine.
type Listener struct {
	wg  sync.WaitGroup
	log *logging.Logger

	srv      *http.Server
	callback AcceptCallback

	allow func(net.IP) (bool, error)
}

// ListenAndServe starts an HTTP server on addr, upgrading GET /ws/periphery
// requests to WebSocket and invoking callback for each. allow filters
// inbound peer addresses per allowed_ips (nil allows any).
func ListenAndServe(addr string, tlsCertFile, tlsKeyFile string, callback AcceptCallback, allow func(net.IP) (bool, error), log *logging.Logger) (*Listener, error) {
	l := &Listener{callback: callback, allow: allow, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/periphery", l.handleUpgrade)
	l.srv = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "wsconn: failed to bind listener")
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		var serveErr error
		if tlsCertFile != "" {
			serveErr = l.srv.ServeTLS(ln, tlsCertFile, tlsKeyFile)
		} else {
			serveErr = l.srv.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			l.log.Errorf("listener stopped: %v", serveErr)
		}
	}()
	l.log.Noticef("listening on %s", addr)
	return l, nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.allow != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err == nil {
			ok, allowErr := l.allow(net.ParseIP(host))
			if allowErr != nil || !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
	}

	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Header.Get("Host")
	}
	if host == "" {
		host = r.Host
	}
	secKey := r.Header.Get("Sec-WebSocket-Key")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warningf("upgrade failed: %v", err)
		return
	}

	l.callback(Accepted{
		Conn:   Wrap(ws),
		Host:   host,
		Query:  r.URL.RawQuery,
		Accept: wire.ComputeAccept(secKey),
	})
}

// Halt stops accepting new connections and waits for the server goroutine
// to exit, mirroring the teacher's listener.halt() (close, then Wait).
func (l *Listener) Halt() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.srv.Shutdown(ctx)
	l.wg.Wait()
}
