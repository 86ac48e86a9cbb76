// Package server wires every component package into one running process
// (spec §5's process model: a single binary that can act as Core, as
// Periphery, or as both at once depending on which of config's
// server_enabled / core_addresses are set). It plays the role the teacher's
// ClientDaemon (daemon.go) plays for the mixnet client: own construction of
// every collaborator, Start/Stop lifecycle, nothing else.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/fleetlink/corewire/config"
	"github.com/fleetlink/corewire/keys"
	"github.com/fleetlink/corewire/noiselogin"
	"github.com/fleetlink/corewire/onboarding"
	"github.com/fleetlink/corewire/peer"
	"github.com/fleetlink/corewire/rpc"
	"github.com/fleetlink/corewire/store"
	"github.com/fleetlink/corewire/terminal"
	"github.com/fleetlink/corewire/wire"
	"github.com/fleetlink/corewire/wsconn"
)

// Daemon owns every long-lived collaborator of one fleetlinkd process.
type Daemon struct {
	cfg *config.Config
	log *logging.Logger

	identity *keys.KeyPair
	accepted *keys.AcceptedKeys

	db *store.BoltStore

	registry *peer.Registry
	terminal *terminal.PeripherySide

	listener *wsconn.Listener
	cancel   context.CancelFunc
}

// NewDaemon resolves identity and storage from cfg and wires the
// collaborators that don't require network I/O yet (Start does that).
func NewDaemon(cfg *config.Config, log *logging.Logger) (*Daemon, error) {
	identity, err := cfg.ResolvePrivateKey(cfg.DataDir+"/keys", "")
	if err != nil {
		return nil, errors.Wrap(err, "server: failed to resolve private key")
	}
	corePublicKeys, err := cfg.ResolveCorePublicKeys()
	if err != nil {
		return nil, errors.Wrap(err, "server: failed to resolve core_public_keys")
	}

	db, err := store.OpenBoltStore(cfg.DataDir + "/fleetlinkd.db")
	if err != nil {
		return nil, errors.Wrap(err, "server: failed to open document store")
	}

	registry := peer.NewRegistry(log)
	terminalManager := terminal.NewManager(log)
	terminalManager.DisableTerminals = cfg.DisableTerminals

	d := &Daemon{
		cfg:      cfg,
		log:      log,
		identity: identity,
		accepted: keys.NewAcceptedKeys(corePublicKeys),
		db:       db,
		registry: registry,
		terminal: terminal.NewPeripherySide(terminalManager, log),
	}
	registry.OnRequest = d.handleRequest
	registry.OnTerminal = d.terminal.HandleDownstream
	return d, nil
}

// Start brings up the inbound listener (if server_enabled) and the
// outbound supervisors for every configured core_addresses entry, matching
// the teacher's Start() returning once every configured service is up.
func (d *Daemon) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if d.cfg.ServerEnabled {
		addr := d.cfg.BindIP + ":" + strconv.Itoa(int(d.cfg.Port))
		certFile, keyFile := "", ""
		if d.cfg.SSLEnabled {
			certFile, keyFile = d.cfg.SSLCertFile, d.cfg.SSLKeyFile
		}
		ln, err := wsconn.ListenAndServe(addr, certFile, keyFile, d.handleAccept, d.allow, d.log)
		if err != nil {
			return errors.Wrap(err, "server: failed to start inbound listener")
		}
		d.listener = ln
	}

	for _, addr := range d.cfg.CoreAddresses {
		addr := addr
		identity := peer.PeerIdentity{ID: d.cfg.ConnectAs, Address: addr}
		d.registry.Supervise(ctx, identity, func(dialCtx context.Context) (*wsconn.Conn, error) {
			return d.dialCore(dialCtx, addr)
		})
	}

	return nil
}

// Stop cancels every outbound supervisor, halts the inbound listener, and
// closes the document store (spec §5: "on shutdown all terminals are
// cancelled and a 100ms grace is observed").
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.listener != nil {
		d.listener.Halt()
	}
	d.terminal.Manager.Shutdown()
	time.Sleep(100 * time.Millisecond)
	_ = d.db.Close()
}

func (d *Daemon) allow(ip net.IP) (bool, error) {
	return d.cfg.AllowsAddress(ip)
}

// dialCore runs one outbound connect-and-login attempt against a
// configured Core address (spec §4.3's outbound dial path).
func (d *Daemon) dialCore(ctx context.Context, addr string) (*wsconn.Conn, error) {
	rawURL := addr + "?server=" + url.QueryEscape(d.cfg.ConnectAs)
	result, err := wsconn.Dial(ctx, rawURL, d.cfg.CoreTLSInsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	ids := noiselogin.ConnectionIdentifiers{Host: result.Host, Query: result.Query, Accept: result.Accept}
	initiator := &noiselogin.Initiator{
		PrivateKey: d.identity.Private(),
		Validator:  &noiselogin.ListedKeysValidator{Accepted: d.accepted},
	}
	if _, err := initiator.Login(ctx, result.Conn, ids); err != nil {
		_ = result.Conn.Close(1008, "login failed")
		return nil, err
	}
	return result.Conn, nil
}

// handleAccept is the inbound half (spec §4.8's dispatch: onboard a
// first-contact name, or run the standard login against a known peer
// record).
func (d *Daemon) handleAccept(accepted wsconn.Accepted) {
	query, err := url.ParseQuery(accepted.Query)
	if err != nil {
		_ = accepted.Conn.Close(1008, "malformed query")
		return
	}
	name := query.Get("server")
	ids := noiselogin.ConnectionIdentifiers{Host: accepted.Host, Query: accepted.Query, Accept: accepted.Accept}

	decision, rec, err := onboarding.Route(context.Background(), d.db.Peers(), name)
	if err != nil {
		d.log.Warningf("server: refusing connection for %q: %v", name, err)
		_ = accepted.Conn.Close(1008, "rejected")
		return
	}

	switch decision {
	case onboarding.RouteOnboard:
		d.runOnboarding(accepted.Conn, name, ids)
	case onboarding.RouteExisting:
		d.runLogin(accepted.Conn, rec, ids)
	}
}

func (d *Daemon) runOnboarding(conn *wsconn.Conn, name string, ids noiselogin.ConnectionIdentifiers) {
	flow := &onboarding.Flow{
		PrivateKey: d.identity.Private(),
		Peers:      d.db.Peers(),
		Keys:       d.db.OnboardingKeys(),
		GenerateID: func() string { return uuid.New().String() },
		Now:        time.Now,
		Log:        d.log,
	}
	if _, err := flow.Run(context.Background(), conn, name, ids); err != nil {
		d.log.Warningf("server: onboarding %q failed: %v", name, err)
	}
}

func (d *Daemon) runLogin(conn *wsconn.Conn, rec *store.PeerRecord, ids noiselogin.ConnectionIdentifiers) {
	var inner noiselogin.PublicKeyValidator
	if rec.Config.ExpectedPublicKey != "" {
		expected, err := keys.FromMaybePEM(rec.Config.ExpectedPublicKey)
		if err != nil {
			d.log.Warningf("server: peer %s has an invalid expected_public_key: %v", rec.ID, err)
			_ = conn.Close(1008, "misconfigured")
			return
		}
		inner = &noiselogin.PinnedKeyValidator{Expected: expected}
	} else {
		inner = &noiselogin.ListedKeysValidator{Accepted: d.accepted}
	}
	responder := &noiselogin.Responder{
		PrivateKey: d.identity.Private(),
		Validator:  &noiselogin.RecordingValidator{Inner: inner, Peers: d.db.Peers(), PeerID: rec.ID},
		Passkeys:   d.cfg.Passkeys,
		UsePasskey: len(d.cfg.Passkeys) > 0 && rec.Config.ExpectedPublicKey == "" && len(d.accepted.Load()) == 0,
		Log:        d.log,
	}
	result, err := responder.Login(context.Background(), conn, ids)
	if err != nil {
		d.log.Warningf("server: login for peer %s failed: %v", rec.ID, err)
		return
	}
	identity := peer.PeerIdentity{ID: rec.ID, ExpectedPublicKey: rec.Config.ExpectedPublicKey}
	if result.PeerPublicKey != nil {
		identity.ExpectedPublicKey = result.PeerPublicKey.Base64()
	}
	if _, err := d.registry.AcceptInbound(identity, conn); err != nil {
		d.log.Warningf("server: rejecting duplicate inbound connection for peer %s: %v", rec.ID, err)
		_ = conn.Close(1008, "already connected")
	}
}

// handleRequest dispatches spec §4.7's "open a terminal viewer" request
// type through to the terminal subsystem; every other request type gets a
// generic not-implemented failure, since the wire/transport core itself
// defines no other request payloads (spec §1's scope: transport, not
// application RPCs).
func (d *Daemon) handleRequest(conn *peer.Connection, channel uuid.UUID, envelope wire.RequestEnvelope) {
	ctx := context.Background()
	rpc.HandleRequest(ctx, conn, channel, envelope, func(ctx context.Context, envelope wire.RequestEnvelope) (json.RawMessage, error) {
		if envelope.Type != "terminal.attach" {
			return nil, errors.Errorf("server: unsupported request type %q", envelope.Type)
		}
		var params struct {
			Channel  uuid.UUID `json:"channel"`
			Name     string    `json:"name"`
			Command  []string  `json:"command"`
			Recreate string    `json:"recreate"`
		}
		if err := json.Unmarshal(envelope.Params, &params); err != nil {
			return nil, errors.Wrap(err, "server: invalid terminal.attach params")
		}
		policy := terminal.RecreateNever
		switch params.Recreate {
		case "always":
			policy = terminal.RecreateAlways
		case "different_command":
			policy = terminal.RecreateDifferentCommand
		}
		if err := d.terminal.OpenViewer(ctx, conn, params.Channel, params.Name, params.Command, policy); err != nil {
			return nil, err
		}
		return nil, nil
	})
}
