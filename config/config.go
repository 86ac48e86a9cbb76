// Copyright (C) 2017  David Anthony Stainton
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config loads the connection-core configuration, every option
// enumerated in the external interfaces table, the way the teacher's
// config.go loaded TOML via github.com/pelletier/go-toml (despite what an
// out-of-date go.mod entry for BurntSushi/toml might suggest -- this is the
// import the teacher's source actually exercises).
package config

import (
	"net"
	"os"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/fleetlink/corewire/keys"
)

const filePrefix = "file:"

// Config is the full set of options a fleetlinkd process accepts.
type Config struct {
	// Identity
	PrivateKey     string   `toml:"private_key"`
	CorePublicKeys []string `toml:"core_public_keys"`
	OnboardingKey  string   `toml:"onboarding_key"`

	// Outbound (Periphery -> Core)
	CoreAddresses             []string `toml:"core_addresses"`
	ConnectAs                 string   `toml:"connect_as"`
	CoreTLSInsecureSkipVerify bool     `toml:"core_tls_insecure_skip_verify"`

	// Inbound (Core -> Periphery, or admin listener)
	ServerEnabled bool     `toml:"server_enabled"`
	BindIP        string   `toml:"bind_ip"`
	Port          uint16   `toml:"port"`
	SSLEnabled    bool     `toml:"ssl_enabled"`
	SSLCertFile   string   `toml:"ssl_cert_file"`
	SSLKeyFile    string   `toml:"ssl_key_file"`
	AllowedIPs    []string `toml:"allowed_ips"`

	// Feature gates
	DisableTerminals     bool `toml:"disable_terminals"`
	DisableContainerExec bool `toml:"disable_container_exec"`

	// Legacy
	Passkeys []string `toml:"passkeys"`

	// Ambient (not part of the wire/transport core, but every teacher
	// config carries a logging section).
	LogLevel string `toml:"log_level"`
	DataDir  string `toml:"data_dir"`
}

// FromFile loads and parses a TOML config file, matching the teacher's
// config.FromFile shape exactly (read whole file, toml.Unmarshal into the
// struct).
func FromFile(fileName string) (*Config, error) {
	fileData, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrap(err, "config: failed to read config file")
	}
	cfg := &Config{
		BindIP:   "0.0.0.0",
		Port:     8120,
		DataDir:  ".",
		LogLevel: "INFO",
	}
	if err := toml.Unmarshal(fileData, cfg); err != nil {
		return nil, errors.Wrap(err, "config: failed to parse TOML")
	}
	return cfg, nil
}

// resolveLiteralOrFile returns s unchanged, or the contents of the
// referenced file if s has the "file:" prefix spec §6 defines for
// private_key and core_public_keys entries.
func resolveLiteralOrFile(s string) (string, error) {
	if !strings.HasPrefix(s, filePrefix) {
		return s, nil
	}
	path := strings.TrimPrefix(s, filePrefix)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "config: failed to read %s", path)
	}
	return strings.TrimSpace(string(raw)), nil
}

// ResolvePrivateKey loads the configured identity, generating one under
// keysDir if PrivateKey is empty, per spec §4.1's load_or_generate.
func (c *Config) ResolvePrivateKey(keysDir, passphrase string) (*keys.KeyPair, error) {
	if c.PrivateKey == "" {
		return keys.LoadOrGenerate(keysDir+"/periphery.key", passphrase)
	}
	literal, err := resolveLiteralOrFile(c.PrivateKey)
	if err != nil {
		return nil, err
	}
	return keys.ParsePrivate(literal)
}

// ResolveCorePublicKeys parses every pinned Core key, resolving "file:"
// entries, for the ListedKeys public-key validator (spec §4.4).
func (c *Config) ResolveCorePublicKeys() ([]*keys.SpkiPublicKey, error) {
	out := make([]*keys.SpkiPublicKey, 0, len(c.CorePublicKeys))
	for _, entry := range c.CorePublicKeys {
		literal, err := resolveLiteralOrFile(entry)
		if err != nil {
			return nil, err
		}
		pub, err := keys.FromMaybePEM(literal)
		if err != nil {
			return nil, errors.Wrap(err, "config: invalid core_public_keys entry")
		}
		out = append(out, pub)
	}
	return out, nil
}

// ParsedAllowedIPs parses the allowed_ips CIDR list for the inbound
// listener's peer-address filter.
func (c *Config) ParsedAllowedIPs() ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(c.AllowedIPs))
	for _, cidr := range c.AllowedIPs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errors.Wrapf(err, "config: invalid allowed_ips entry %q", cidr)
		}
		out = append(out, network)
	}
	return out, nil
}

// AllowsAddress reports whether addr is permitted to connect inbound; an
// empty allowed_ips list permits any address.
func (c *Config) AllowsAddress(addr net.IP) (bool, error) {
	if len(c.AllowedIPs) == 0 {
		return true, nil
	}
	nets, err := c.ParsedAllowedIPs()
	if err != nil {
		return false, err
	}
	for _, n := range nets {
		if n.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}
