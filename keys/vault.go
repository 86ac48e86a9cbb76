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

package keys

import (
	"crypto/rand"
	"encoding/base64"
	"os"

	"github.com/magical/argon2"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	vaultSaltSize          = 8
	vaultPassphraseMinSize = 12
	vaultNonceSize         = 24
)

// PassphraseVault optionally encrypts a private key file at rest with a
// passphrase, the same argon2-stretch + NaCl secretbox scheme the teacher
// used for account keys (vault/vault.go), repurposed here to guard the
// Noise identity's PKCS#8 PEM instead of an e2e mail key.
type PassphraseVault struct {
	Passphrase string
	Path       string
}

func (v *PassphraseVault) stretch() ([]byte, error) {
	if len(v.Passphrase) < vaultSaltSize+vaultPassphraseMinSize {
		return nil, errors.Errorf("keys: passphrase must be at least %d characters", vaultSaltSize+vaultPassphraseMinSize)
	}
	salt := v.Passphrase[0:vaultSaltSize]
	pass := v.Passphrase[vaultSaltSize:]
	return argon2.Key([]byte(pass), []byte(salt), 32, 2, 1<<16, 32)
}

// Open decrypts and returns the plaintext stored at v.Path.
func (v *PassphraseVault) Open() ([]byte, error) {
	encoded, err := os.ReadFile(v.Path)
	if err != nil {
		return nil, errors.Wrap(err, "keys: failed to read vault file")
	}
	raw, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "keys: vault file is not valid base64")
	}
	if len(raw) < vaultNonceSize {
		return nil, errors.New("keys: vault file truncated")
	}
	var nonce [vaultNonceSize]byte
	copy(nonce[:], raw[:vaultNonceSize])

	stretched, err := v.stretch()
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], stretched)

	plaintext, ok := secretbox.Open(nil, raw[vaultNonceSize:], &nonce, &key)
	if !ok {
		return nil, errors.New("keys: vault MAC check failed, wrong passphrase or corrupted file")
	}
	return plaintext, nil
}

// Seal encrypts plaintext and writes it to v.Path.
func (v *PassphraseVault) Seal(plaintext []byte) error {
	stretched, err := v.stretch()
	if err != nil {
		return err
	}
	var key [32]byte
	copy(key[:], stretched)

	var nonce [vaultNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return errors.Wrap(err, "keys: failed to generate vault nonce")
	}

	ciphertext := secretbox.Seal(nonce[:], plaintext, &nonce, &key)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	if err := atomicWrite(v.Path, []byte(encoded), 0o600); err != nil {
		return errors.Wrap(err, "keys: failed to write vault file")
	}
	return nil
}
