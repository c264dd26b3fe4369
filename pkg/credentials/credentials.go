// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package credentials stores and retrieves per-domain cookie bundles used
// to authenticate downloads, encrypted at rest under a master key sourced
// from the OS keychain, an environment variable, or an in-memory value
// supplied for the life of one process.
package credentials

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var magic = [8]byte{'r', 'e', 'f', 'd', 'l', 'c', 'r', 'd'}

const fileVersion byte = 1

// Cookie is a single stored cookie value attached by domain-match rules.
type Cookie struct {
	Domain   string
	Name     string
	Value    string
	Path     string
	Expires  time.Time
	HTTPOnly bool
	Secure   bool
}

// Bundle is the full set of cookies available for attaching to outbound
// requests, plus provenance of when it was captured.
type Bundle struct {
	Cookies    []Cookie
	CapturedAt time.Time
}

// ErrCorrupt indicates the credential file's framing or AEAD tag failed to
// validate. The file is never auto-deleted: the caller decides whether to
// back it up, reset it, or investigate.
var ErrCorrupt = errors.New("credential store: file is corrupt or was encrypted under a different key")

// KeySource supplies the master secret (of any length; it is stretched with
// Argon2id) used to derive the per-file encryption key. Implementations must never log or return the key in an
// error value.
type KeySource interface {
	MasterKey() ([]byte, error)
}

// EnvKeySource reads a base master secret from an environment variable.
type EnvKeySource struct {
	VarName string
}

func (e EnvKeySource) MasterKey() ([]byte, error) {
	v := os.Getenv(e.VarName)
	if v == "" {
		return nil, fmt.Errorf("credential store: environment variable %s is not set", e.VarName)
	}
	return []byte(v), nil
}

// InMemoryKeySource holds a secret for the lifetime of one process only.
type InMemoryKeySource struct {
	Secret []byte
}

func (m InMemoryKeySource) MasterKey() ([]byte, error) {
	if len(m.Secret) == 0 {
		return nil, errors.New("credential store: in-memory key source has no secret")
	}
	return m.Secret, nil
}

// OSKeychainKeySource stores/retrieves the master secret in the platform
// keychain via 99designs/keyring, generating one on first use.
type OSKeychainKeySource struct {
	ServiceName string
	ItemKey     string
}

func (k OSKeychainKeySource) MasterKey() ([]byte, error) {
	ring, err := keyring.Open(keyring.Config{ServiceName: k.ServiceName})
	if err != nil {
		return nil, fmt.Errorf("credential store: open os keychain: %w", err)
	}

	item, err := ring.Get(k.ItemKey)
	if err == nil {
		return item.Data, nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("credential store: read os keychain: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("credential store: generate master secret: %w", err)
	}
	if err := ring.Set(keyring.Item{Key: k.ItemKey, Data: secret}); err != nil {
		return nil, fmt.Errorf("credential store: write os keychain: %w", err)
	}
	return secret, nil
}

// Store persists one Bundle per origin to an encrypted file under Dir.
type Store struct {
	Dir    string
	Source KeySource
}

func NewStore(dir string, source KeySource) *Store {
	return &Store{Dir: dir, Source: source}
}

func (s *Store) pathFor(domain string) string {
	return filepath.Join(s.Dir, sanitizeDomain(domain)+".cred")
}

func sanitizeDomain(domain string) string {
	out := make([]rune, 0, len(domain))
	for _, r := range domain {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (s *Store) deriveKey(salt []byte) ([]byte, error) {
	master, err := s.Source.MasterKey()
	if err != nil {
		return nil, err
	}
	return argon2.IDKey(master, salt, 1, 64*1024, 4, chacha20poly1305.KeySize), nil
}

// Save encrypts and atomically writes bundle for domain.
//
// On-disk layout: magic(8) | version(1) | salt(16) | nonce(24) | ciphertext.
func (s *Store) Save(domain string, bundle Bundle) error {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("credential store: create directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("credential store: generate salt: %w", err)
	}
	key, err := s.deriveKey(salt)
	if err != nil {
		return err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("credential store: init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("credential store: generate nonce: %w", err)
	}

	plaintext := encodeBundle(bundle)
	ciphertext := aead.Seal(nil, nonce, plaintext, magic[:])

	buf := make([]byte, 0, 8+1+len(salt)+len(nonce)+len(ciphertext))
	buf = append(buf, magic[:]...)
	buf = append(buf, fileVersion)
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)

	tmp := s.pathFor(domain) + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("credential store: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.pathFor(domain)); err != nil {
		return fmt.Errorf("credential store: rename into place: %w", err)
	}
	return nil
}

// Load decrypts the bundle for domain. A missing file returns
// (Bundle{}, false, nil); any framing or AEAD failure returns ErrCorrupt.
func (s *Store) Load(domain string) (Bundle, bool, error) {
	raw, err := os.ReadFile(s.pathFor(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return Bundle{}, false, nil
		}
		return Bundle{}, false, fmt.Errorf("credential store: read file: %w", err)
	}

	const headerLen = 8 + 1 + 16
	if len(raw) < headerLen || [8]byte(raw[:8]) != magic {
		return Bundle{}, false, ErrCorrupt
	}
	version := raw[8]
	if version != fileVersion {
		return Bundle{}, false, ErrCorrupt
	}
	salt := raw[9:headerLen]

	key, err := s.deriveKey(salt)
	if err != nil {
		return Bundle{}, false, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Bundle{}, false, fmt.Errorf("credential store: init cipher: %w", err)
	}

	rest := raw[headerLen:]
	if len(rest) < aead.NonceSize() {
		return Bundle{}, false, ErrCorrupt
	}
	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, magic[:])
	if err != nil {
		return Bundle{}, false, ErrCorrupt
	}

	bundle, err := decodeBundle(plaintext)
	if err != nil {
		return Bundle{}, false, ErrCorrupt
	}
	return bundle, true, nil
}

// encodeBundle/decodeBundle use a small fixed binary framing rather than a
// general-purpose codec: the schema is simple, stable, and never needs to
// round-trip through anything but this package.
func encodeBundle(b Bundle) []byte {
	var buf []byte
	buf = appendInt64(buf, b.CapturedAt.Unix())
	buf = appendInt64(buf, int64(len(b.Cookies)))
	for _, c := range b.Cookies {
		buf = appendString(buf, c.Domain)
		buf = appendString(buf, c.Name)
		buf = appendString(buf, c.Value)
		buf = appendString(buf, c.Path)
		buf = appendInt64(buf, c.Expires.Unix())
		var flags byte
		if c.HTTPOnly {
			flags |= 1
		}
		if c.Secure {
			flags |= 2
		}
		buf = append(buf, flags)
	}
	return buf
}

func decodeBundle(data []byte) (Bundle, error) {
	r := &byteReader{data: data}
	capturedAt, err := r.int64()
	if err != nil {
		return Bundle{}, err
	}
	n, err := r.int64()
	if err != nil {
		return Bundle{}, err
	}
	bundle := Bundle{CapturedAt: time.Unix(capturedAt, 0).UTC()}
	for i := int64(0); i < n; i++ {
		var c Cookie
		if c.Domain, err = r.str(); err != nil {
			return Bundle{}, err
		}
		if c.Name, err = r.str(); err != nil {
			return Bundle{}, err
		}
		if c.Value, err = r.str(); err != nil {
			return Bundle{}, err
		}
		if c.Path, err = r.str(); err != nil {
			return Bundle{}, err
		}
		exp, err := r.int64()
		if err != nil {
			return Bundle{}, err
		}
		c.Expires = time.Unix(exp, 0).UTC()
		flags, err := r.byte_()
		if err != nil {
			return Bundle{}, err
		}
		c.HTTPOnly = flags&1 != 0
		c.Secure = flags&2 != 0
		bundle.Cookies = append(bundle.Cookies, c)
	}
	return bundle, nil
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendInt64(buf, int64(len(s)))
	return append(buf, s...)
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) int64() (int64, error) {
	if r.pos+8 > len(r.data) {
		return 0, errors.New("truncated")
	}
	v := int64(binary.BigEndian.Uint64(r.data[r.pos : r.pos+8]))
	r.pos += 8
	return v, nil
}

func (r *byteReader) str() (string, error) {
	n, err := r.int64()
	if err != nil {
		return "", err
	}
	if n < 0 || r.pos+int(n) > len(r.data) {
		return "", errors.New("truncated")
	}
	s := string(r.data[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *byteReader) byte_() (byte, error) {
	if r.pos+1 > len(r.data) {
		return 0, errors.New("truncated")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}
