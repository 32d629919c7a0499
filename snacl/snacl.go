// Copyright (c) 2024 The openwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package snacl provides password-based encryption for keystore secrets.
// Keys are stretched with scrypt and payloads are sealed with NaCl
// secretbox, so a stored blob can only be opened by re-deriving the key
// from the original password and the stored parameters.
package snacl

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"runtime/debug"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/opensv/openwallet/internal/zero"
)

var (
	prng = rand.Reader

	// ErrInvalidPassword is returned when a password is unable to derive
	// the key that produced the stored digest.
	ErrInvalidPassword = errors.New("invalid password")

	// ErrMalformed is returned when stored parameters or sealed data are
	// structurally invalid.
	ErrMalformed = errors.New("malformed data")

	// ErrDecryptFailed is returned when the secretbox seal cannot be
	// opened with the derived key.
	ErrDecryptFailed = errors.New("unable to decrypt")
)

// Scrypt cost parameters used for new keys unless the caller overrides
// them.
const (
	DefaultN = 16384 // 2^14
	DefaultR = 8
	DefaultP = 1
)

// KeySize is the size of a derived key in bytes.
const KeySize = 32

const (
	saltSize   = 32
	digestSize = sha256.Size
	nonceSize  = 24
)

// Parameters hold the salt, digest, and scrypt cost settings needed to
// re-derive a secret key from its password.
type Parameters struct {
	Salt   [saltSize]byte
	Digest [digestSize]byte
	N      int
	R      int
	P      int
}

// CryptoKey represents a secret key which can seal and open secretbox
// payloads.
type CryptoKey [KeySize]byte

// Encrypt seals the passed data with a random nonce, returning
// nonce||box.
func (ck *CryptoKey) Encrypt(in []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	_, err := io.ReadFull(prng, nonce[:])
	if err != nil {
		return nil, err
	}
	blob := secretbox.Seal(nil, in, &nonce, (*[KeySize]byte)(ck))
	return append(nonce[:], blob...), nil
}

// Decrypt opens data sealed by Encrypt.
func (ck *CryptoKey) Decrypt(in []byte) ([]byte, error) {
	if len(in) < nonceSize {
		return nil, ErrMalformed
	}

	var nonce [nonceSize]byte
	copy(nonce[:], in[:nonceSize])
	opened, ok := secretbox.Open(nil, in[nonceSize:], &nonce,
		(*[KeySize]byte)(ck))
	if !ok {
		return nil, ErrDecryptFailed
	}
	return opened, nil
}

// Zero clears the key material.
func (ck *CryptoKey) Zero() {
	zero.Bytea32((*[KeySize]byte)(ck))
}

// GenerateCryptoKey generates a new crypto key from the system's secure
// random source.
func GenerateCryptoKey() (*CryptoKey, error) {
	var key CryptoKey
	_, err := io.ReadFull(prng, key[:])
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// SecretKey is a password-derived CryptoKey along with the parameters
// needed to re-derive it.
type SecretKey struct {
	Key        *CryptoKey
	Parameters Parameters
}

// deriveKey stretches the password into the key using the stored
// parameters.
func (sk *SecretKey) deriveKey(password *[]byte) error {
	key, err := scrypt.Key(*password, sk.Parameters.Salt[:],
		sk.Parameters.N, sk.Parameters.R, sk.Parameters.P, KeySize)
	if err != nil {
		return err
	}
	copy(sk.Key[:], key)
	zero.Bytes(key)

	// The scrypt parameters are chosen by the caller, so run a GC cycle
	// to release the large derivation buffers immediately.
	debug.FreeOSMemory()

	return nil
}

// Marshal returns the combined salt, digest, and cost parameters in a
// form suitable for storage.
func (sk *SecretKey) Marshal() []byte {
	params := &sk.Parameters

	marshalled := make([]byte, saltSize+digestSize+24)
	b := marshalled
	copy(b, params.Salt[:])
	b = b[saltSize:]
	copy(b, params.Digest[:])
	b = b[digestSize:]
	binary.LittleEndian.PutUint64(b, uint64(params.N))
	b = b[8:]
	binary.LittleEndian.PutUint64(b, uint64(params.R))
	b = b[8:]
	binary.LittleEndian.PutUint64(b, uint64(params.P))

	return marshalled
}

// Unmarshal restores parameters previously produced by Marshal.  The key
// itself is not derived until DeriveKey is called with the password.
func (sk *SecretKey) Unmarshal(marshalled []byte) error {
	if sk.Key == nil {
		sk.Key = (*CryptoKey)(&[KeySize]byte{})
	}

	if len(marshalled) != saltSize+digestSize+24 {
		return ErrMalformed
	}

	params := &sk.Parameters
	copy(params.Salt[:], marshalled[:saltSize])
	marshalled = marshalled[saltSize:]
	copy(params.Digest[:], marshalled[:digestSize])
	marshalled = marshalled[digestSize:]
	params.N = int(binary.LittleEndian.Uint64(marshalled))
	marshalled = marshalled[8:]
	params.R = int(binary.LittleEndian.Uint64(marshalled))
	marshalled = marshalled[8:]
	params.P = int(binary.LittleEndian.Uint64(marshalled))

	return nil
}

// DeriveKey re-derives the key from the password and verifies it against
// the stored digest, returning ErrInvalidPassword on mismatch.
func (sk *SecretKey) DeriveKey(password *[]byte) error {
	if err := sk.deriveKey(password); err != nil {
		return err
	}

	digest := sha256.Sum256(sk.Key[:])
	if subtle.ConstantTimeCompare(digest[:], sk.Parameters.Digest[:]) != 1 {
		return ErrInvalidPassword
	}

	return nil
}

// Encrypt seals data with the derived key.
func (sk *SecretKey) Encrypt(in []byte) ([]byte, error) {
	return sk.Key.Encrypt(in)
}

// Decrypt opens data sealed with the derived key.
func (sk *SecretKey) Decrypt(in []byte) ([]byte, error) {
	return sk.Key.Decrypt(in)
}

// Zero clears the key material.
func (sk *SecretKey) Zero() {
	sk.Key.Zero()
}

// NewSecretKey stretches the password into a new random-salted key using
// the given scrypt cost parameters.
func NewSecretKey(password *[]byte, n, r, p int) (*SecretKey, error) {
	sk := SecretKey{Key: (*CryptoKey)(&[KeySize]byte{})}

	params := &sk.Parameters
	params.N = n
	params.R = r
	params.P = p
	_, err := io.ReadFull(prng, params.Salt[:])
	if err != nil {
		return nil, err
	}

	if err := sk.deriveKey(password); err != nil {
		return nil, err
	}
	params.Digest = sha256.Sum256(sk.Key[:])

	return &sk, nil
}
