// Copyright (c) 2016,2018 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// keystore stores a peer's long lived identity on disk, encrypted with a
// key derived from a passphrase.  The blob layout is salt || nonce ||
// sealed identity.
package keystore

import (
	"crypto/rand"
	"errors"
	"io"
	"io/ioutil"
	"os"

	"github.com/companyzero/zkchannel/zkidentity"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var (
	n = 16384
	r = 8
	p = 1

	ErrDecrypt  = errors.New("could not decrypt keystore")
	ErrTooShort = errors.New("keystore blob too short")
)

// SetNrp overrides the scrypt cost parameters, for tests only.
func SetNrp(nn, rr, pp int) {
	n = nn
	r = rr
	p = pp
}

func deriveKey(passphrase string, salt *[32]byte) (*[32]byte, error) {
	var key [32]byte
	dk, err := scrypt.Key([]byte(passphrase), salt[:], n, r, p, len(key))
	if err != nil {
		return nil, err
	}
	copy(key[:], dk[:])
	zero(dk[:])

	return &key, nil
}

// Seal encrypts a full identity with a passphrase derived key.
func Seal(fi *zkidentity.FullIdentity, passphrase string) ([]byte, error) {
	blob, err := fi.Marshal()
	if err != nil {
		return nil, err
	}
	defer zero(blob)

	var salt [32]byte
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}

	key, err := deriveKey(passphrase, &salt)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	packed := make([]byte, 32+24, 32+24+len(blob)+secretbox.Overhead)
	copy(packed[0:], salt[:])
	copy(packed[32:], nonce[:])
	return secretbox.Seal(packed, blob, &nonce, key), nil
}

// Open decrypts a blob produced by Seal.
func Open(packed []byte, passphrase string) (*zkidentity.FullIdentity, error) {
	if len(packed) < 32+24 {
		return nil, ErrTooShort
	}

	var salt [32]byte
	var nonce [24]byte
	copy(salt[:], packed[0:32])
	copy(nonce[:], packed[32:32+24])

	key, err := deriveKey(passphrase, &salt)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	blob, ok := secretbox.Open(nil, packed[32+24:], &nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}
	defer zero(blob)

	return zkidentity.UnmarshalFullIdentity(blob)
}

// Save seals the identity and writes it to filename with mode 0600.
func Save(filename string, fi *zkidentity.FullIdentity, passphrase string) error {
	packed, err := Seal(fi, passphrase)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filename, packed, 0600)
}

// Load reads and opens a sealed identity from filename.
func Load(filename string, passphrase string) (*zkidentity.FullIdentity, error) {
	packed, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Open(packed, passphrase)
}

// Exists returns true if an identity blob is already on disk.
func Exists(filename string) bool {
	_, err := os.Stat(filename)
	return err == nil
}

// Zero out a byte slice.
func zero(in []byte) {
	for i := 0; i < len(in); i++ {
		in[i] ^= in[i]
	}
}
