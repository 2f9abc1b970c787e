// Copyright (c) 2016,2018 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// zkidentity package manages public and private identities.
package zkidentity

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/agl/ed25519"
	"github.com/davecgh/go-xdr/xdr2"
)

var (
	prng = rand.Reader

	ErrVerify = errors.New("verify error")
)

const (
	IdentitySize = sha256.Size
)

// A zkchannel public identity consists of a name and nick (e.g "John Doe"
// and "jd" respectively) and an ed25519 public signature key.  The signature
// key is the peer's long lived identity; it signs the ephemeral DH exchange
// during a channel handshake and never encrypts anything itself.  An extra
// Identity field, taken as the SHA256 of the signature key, is used as a
// short handle to uniquely identify a peer.
type PublicIdentity struct {
	Name      string
	Nick      string
	SigKey    [ed25519.PublicKeySize]byte
	Identity  [sha256.Size]byte
	Digest    [sha256.Size]byte           // digest of name, key and identity
	Signature [ed25519.SignatureSize]byte // signature of Digest
}

type FullIdentity struct {
	Public        PublicIdentity
	PrivateSigKey [ed25519.PrivateKeySize]byte
}

func (fi *FullIdentity) Marshal() ([]byte, error) {
	b := &bytes.Buffer{}
	_, err := xdr.Marshal(b, fi)
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func UnmarshalFullIdentity(data []byte) (*FullIdentity, error) {
	br := bytes.NewReader(data)
	fi := FullIdentity{}
	_, err := xdr.Unmarshal(br, &fi)
	if err != nil {
		return nil, err
	}

	return &fi, nil
}

func New(name, nick string) (*FullIdentity, error) {
	ed25519Pub, ed25519Priv, err := ed25519.GenerateKey(prng)
	if err != nil {
		return nil, err
	}
	identity := sha256.Sum256(ed25519Pub[:])

	fi := new(FullIdentity)
	fi.Public.Name = name
	fi.Public.Nick = nick
	copy(fi.Public.SigKey[:], ed25519Pub[:])
	copy(fi.Public.Identity[:], identity[:])
	copy(fi.PrivateSigKey[:], ed25519Priv[:])
	err = fi.RecalculateDigest()
	if err != nil {
		return nil, err
	}

	zero(ed25519Pub[:])
	zero(ed25519Priv[:])

	return fi, nil
}

func Fingerprint(id [IdentitySize]byte) string {
	return base64.StdEncoding.EncodeToString(id[:])
}

func (fi *FullIdentity) RecalculateDigest() error {
	// calculate digest
	d := sha256.New()
	d.Write([]byte(fi.Public.Name))
	d.Write([]byte(fi.Public.Nick))
	d.Write(fi.Public.SigKey[:])
	d.Write(fi.Public.Identity[:])
	copy(fi.Public.Digest[:], d.Sum(nil))

	// sign and verify
	signature := ed25519.Sign(&fi.PrivateSigKey, fi.Public.Digest[:])
	copy(fi.Public.Signature[:], signature[:])
	if !fi.Public.Verify() {
		return fmt.Errorf("could not verify public signature")
	}

	return nil
}

// Zero wipes the private key material from the identity.
func (fi *FullIdentity) Zero() {
	zero(fi.PrivateSigKey[:])
}

func (fi *FullIdentity) SignMessage(message []byte) [ed25519.SignatureSize]byte {
	signature := ed25519.Sign(&fi.PrivateSigKey, message)
	return *signature
}

func (p PublicIdentity) VerifyMessage(msg []byte, sig [ed25519.SignatureSize]byte) bool {
	return ed25519.Verify(&p.SigKey, msg, &sig)
}

func (p PublicIdentity) String() string {
	return hex.EncodeToString(p.Identity[:])
}

func (p PublicIdentity) Fingerprint() string {
	return Fingerprint(p.Identity)
}

func (p *PublicIdentity) Verify() bool {
	d := sha256.New()
	d.Write([]byte(p.Name))
	d.Write([]byte(p.Nick))
	d.Write(p.SigKey[:])
	d.Write(p.Identity[:])
	if !bytes.Equal(p.Digest[:], d.Sum(nil)) {
		return false
	}

	// identity must be the digest of the signature key
	id := sha256.Sum256(p.SigKey[:])
	if !bytes.Equal(p.Identity[:], id[:]) {
		return false
	}

	return ed25519.Verify(&p.SigKey, p.Digest[:], &p.Signature)
}

func (p *PublicIdentity) Marshal() ([]byte, error) {
	b := &bytes.Buffer{}
	_, err := xdr.Marshal(b, p)
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func UnmarshalPublicIdentity(data []byte) (*PublicIdentity, error) {
	br := bytes.NewReader(data)
	pi := PublicIdentity{}
	_, err := xdr.Unmarshal(br, &pi)
	if err != nil {
		return nil, err
	}

	if !pi.Verify() {
		return nil, ErrVerify
	}

	return &pi, nil
}

// Zero out a byte slice.
func zero(in []byte) {
	if in == nil {
		return
	}
	for i := 0; i < len(in); i++ {
		in[i] ^= in[i]
	}
}
