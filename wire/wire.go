// Copyright (c) 2018 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// wire contains all structures that flow between two zkchannel peers.
//
// A channel has two discrete phases:
//	1. handshake phase, a two step exchange that binds an ephemeral DH
//	   exchange to both peers' long lived identities
//	2. channel phase, where all traffic is carried as encrypted
//	   ChannelMessage frames
//
// During the handshake each side sends exactly one ExchangeNonce followed by
// exactly one ExchangeDh.  The ExchangeDh KeySalt shall echo the nonce the
// peer disclosed in its ExchangeNonce and the signature shall cover the DH
// public key and the KeySalt.  Once the channel is up, Rekey structures flow
// as ordinary channel content; they need no signature since the surrounding
// channel is already authenticated.
//
// All structures are XDR encoded.
package wire

import (
	"bytes"
	"errors"

	"github.com/agl/ed25519"
	"github.com/companyzero/zkchannel/zkidentity"
	"github.com/davecgh/go-xdr/xdr2"
)

const (
	// NonceSize is the size of a handshake nonce.  A nonce is used
	// exactly once as the binding salt for the peer's signed DH exchange.
	NonceSize = 32

	// DHPublicSize is the size of a curve25519 public key.
	DHPublicSize = 32

	// KeySaltSize equals NonceSize; a key salt is always some peer's
	// nonce (handshake) or a fresh nonce-like value (rekey).
	KeySaltSize = 32

	// MaxMessageSize is the largest frame a peer accepts by default.
	MaxMessageSize = 1024 * 1024
)

var (
	ErrMarshal   = errors.New("could not marshal")
	ErrUnmarshal = errors.New("could not unmarshal")
	ErrContent   = errors.New("invalid channel content")
)

// ExchangeNonce is the first handshake message each side sends, exactly
// once.  It discloses the sender's long lived public identity and the nonce
// the peer must later echo, signed, in its ExchangeDh.
type ExchangeNonce struct {
	Nonce          [NonceSize]byte
	PublicIdentity zkidentity.PublicIdentity
}

// ExchangeDh is the second handshake message each side sends, exactly once,
// after receiving the peer's ExchangeNonce.  KeySalt shall equal the nonce
// received from the peer; Signature is an ed25519 signature by the sender's
// identity key over DhPublicKey followed by KeySalt.  Nonce is a fresh value
// that feeds key derivation alongside the key salt.
type ExchangeDh struct {
	DhPublicKey [DHPublicSize]byte
	Nonce       [NonceSize]byte
	KeySalt     [KeySaltSize]byte
	Signature   [ed25519.SignatureSize]byte
}

// SigMessage returns the exact byte string an ExchangeDh signature covers.
func (m *ExchangeDh) SigMessage() []byte {
	msg := make([]byte, 0, DHPublicSize+KeySaltSize)
	msg = append(msg, m.DhPublicKey[:]...)
	msg = append(msg, m.KeySalt[:]...)
	return msg
}

// Rekey replaces the channel's symmetric keys without renegotiating
// identity.  It is carried as channel content inside an encrypted frame.
type Rekey struct {
	DhPublicKey [DHPublicSize]byte
	KeySalt     [KeySaltSize]byte
}

// Channel content discriminators.
const (
	ContentRekey    = "rekey"
	ContentUserData = "userdata"
)

// ChannelContent is a tagged union.  Command selects exactly one of the
// payload fields; receivers shall dispatch on Command exhaustively and treat
// any other value as a protocol error.
type ChannelContent struct {
	Command  string // discriminator, one of the Content* constants
	Rekey    Rekey  // valid iff Command == ContentRekey
	UserData []byte // valid iff Command == ContentUserData
}

// ChannelMessage is the plaintext of every encrypted channel frame.  The
// padding is never interpreted; it only obscures the true content length
// from passive observers.
type ChannelMessage struct {
	RandPadding []byte
	Content     ChannelContent
}

func marshal(v interface{}) ([]byte, error) {
	b := &bytes.Buffer{}
	_, err := xdr.Marshal(b, v)
	if err != nil {
		return nil, ErrMarshal
	}
	return b.Bytes(), nil
}

func (m *ExchangeNonce) Marshal() ([]byte, error) {
	return marshal(m)
}

func UnmarshalExchangeNonce(data []byte) (*ExchangeNonce, error) {
	br := bytes.NewReader(data)
	en := ExchangeNonce{}
	_, err := xdr.Unmarshal(br, &en)
	if err != nil {
		return nil, ErrUnmarshal
	}
	if !en.PublicIdentity.Verify() {
		return nil, zkidentity.ErrVerify
	}
	return &en, nil
}

func (m *ExchangeDh) Marshal() ([]byte, error) {
	return marshal(m)
}

func UnmarshalExchangeDh(data []byte) (*ExchangeDh, error) {
	br := bytes.NewReader(data)
	ed := ExchangeDh{}
	_, err := xdr.Unmarshal(br, &ed)
	if err != nil {
		return nil, ErrUnmarshal
	}
	return &ed, nil
}

func (m *ChannelMessage) Marshal() ([]byte, error) {
	switch m.Content.Command {
	case ContentRekey, ContentUserData:
	default:
		return nil, ErrContent
	}
	return marshal(m)
}

func UnmarshalChannelMessage(data []byte) (*ChannelMessage, error) {
	br := bytes.NewReader(data)
	cm := ChannelMessage{}
	_, err := xdr.Unmarshal(br, &cm)
	if err != nil {
		return nil, ErrUnmarshal
	}
	switch cm.Content.Command {
	case ContentRekey, ContentUserData:
	default:
		return nil, ErrContent
	}
	return &cm, nil
}
