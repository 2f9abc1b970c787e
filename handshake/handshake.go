// Copyright (c) 2018 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// handshake drives the two step exchange that establishes a mutually
// authenticated, forward secret channel between two peers.  The process is
// as follows:
//	1. Each side sends ExchangeNonce carrying a fresh nonce and its long
//	   lived public identity, exactly once.
//	2. On receipt of the peer's ExchangeNonce each side generates an
//	   ephemeral curve25519 key pair and replies with ExchangeDh whose
//	   KeySalt echoes the peer's nonce and whose signature, made with the
//	   long lived identity key, covers the DH public key and the KeySalt.
//	3. On receipt of the peer's ExchangeDh each side verifies the
//	   signature, verifies the KeySalt equals the nonce it sent, computes
//	   the shared secret and derives directional symmetric keys.
//
// The signature over (DH public key, KeySalt) binds the ephemeral exchange
// to one handshake attempt and one identity; a captured ExchangeDh replayed
// against a fresh attempt carries a stale KeySalt and is rejected.  Both
// roles run identical logic; message interleaving between the two steps is
// permitted but no message is accepted twice.
package handshake

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/companyzero/zkchannel/wire"
	"github.com/companyzero/zkchannel/zkidentity"
	"github.com/davecgh/go-xdr/xdr2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrProtocol is returned for duplicate or out of order handshake
	// messages.  The attempt is dead; retry requires a new Handshake with
	// fresh nonces.
	ErrProtocol = errors.New("handshake protocol violation")

	// ErrAuthentication is returned when the peer's ExchangeDh does not
	// check out.  It deliberately does not distinguish a bad signature
	// from a stale key salt.
	ErrAuthentication = errors.New("handshake authentication failure")

	ErrNotEstablished = errors.New("handshake not established")
)

var (
	keysMagic = []byte("zkchannel keys\x00")

	prng = rand.Reader
)

// KeyMaterial holds the directional symmetric keys a completed handshake
// produces.  Both sides derive byte equal material; SendKey on one side
// equals RecvKey on the other.
type KeyMaterial struct {
	SendKey [32]byte
	RecvKey [32]byte
}

// Zero wipes the key material.
func (km *KeyMaterial) Zero() {
	if km == nil {
		return
	}
	zero(km.SendKey[:])
	zero(km.RecvKey[:])
}

// State describes how far a handshake has progressed.
type State int

const (
	StateInit State = iota
	StateSentNonce
	StateReceivedNonce
	StateSentDh
	StateEstablished
	StateFailed
)

// Handshake is a single handshake attempt.  It is message driven and owns
// no transport; Run provides a convenience driver over a net.Conn.  A
// Handshake must not be reused after it fails or establishes.
type Handshake struct {
	mtx sync.Mutex

	us   *zkidentity.FullIdentity
	them *zkidentity.PublicIdentity

	localNonce   [wire.NonceSize]byte
	peerNonce    [wire.NonceSize]byte
	localDhNonce [wire.NonceSize]byte
	peerDhNonce  [wire.NonceSize]byte

	ephPriv *[32]byte // nil once the shared secret is derived

	sentNonce bool
	recvNonce bool
	sentDh    bool
	recvDh    bool
	failed    bool

	keys *KeyMaterial
}

// New returns a handshake attempt on behalf of the provided identity.
func New(us *zkidentity.FullIdentity) *Handshake {
	return &Handshake{us: us}
}

// fail wipes all secrets generated during the attempt and marks it dead.
func (hs *Handshake) fail() {
	zero(hs.localNonce[:])
	zero(hs.peerNonce[:])
	zero(hs.localDhNonce[:])
	zero(hs.peerDhNonce[:])
	if hs.ephPriv != nil {
		zero(hs.ephPriv[:])
		hs.ephPriv = nil
	}
	hs.keys.Zero()
	hs.keys = nil
	hs.failed = true
}

// Begin generates the local nonce and returns the ExchangeNonce message to
// send to the peer.  It shall be called exactly once per attempt.
func (hs *Handshake) Begin() (*wire.ExchangeNonce, error) {
	hs.mtx.Lock()
	defer hs.mtx.Unlock()

	if hs.failed || hs.sentNonce {
		hs.fail()
		return nil, ErrProtocol
	}

	if _, err := io.ReadFull(prng, hs.localNonce[:]); err != nil {
		hs.fail()
		return nil, err
	}
	hs.sentNonce = true

	en := &wire.ExchangeNonce{PublicIdentity: hs.us.Public}
	copy(en.Nonce[:], hs.localNonce[:])
	return en, nil
}

// OnNonce consumes the peer's ExchangeNonce and returns the signed
// ExchangeDh reply.  A second ExchangeNonce within one attempt is a protocol
// violation and kills the attempt.
func (hs *Handshake) OnNonce(msg *wire.ExchangeNonce) (*wire.ExchangeDh, error) {
	hs.mtx.Lock()
	defer hs.mtx.Unlock()

	if hs.failed || hs.recvNonce {
		hs.fail()
		return nil, ErrProtocol
	}
	if !msg.PublicIdentity.Verify() {
		hs.fail()
		return nil, ErrAuthentication
	}
	hs.recvNonce = true
	copy(hs.peerNonce[:], msg.Nonce[:])
	them := msg.PublicIdentity
	hs.them = &them

	// ephemeral DH pair, private half lives only until the shared secret
	// is derived
	hs.ephPriv = new([32]byte)
	if _, err := io.ReadFull(prng, hs.ephPriv[:]); err != nil {
		hs.fail()
		return nil, err
	}
	var ephPub [32]byte
	curve25519.ScalarBaseMult(&ephPub, hs.ephPriv)

	if _, err := io.ReadFull(prng, hs.localDhNonce[:]); err != nil {
		hs.fail()
		return nil, err
	}

	ed := &wire.ExchangeDh{}
	copy(ed.DhPublicKey[:], ephPub[:])
	copy(ed.Nonce[:], hs.localDhNonce[:])
	copy(ed.KeySalt[:], hs.peerNonce[:])
	ed.Signature = hs.us.SignMessage(ed.SigMessage())
	hs.sentDh = true

	return ed, nil
}

// OnDh consumes the peer's ExchangeDh.  The signature is verified against
// the identity disclosed in the peer's ExchangeNonce and the key salt must
// equal the nonce this side sent; either failure aborts the attempt.  On
// success the shared secret is computed, symmetric keys are derived and the
// local ephemeral private key is wiped.
func (hs *Handshake) OnDh(msg *wire.ExchangeDh) error {
	hs.mtx.Lock()
	defer hs.mtx.Unlock()

	if hs.failed || hs.recvDh || !hs.recvNonce || hs.ephPriv == nil {
		hs.fail()
		return ErrProtocol
	}
	if !hs.sentNonce {
		// peer cannot know a nonce we never sent
		hs.fail()
		return ErrProtocol
	}

	sigOK := hs.them.VerifyMessage(msg.SigMessage(), msg.Signature)
	saltOK := hmac.Equal(msg.KeySalt[:], hs.localNonce[:])
	if !sigOK || !saltOK {
		hs.fail()
		return ErrAuthentication
	}
	hs.recvDh = true
	copy(hs.peerDhNonce[:], msg.Nonce[:])

	var shared [32]byte
	curve25519.ScalarMult(&shared, hs.ephPriv, &msg.DhPublicKey)
	zero(hs.ephPriv[:])
	hs.ephPriv = nil

	// a low order DH public key degenerates the shared secret to zero
	var zeroShared [32]byte
	if subtle.ConstantTimeCompare(shared[:], zeroShared[:]) == 1 {
		hs.fail()
		return ErrAuthentication
	}

	keys, err := deriveKeys(&shared, &hs.localNonce, &hs.peerNonce,
		&hs.localDhNonce, &hs.peerDhNonce)
	zero(shared[:])
	if err != nil {
		hs.fail()
		return err
	}
	hs.keys = keys

	return nil
}

// State returns the attempt's current state.
func (hs *Handshake) State() State {
	hs.mtx.Lock()
	defer hs.mtx.Unlock()

	switch {
	case hs.failed:
		return StateFailed
	case hs.sentDh && hs.recvDh:
		return StateEstablished
	case hs.sentDh && hs.sentNonce:
		return StateSentDh
	// a peer nonce can arrive before Begin; the attempt stays in
	// ReceivedNonce until the local nonce is out
	case hs.recvNonce:
		return StateReceivedNonce
	case hs.sentNonce:
		return StateSentNonce
	}
	return StateInit
}

// Established returns true once both sides' ExchangeDh messages have been
// sent and accepted.
func (hs *Handshake) Established() bool {
	return hs.State() == StateEstablished
}

// Keys returns the derived key material.  The caller takes ownership; the
// handshake drops its reference so a dead attempt cannot leak keys.
func (hs *Handshake) Keys() (*KeyMaterial, error) {
	hs.mtx.Lock()
	defer hs.mtx.Unlock()

	if hs.failed || !(hs.sentDh && hs.recvDh) || hs.keys == nil {
		return nil, ErrNotEstablished
	}
	keys := hs.keys
	hs.keys = nil
	return keys, nil
}

// TheirIdentity returns the peer identity disclosed during the handshake.
func (hs *Handshake) TheirIdentity() *zkidentity.PublicIdentity {
	hs.mtx.Lock()
	defer hs.mtx.Unlock()
	return hs.them
}

// Abort kills an in-flight attempt, wiping all generated secrets.  Values
// from an aborted attempt are never reused.
func (hs *Handshake) Abort() {
	hs.mtx.Lock()
	defer hs.mtx.Unlock()
	hs.fail()
}

// deriveKeys feeds the DH shared secret and all four handshake nonces into
// HKDF and splits the output into directional keys.  Nonces enter the KDF
// in lexicographic order so both sides derive byte equal material; the side
// that generated the smaller exchange nonce sends with the first subkey.
func deriveKeys(shared *[32]byte, localNonce, peerNonce, localDhNonce,
	peerDhNonce *[wire.NonceSize]byte) (*KeyMaterial, error) {

	local := append(localNonce[:], localDhNonce[:]...)
	peer := append(peerNonce[:], peerDhNonce[:]...)

	var salt []byte
	var first bool
	switch c := bytes.Compare(localNonce[:], peerNonce[:]); {
	case c < 0:
		salt = append(local, peer...)
		first = true
	case c > 0:
		salt = append(peer, local...)
	default:
		// equal nonces mean a reflected handshake
		return nil, ErrAuthentication
	}

	var k [64]byte
	kdf := hkdf.New(sha256.New, shared[:], salt, keysMagic)
	if _, err := io.ReadFull(kdf, k[:]); err != nil {
		return nil, err
	}

	km := new(KeyMaterial)
	if first {
		copy(km.SendKey[:], k[:32])
		copy(km.RecvKey[:], k[32:])
	} else {
		copy(km.SendKey[:], k[32:])
		copy(km.RecvKey[:], k[:32])
	}
	zero(k[:])

	return km, nil
}

// Run performs a complete handshake over an ordered stream.  Each side
// writes its ExchangeNonce, reads the peer's, writes its ExchangeDh and
// reads the peer's.  On success the derived keys and the peer identity are
// returned; on any error the connection must be torn down by the caller and
// every secret generated during the attempt has been wiped.
func (hs *Handshake) Run(conn net.Conn, maxMessageSize uint) (*KeyMaterial, *zkidentity.PublicIdentity, error) {
	en, err := hs.Begin()
	if err != nil {
		return nil, nil, err
	}
	if err = writeFrame(conn, en); err != nil {
		hs.Abort()
		return nil, nil, err
	}

	payload, err := readFrame(conn, maxMessageSize)
	if err != nil {
		hs.Abort()
		return nil, nil, err
	}
	theirNonce, err := wire.UnmarshalExchangeNonce(payload)
	if err != nil {
		hs.Abort()
		return nil, nil, err
	}

	ed, err := hs.OnNonce(theirNonce)
	if err != nil {
		return nil, nil, err
	}
	if err = writeFrame(conn, ed); err != nil {
		hs.Abort()
		return nil, nil, err
	}

	payload, err = readFrame(conn, maxMessageSize)
	if err != nil {
		hs.Abort()
		return nil, nil, err
	}
	theirDh, err := wire.UnmarshalExchangeDh(payload)
	if err != nil {
		hs.Abort()
		return nil, nil, err
	}
	if err = hs.OnDh(theirDh); err != nil {
		return nil, nil, err
	}

	keys, err := hs.Keys()
	if err != nil {
		return nil, nil, err
	}
	return keys, hs.TheirIdentity(), nil
}

type marshaler interface {
	Marshal() ([]byte, error)
}

func writeFrame(conn net.Conn, m marshaler) error {
	payload, err := m.Marshal()
	if err != nil {
		return err
	}
	_, err = xdr.Marshal(conn, payload)
	if err != nil {
		return wire.ErrMarshal
	}
	return nil
}

func readFrame(conn net.Conn, maxMessageSize uint) ([]byte, error) {
	var payload []byte
	_, err := xdr.UnmarshalLimited(conn, &payload, maxMessageSize)
	if err != nil {
		return nil, wire.ErrUnmarshal
	}
	return payload, nil
}

// Zero out a byte slice.
func zero(in []byte) {
	for i := 0; i < len(in); i++ {
		in[i] ^= in[i]
	}
}
