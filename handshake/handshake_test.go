// Copyright (c) 2018 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package handshake

import (
	"bytes"
	"net"
	"testing"

	"github.com/companyzero/zkchannel/wire"
	"github.com/companyzero/zkchannel/zkidentity"
	"golang.org/x/sync/errgroup"
)

func newIdentities(t *testing.T) (alice, bob *zkidentity.FullIdentity) {
	alice, err := zkidentity.New("Alice The Malice", "alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err = zkidentity.New("Bob The Builder", "bob")
	if err != nil {
		t.Fatal(err)
	}
	return alice, bob
}

// runPair drives two handshakes against each other message by message and
// returns both key materials.
func runPair(t *testing.T, hsA, hsB *Handshake) (*KeyMaterial, *KeyMaterial) {
	enA, err := hsA.Begin()
	if err != nil {
		t.Fatalf("alice Begin: %v", err)
	}
	enB, err := hsB.Begin()
	if err != nil {
		t.Fatalf("bob Begin: %v", err)
	}

	edA, err := hsA.OnNonce(enB)
	if err != nil {
		t.Fatalf("alice OnNonce: %v", err)
	}
	edB, err := hsB.OnNonce(enA)
	if err != nil {
		t.Fatalf("bob OnNonce: %v", err)
	}

	if err = hsA.OnDh(edB); err != nil {
		t.Fatalf("alice OnDh: %v", err)
	}
	if err = hsB.OnDh(edA); err != nil {
		t.Fatalf("bob OnDh: %v", err)
	}

	if !hsA.Established() || !hsB.Established() {
		t.Fatalf("not established: %v %v", hsA.State(), hsB.State())
	}

	keysA, err := hsA.Keys()
	if err != nil {
		t.Fatal(err)
	}
	keysB, err := hsB.Keys()
	if err != nil {
		t.Fatal(err)
	}
	return keysA, keysB
}

func TestHandshake(t *testing.T) {
	alice, bob := newIdentities(t)

	hsA := New(alice)
	hsB := New(bob)
	keysA, keysB := runPair(t, hsA, hsB)

	// both sides must derive byte equal, direction swapped material
	if !bytes.Equal(keysA.SendKey[:], keysB.RecvKey[:]) {
		t.Fatalf("alice send != bob recv")
	}
	if !bytes.Equal(keysA.RecvKey[:], keysB.SendKey[:]) {
		t.Fatalf("alice recv != bob send")
	}
	if bytes.Equal(keysA.SendKey[:], keysA.RecvKey[:]) {
		t.Fatalf("directions derived identical keys")
	}

	if hsA.TheirIdentity().Nick != "bob" {
		t.Fatalf("alice learned wrong identity")
	}
	if hsB.TheirIdentity().Nick != "alice" {
		t.Fatalf("bob learned wrong identity")
	}
}

// TestHandshakeInterleaved delivers both nonces before either DH message;
// ordering between the two steps must not matter.
func TestHandshakeInterleaved(t *testing.T) {
	alice, bob := newIdentities(t)

	hsA := New(alice)
	hsB := New(bob)

	enB, err := hsB.Begin()
	if err != nil {
		t.Fatal(err)
	}

	// alice sees bob's nonce before she sent her own
	edA, err := hsA.OnNonce(enB)
	if err != nil {
		t.Fatalf("alice OnNonce: %v", err)
	}
	if hsA.State() != StateReceivedNonce {
		t.Fatalf("expected StateReceivedNonce, got %v", hsA.State())
	}
	enA, err := hsA.Begin()
	if err != nil {
		t.Fatalf("alice Begin: %v", err)
	}
	if hsA.State() != StateSentDh {
		t.Fatalf("expected StateSentDh, got %v", hsA.State())
	}
	edB, err := hsB.OnNonce(enA)
	if err != nil {
		t.Fatalf("bob OnNonce: %v", err)
	}

	if err = hsA.OnDh(edB); err != nil {
		t.Fatalf("alice OnDh: %v", err)
	}
	if err = hsB.OnDh(edA); err != nil {
		t.Fatalf("bob OnDh: %v", err)
	}

	keysA, err := hsA.Keys()
	if err != nil {
		t.Fatal(err)
	}
	keysB, err := hsB.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(keysA.SendKey[:], keysB.RecvKey[:]) {
		t.Fatalf("alice send != bob recv")
	}
}

// TestKeySaltMismatch reproduces a peer that echoes its own nonce instead
// of ours.  The signature is genuine, the salt is wrong; the handshake must
// die with an authentication failure.
func TestKeySaltMismatch(t *testing.T) {
	alice, bob := newIdentities(t)

	hsA := New(alice)
	hsB := New(bob)

	enA, err := hsA.Begin()
	if err != nil {
		t.Fatal(err)
	}
	enB, err := hsB.Begin()
	if err != nil {
		t.Fatal(err)
	}

	edA, err := hsA.OnNonce(enB)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = hsB.OnNonce(enA); err != nil {
		t.Fatal(err)
	}

	// alice signs over her own DH nonce rather than bob's nonce
	copy(edA.KeySalt[:], edA.Nonce[:])
	edA.Signature = alice.SignMessage(edA.SigMessage())

	if err = hsB.OnDh(edA); err != ErrAuthentication {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if hsB.State() != StateFailed {
		t.Fatalf("handshake not failed")
	}
}

// TestReplay captures a valid ExchangeDh from one handshake and plays it
// into a fresh attempt between the same peers.  The stale key salt cannot
// match the new nonce and the attempt must die.
func TestReplay(t *testing.T) {
	alice, bob := newIdentities(t)

	hsA := New(alice)
	hsB := New(bob)

	enA, err := hsA.Begin()
	if err != nil {
		t.Fatal(err)
	}
	enB, err := hsB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	edA, err := hsA.OnNonce(enB)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = hsB.OnNonce(enA); err != nil {
		t.Fatal(err)
	}
	if err = hsB.OnDh(edA); err != nil {
		t.Fatalf("control handshake failed: %v", err)
	}

	// fresh attempt, fresh nonces
	hsA2 := New(alice)
	hsB2 := New(bob)
	enA2, err := hsA2.Begin()
	if err != nil {
		t.Fatal(err)
	}
	enB2, err := hsB2.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err = hsA2.OnNonce(enB2); err != nil {
		t.Fatal(err)
	}
	if _, err = hsB2.OnNonce(enA2); err != nil {
		t.Fatal(err)
	}

	// replay the captured ExchangeDh; its signature is genuine
	if err = hsB2.OnDh(edA); err != ErrAuthentication {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestBadSignature(t *testing.T) {
	alice, bob := newIdentities(t)

	hsA := New(alice)
	hsB := New(bob)

	enA, err := hsA.Begin()
	if err != nil {
		t.Fatal(err)
	}
	enB, err := hsB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	edA, err := hsA.OnNonce(enB)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = hsB.OnNonce(enA); err != nil {
		t.Fatal(err)
	}

	edA.Signature[0] ^= 0x01
	if err = hsB.OnDh(edA); err != ErrAuthentication {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

// TestDegenerateDh presents a correctly signed ExchangeDh whose DH public
// key is a low order point, which collapses the shared secret to all zeros.
func TestDegenerateDh(t *testing.T) {
	alice, bob := newIdentities(t)

	hsA := New(alice)
	hsB := New(bob)

	enA, err := hsA.Begin()
	if err != nil {
		t.Fatal(err)
	}
	enB, err := hsB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	edA, err := hsA.OnNonce(enB)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = hsB.OnNonce(enA); err != nil {
		t.Fatal(err)
	}

	// zero the public key and re-sign so only the DH contribution is bad
	zeroKey := [wire.DHPublicSize]byte{}
	copy(edA.DhPublicKey[:], zeroKey[:])
	edA.Signature = alice.SignMessage(edA.SigMessage())

	if err = hsB.OnDh(edA); err != ErrAuthentication {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if hsB.State() != StateFailed {
		t.Fatalf("handshake not failed")
	}
}

func TestDuplicateNonce(t *testing.T) {
	alice, bob := newIdentities(t)

	hsB := New(bob)
	hsA := New(alice)
	enA, err := hsA.Begin()
	if err != nil {
		t.Fatal(err)
	}

	if _, err = hsB.OnNonce(enA); err != nil {
		t.Fatal(err)
	}
	if _, err = hsB.OnNonce(enA); err != ErrProtocol {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}

	// the attempt is dead for good
	if _, err = hsB.Begin(); err != ErrProtocol {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if hsB.State() != StateFailed {
		t.Fatalf("handshake not failed")
	}
}

func TestDuplicateDh(t *testing.T) {
	alice, bob := newIdentities(t)

	hsA := New(alice)
	hsB := New(bob)

	enA, err := hsA.Begin()
	if err != nil {
		t.Fatal(err)
	}
	enB, err := hsB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	edA, err := hsA.OnNonce(enB)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = hsB.OnNonce(enA); err != nil {
		t.Fatal(err)
	}

	if err = hsB.OnDh(edA); err != nil {
		t.Fatal(err)
	}
	if err = hsB.OnDh(edA); err != ErrProtocol {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestDhBeforeNonce(t *testing.T) {
	_, bob := newIdentities(t)

	hsB := New(bob)
	if _, err := hsB.Begin(); err != nil {
		t.Fatal(err)
	}

	ed := &wire.ExchangeDh{}
	if err := hsB.OnDh(ed); err != ErrProtocol {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestBeginTwice(t *testing.T) {
	alice, _ := newIdentities(t)

	hsA := New(alice)
	if _, err := hsA.Begin(); err != nil {
		t.Fatal(err)
	}
	if _, err := hsA.Begin(); err != ErrProtocol {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestKeysBeforeEstablished(t *testing.T) {
	alice, _ := newIdentities(t)

	hsA := New(alice)
	if _, err := hsA.Begin(); err != nil {
		t.Fatal(err)
	}
	if _, err := hsA.Keys(); err != ErrNotEstablished {
		t.Fatalf("expected ErrNotEstablished, got %v", err)
	}
}

// TestRun exercises the net.Conn driver over a real TCP connection.
func TestRun(t *testing.T) {
	alice, bob := newIdentities(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	var keysB *KeyMaterial
	var themB *zkidentity.PublicIdentity
	eg := errgroup.Group{}
	eg.Go(func() error {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()

		hsB := New(bob)
		keysB, themB, err = hsB.Run(conn, wire.MaxMessageSize)
		return err
	})

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	hsA := New(alice)
	keysA, themA, err := hsA.Run(conn, wire.MaxMessageSize)
	if err != nil {
		t.Fatalf("initiator: %v", err)
	}
	if err = eg.Wait(); err != nil {
		t.Fatalf("responder: %v", err)
	}

	if !bytes.Equal(keysA.SendKey[:], keysB.RecvKey[:]) ||
		!bytes.Equal(keysA.RecvKey[:], keysB.SendKey[:]) {
		t.Fatalf("keys do not pair up")
	}
	if themA.Nick != "bob" || themB.Nick != "alice" {
		t.Fatalf("identities mixed up")
	}
}
