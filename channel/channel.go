// Copyright (c) 2018 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// channel implements the encrypted frame layer that runs on top of a
// completed handshake.  Every frame carries random padding followed by
// tagged content; content is either opaque user data, handed to the caller,
// or a Rekey structure, consumed internally to rotate the symmetric keys
// without interrupting the channel.
//
// Rekeying is mutual.  A peer that wants to rotate sends a Rekey carrying a
// fresh ephemeral DH public key and a fresh key salt and keeps using the
// current keys.  A peer that receives a Rekey while it has none of its own
// in flight immediately answers with its own Rekey and swaps; the initiator
// swaps when the answer arrives.  Both sides derive the next generation from
// the new shared secret and both salts in lexicographic order.  The previous
// receive key is retained so frames sealed just before the peer's swap still
// open; it is dropped the moment a frame authenticates under the current
// key, after which stale frames are rejected.
package channel

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/companyzero/zkchannel/handshake"
	"github.com/companyzero/zkchannel/wire"
	"github.com/davecgh/go-xdr/xdr2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrDecrypt is returned when a frame fails to authenticate under
	// every acceptable key.  The channel is dead; it does not reveal
	// which key failed.
	ErrDecrypt = errors.New("decrypt failure")

	// ErrRekey is returned for malformed or replayed rekey content.
	// Continuing on old keys would defeat forward secrecy, so the
	// channel is dead.
	ErrRekey = errors.New("rekey failure")

	ErrOverflow = errors.New("message too large")
	ErrClosed   = errors.New("channel closed")
)

var (
	rekeyMagic = []byte("zkchannel rekey\x00")

	prng = rand.Reader
)

// DefaultMaxPadding bounds the random padding drawn for a frame when no
// policy is supplied.
const DefaultMaxPadding = 512

// Channel is one end of a live secure channel.  It is safe for one reader
// and one writer goroutine; instances share no state with each other.
type Channel struct {
	mtx sync.Mutex

	conn           net.Conn
	maxMessageSize uint

	sendKey  [32]byte
	recvKey  [32]byte
	writeSeq [24]byte
	readSeq  [24]byte

	// previous generation receive key, kept across exactly one rekey
	// swap for frames sealed before the peer swapped
	prevRecvKey *[32]byte
	prevReadSeq [24]byte

	generation uint32
	pending    *pendingRekey

	paddingLength func() (int, error)
	closed        bool
}

// pendingRekey holds the ephemeral half of a locally initiated rekey until
// the peer's answer arrives.
type pendingRekey struct {
	priv [32]byte
	salt [wire.KeySaltSize]byte
}

func (p *pendingRekey) zero() {
	zeroBytes(p.priv[:])
	zeroBytes(p.salt[:])
}

// New wraps an established connection with the key material produced by a
// completed handshake.  The channel takes ownership of the keys and wipes
// the caller's copy.
func New(conn net.Conn, keys *handshake.KeyMaterial, maxMessageSize uint) *Channel {
	c := &Channel{
		conn:           conn,
		maxMessageSize: maxMessageSize,
		paddingLength:  RandomPadding(DefaultMaxPadding),
	}
	copy(c.sendKey[:], keys.SendKey[:])
	copy(c.recvKey[:], keys.RecvKey[:])
	keys.Zero()
	return c
}

// SetPaddingPolicy overrides how many padding bytes a frame carries.  The
// returned length must not be a deterministic function of content length.
func (c *Channel) SetPaddingPolicy(f func() (int, error)) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.paddingLength = f
}

// RandomPadding returns a padding policy that draws a length from [0, max]
// using the CSPRNG.  A max of 0 disables padding; channels start out with
// RandomPadding(DefaultMaxPadding).
func RandomPadding(max int) func() (int, error) {
	if max <= 0 {
		return func() (int, error) {
			return 0, nil
		}
	}
	return func() (int, error) {
		var b [8]byte
		if _, err := io.ReadFull(prng, b[:]); err != nil {
			return 0, err
		}
		return int(binary.BigEndian.Uint64(b[:]) % uint64(max+1)), nil
	}
}

func (c *Channel) SetWriteDeadline(t time.Time) {
	c.conn.SetWriteDeadline(t)
}

func (c *Channel) SetReadDeadline(t time.Time) {
	c.conn.SetReadDeadline(t)
}

// Generation returns the number of completed rekeys.
func (c *Channel) Generation() uint32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.generation
}

// Send seals opaque user data into a padded frame and writes it out.
func (c *Channel) Send(data []byte) error {
	content := wire.ChannelContent{
		Command:  wire.ContentUserData,
		UserData: data,
	}
	return c.sendContent(&content)
}

func (c *Channel) sendContent(content *wire.ChannelContent) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.sendContentLocked(content)
}

func (c *Channel) sendContentLocked(content *wire.ChannelContent) error {
	if c.closed {
		return ErrClosed
	}

	n, err := c.paddingLength()
	if err != nil {
		return err
	}
	cm := wire.ChannelMessage{
		RandPadding: make([]byte, n),
		Content:     *content,
	}
	if _, err = io.ReadFull(prng, cm.RandPadding); err != nil {
		return err
	}

	plaintext, err := cm.Marshal()
	if err != nil {
		return err
	}

	sealed := secretbox.Seal(nil, plaintext, &c.writeSeq, &c.sendKey)
	incSeq(&c.writeSeq)
	zeroBytes(plaintext)
	if uint(len(sealed)) > c.maxMessageSize {
		return ErrOverflow
	}

	if _, err = xdr.Marshal(c.conn, sealed); err != nil {
		return wire.ErrMarshal
	}
	return nil
}

// Receive reads frames until one carries user data and returns it.  Rekey
// content is consumed internally.  Any error is fatal to the channel; the
// caller must Close and tear down the transport.
func (c *Channel) Receive() ([]byte, error) {
	for {
		var sealed []byte
		_, err := xdr.UnmarshalLimited(c.conn, &sealed, c.maxMessageSize)
		if err != nil {
			return nil, wire.ErrUnmarshal
		}

		data, err := c.open(sealed)
		if err != nil {
			return nil, err
		}

		cm, err := wire.UnmarshalChannelMessage(data)
		zeroBytes(data)
		if err != nil {
			return nil, err
		}

		switch cm.Content.Command {
		case wire.ContentUserData:
			return cm.Content.UserData, nil
		case wire.ContentRekey:
			if err = c.onRekey(&cm.Content.Rekey); err != nil {
				return nil, err
			}
		default:
			return nil, wire.ErrContent
		}
	}
}

// open authenticates a frame under the current receive key, falling back to
// the previous generation during a rekey race.  A frame that authenticates
// under the current key retires the previous one for good.
func (c *Channel) open(sealed []byte) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	data, ok := secretbox.Open(nil, sealed, &c.readSeq, &c.recvKey)
	if ok {
		incSeq(&c.readSeq)
		if c.prevRecvKey != nil {
			zeroBytes(c.prevRecvKey[:])
			c.prevRecvKey = nil
		}
		return data, nil
	}

	if c.prevRecvKey != nil {
		data, ok = secretbox.Open(nil, sealed, &c.prevReadSeq,
			c.prevRecvKey)
		if ok {
			incSeq(&c.prevReadSeq)
			return data, nil
		}
	}

	return nil, ErrDecrypt
}

// Rekey initiates a key rotation.  The new keys are not active until the
// peer's answering Rekey arrives; traffic continues under the current
// generation in the meantime.
func (c *Channel) Rekey() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.pending != nil {
		// rotation already in flight
		return nil
	}

	p := new(pendingRekey)
	if _, err := io.ReadFull(prng, p.priv[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(prng, p.salt[:]); err != nil {
		p.zero()
		return err
	}
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &p.priv)

	content := wire.ChannelContent{
		Command: wire.ContentRekey,
		Rekey: wire.Rekey{
			DhPublicKey: pub,
			KeySalt:     p.salt,
		},
	}
	if err := c.sendContentLocked(&content); err != nil {
		p.zero()
		return err
	}
	c.pending = p

	return nil
}

// onRekey consumes the peer's Rekey content.  With no local rotation in
// flight it answers with a fresh Rekey of its own before deriving; either
// way both sides end up deriving from the same DH pair and salt pair.
func (c *Channel) onRekey(r *wire.Rekey) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return ErrClosed
	}

	p := c.pending
	if p == nil {
		p = new(pendingRekey)
		if _, err := io.ReadFull(prng, p.priv[:]); err != nil {
			return err
		}
		if _, err := io.ReadFull(prng, p.salt[:]); err != nil {
			p.zero()
			return err
		}
		var pub [32]byte
		curve25519.ScalarBaseMult(&pub, &p.priv)

		content := wire.ChannelContent{
			Command: wire.ContentRekey,
			Rekey: wire.Rekey{
				DhPublicKey: pub,
				KeySalt:     p.salt,
			},
		}
		if err := c.sendContentLocked(&content); err != nil {
			p.zero()
			return err
		}
	}
	c.pending = nil

	err := c.swapKeys(p, r)
	p.zero()
	return err
}

// swapKeys derives the next generation from the pending local ephemeral and
// the peer's Rekey and atomically replaces the active keys.  The old keys
// stay valid until derivation succeeds; there is no window with no usable
// key.
func (c *Channel) swapKeys(p *pendingRekey, r *wire.Rekey) error {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &p.priv, &r.DhPublicKey)
	defer zeroBytes(shared[:])

	// an all zero shared secret means a degenerate peer public key
	var zeroShared [32]byte
	if subtle.ConstantTimeCompare(shared[:], zeroShared[:]) == 1 {
		return ErrRekey
	}

	var salt []byte
	var first bool
	switch c2 := bytes.Compare(p.salt[:], r.KeySalt[:]); {
	case c2 < 0:
		salt = append(p.salt[:], r.KeySalt[:]...)
		first = true
	case c2 > 0:
		salt = append(r.KeySalt[:], p.salt[:]...)
	default:
		// reflected or replayed rekey
		return ErrRekey
	}

	info := make([]byte, 0, len(rekeyMagic)+4)
	info = append(info, rekeyMagic...)
	var gen [4]byte
	binary.BigEndian.PutUint32(gen[:], c.generation+1)
	info = append(info, gen[:]...)

	var k [64]byte
	kdf := hkdf.New(sha256.New, shared[:], salt, info)
	if _, err := io.ReadFull(kdf, k[:]); err != nil {
		return err
	}
	defer zeroBytes(k[:])

	// retire the current receive key for the race window
	if c.prevRecvKey == nil {
		c.prevRecvKey = new([32]byte)
	}
	copy(c.prevRecvKey[:], c.recvKey[:])
	c.prevReadSeq = c.readSeq

	if first {
		copy(c.sendKey[:], k[:32])
		copy(c.recvKey[:], k[32:])
	} else {
		copy(c.sendKey[:], k[32:])
		copy(c.recvKey[:], k[:32])
	}
	zeroSeq(&c.writeSeq)
	zeroSeq(&c.readSeq)
	c.generation++

	return nil
}

// Close wipes every key generation held by the channel.  The underlying
// connection is left to the caller.
func (c *Channel) Close() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	zeroBytes(c.sendKey[:])
	zeroBytes(c.recvKey[:])
	if c.prevRecvKey != nil {
		zeroBytes(c.prevRecvKey[:])
		c.prevRecvKey = nil
	}
	if c.pending != nil {
		c.pending.zero()
		c.pending = nil
	}
}

// incSeq increments the provided nonce.
func incSeq(seq *[24]byte) {
	n := uint32(1)
	for i := 0; i < 8; i++ {
		n += uint32(seq[i])
		seq[i] = byte(n)
		n >>= 8
	}
}

func zeroSeq(seq *[24]byte) {
	zeroBytes(seq[:])
}

// Zero out a byte slice.
func zeroBytes(in []byte) {
	for i := 0; i < len(in); i++ {
		in[i] ^= in[i]
	}
}
