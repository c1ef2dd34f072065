// Package securechannel establishes an authenticated, forward-secret,
// post-quantum hybrid transport over an arbitrary io.ReadWriteCloser.
//
// The classical leg is a Noise_KK_25519_ChaChaPoly_BLAKE2s handshake: both
// parties already know each other's static public key before it starts
// (the receiver from the ticket, the sender from the transport
// connection's remote identity), so KK needs only two messages. The
// identities are Ed25519 (flap's transport identity key everywhere else);
// they are converted to X25519 for the Noise static keys: the local key
// from SHA-512 of its seed with RFC 7748 clamping, the peer's public key
// through the Edwards-to-Montgomery birational map.
//
// Layered around the classical handshake is a Kyber1024 KEM exchange: the
// initiator's ephemeral Kyber1024 public key rides as the payload of Noise
// message one, the responder's ciphertext rides as the payload of message
// two. Once both legs complete, one transport key per direction is derived
// by HKDF-SHA256 with the Kyber1024 shared secret as input keying material
// and the Noise handshake hash as salt, so a break of either the classical DH or the
// lattice problem alone is insufficient to recover the session. The Noise
// CipherStates produced by the handshake are discarded; flap always speaks
// ChaCha20-Poly1305 directly so that the post-handshake key can be remixed
// with the KEM secret. The Noise handshake hash alone (not the hybrid
// remix) doubles as the transfer's TransferId, since it already binds the
// identities, ephemeral keys, preshared secret and prologue.
package securechannel

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"filippo.io/edwards25519"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/flapfile/flap/internal/flaperr"
	"github.com/flapfile/flap/internal/frame"
	"github.com/flapfile/flap/internal/keys"
)

// MaxRecordLength is the largest ciphertext a single length-prefixed
// transport record may carry, matching frame.MaxMessage.
const MaxRecordLength = frame.MaxMessage

const (
	infoInitiatorToResponder = "flap_hfs_i2r"
	infoResponderToInitiator = "flap_hfs_r2i"
)

var noiseCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// TransferId uniquely identifies one transfer session. It is the Noise
// handshake hash of the classical leg.
type TransferId [32]byte

func (t TransferId) String() string {
	return fmt.Sprintf("%x", t[:])
}

// Channel is an authenticated, encrypted duplex stream, ready to carry
// frame.Frame records once the hybrid handshake completes.
type Channel struct {
	conn io.ReadWriteCloser

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD

	sendCounter uint64
	recvCounter uint64

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
}

// Dial performs the initiator side of the handshake over conn, using the
// FileKey derived from the ticket's master secret as the Noise preshared
// key and streamID as the prologue binding this handshake to one specific
// substream.
func Dial(conn io.ReadWriteCloser, local ed25519.PrivateKey, remote ed25519.PublicKey, psk keys.FileKey, streamID uint64) (*Channel, TransferId, error) {
	return handshake(conn, local, remote, psk, streamID, true)
}

// Accept performs the responder side of the handshake over conn.
func Accept(conn io.ReadWriteCloser, local ed25519.PrivateKey, remote ed25519.PublicKey, psk keys.FileKey, streamID uint64) (*Channel, TransferId, error) {
	return handshake(conn, local, remote, psk, streamID, false)
}

func handshake(conn io.ReadWriteCloser, local ed25519.PrivateKey, remote ed25519.PublicKey, psk keys.FileKey, streamID uint64, initiator bool) (*Channel, TransferId, error) {
	localPriv, localPub, err := x25519FromEd25519Private(local)
	if err != nil {
		return nil, TransferId{}, fmt.Errorf("%w: local static key: %w", flaperr.ErrCrypto, err)
	}
	remotePub, err := x25519FromEd25519Public(remote)
	if err != nil {
		return nil, TransferId{}, fmt.Errorf("%w: remote static key: %w", flaperr.ErrCrypto, err)
	}

	prologue := make([]byte, 8)
	binary.BigEndian.PutUint64(prologue, streamID)

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:           noiseCipherSuite,
		Pattern:               noise.HandshakeKK,
		Initiator:             initiator,
		StaticKeypair:         noise.DHKey{Private: localPriv, Public: localPub},
		PeerStatic:            remotePub,
		Prologue:              prologue,
		PresharedKey:          psk[:],
		PresharedKeyPlacement: 2,
	})
	if err != nil {
		return nil, TransferId{}, fmt.Errorf("%w: init handshake: %w", flaperr.ErrHandshakeFailed, err)
	}

	var kyberSecret []byte
	if initiator {
		kyberSecret, err = dialKEMLeg(conn, hs)
	} else {
		kyberSecret, err = acceptKEMLeg(conn, hs)
	}
	if err != nil {
		return nil, TransferId{}, err
	}

	var transferID TransferId
	copy(transferID[:], hs.ChannelBinding())

	sendKey, recvKey, err := deriveTransportKeys(hs.ChannelBinding(), kyberSecret, initiator)
	if err != nil {
		return nil, TransferId{}, fmt.Errorf("%w: derive transport keys: %w", flaperr.ErrCrypto, err)
	}

	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, TransferId{}, fmt.Errorf("%w: %w", flaperr.ErrCrypto, err)
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, TransferId{}, fmt.Errorf("%w: %w", flaperr.ErrCrypto, err)
	}

	return &Channel{conn: conn, sendAEAD: sendAEAD, recvAEAD: recvAEAD}, transferID, nil
}

// dialKEMLeg drives the initiator's half of the interleaved Noise/Kyber
// exchange: message one carries our Kyber1024 public key, message two
// (which completes the KK handshake) carries the responder's ciphertext.
func dialKEMLeg(conn io.ReadWriteCloser, hs *noise.HandshakeState) ([]byte, error) {
	kemPub, kemPriv, err := kyber1024.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate kyber1024 keypair: %w", flaperr.ErrCrypto, err)
	}
	kemPubBytes := make([]byte, kyber1024.PublicKeySize)
	kemPub.Pack(kemPubBytes)

	msg1, _, _, err := hs.WriteMessage(nil, kemPubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: write message 1: %w", flaperr.ErrHandshakeFailed, err)
	}
	if err := writeRecord(conn, msg1); err != nil {
		return nil, fmt.Errorf("%w: send message 1: %w", flaperr.ErrHandshakeFailed, err)
	}

	msg2, err := readRecord(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: recv message 2: %w", flaperr.ErrHandshakeFailed, err)
	}
	ciphertext, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("%w: read message 2: %w", flaperr.ErrHandshakeFailed, err)
	}
	if len(ciphertext) != kyber1024.CiphertextSize {
		return nil, fmt.Errorf("%w: malformed kyber1024 ciphertext", flaperr.ErrHandshakeFailed)
	}

	sharedSecret := make([]byte, kyber1024.SharedKeySize)
	kemPriv.DecapsulateTo(sharedSecret, ciphertext)
	return sharedSecret, nil
}

// acceptKEMLeg drives the responder's half: message one (read) carries the
// initiator's Kyber1024 public key, message two (written, completing the
// handshake) carries our encapsulation against it.
func acceptKEMLeg(conn io.ReadWriteCloser, hs *noise.HandshakeState) ([]byte, error) {
	msg1, err := readRecord(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: recv message 1: %w", flaperr.ErrHandshakeFailed, err)
	}
	kemPubBytes, _, _, err := hs.ReadMessage(nil, msg1)
	if err != nil {
		return nil, fmt.Errorf("%w: read message 1: %w", flaperr.ErrHandshakeFailed, err)
	}
	if len(kemPubBytes) != kyber1024.PublicKeySize {
		return nil, fmt.Errorf("%w: malformed kyber1024 public key", flaperr.ErrHandshakeFailed)
	}

	var peerKemPub kyber1024.PublicKey
	peerKemPub.Unpack(kemPubBytes)

	ciphertext := make([]byte, kyber1024.CiphertextSize)
	sharedSecret := make([]byte, kyber1024.SharedKeySize)
	peerKemPub.EncapsulateTo(ciphertext, sharedSecret, nil)

	msg2, _, _, err := hs.WriteMessage(nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: write message 2: %w", flaperr.ErrHandshakeFailed, err)
	}
	if err := writeRecord(conn, msg2); err != nil {
		return nil, fmt.Errorf("%w: send message 2: %w", flaperr.ErrHandshakeFailed, err)
	}

	return sharedSecret, nil
}

func deriveTransportKeys(handshakeHash, kyberSecret []byte, initiator bool) (sendKey, recvKey []byte, err error) {
	sendInfo, recvInfo := infoResponderToInitiator, infoInitiatorToResponder
	if initiator {
		sendInfo, recvInfo = infoInitiatorToResponder, infoResponderToInitiator
	}
	if sendKey, err = hkdfExpand(kyberSecret, handshakeHash, sendInfo); err != nil {
		return nil, nil, err
	}
	if recvKey, err = hkdfExpand(kyberSecret, handshakeHash, recvInfo); err != nil {
		return nil, nil, err
	}
	return sendKey, recvKey, nil
}

func hkdfExpand(ikm, salt []byte, info string) ([]byte, error) {
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

func x25519FromEd25519Private(priv ed25519.PrivateKey) (privBytes, pubBytes []byte, err error) {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	scalar := make([]byte, 32)
	copy(scalar, h[:32])

	curve := ecdh.X25519()
	key, err := curve.NewPrivateKey(scalar)
	if err != nil {
		return nil, nil, fmt.Errorf("derive x25519 private key: %w", err)
	}
	return scalar, key.PublicKey().Bytes(), nil
}

func x25519FromEd25519Public(pub ed25519.PublicKey) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	return point.BytesMontgomery(), nil
}

func writeRecord(conn io.Writer, b []byte) error {
	if len(b) > MaxRecordLength {
		return fmt.Errorf("%w: record of %d bytes exceeds max length", flaperr.ErrProtocol, len(b))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

func readRecord(conn io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func nonceFor(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], counter)
	return nonce
}

// WriteFrame encrypts and sends one frame. Safe for concurrent use with
// ReadFrame and with other writers: writes are serialized by writeMu.
func (c *Channel) WriteFrame(f frame.Frame) error {
	plaintext, err := frame.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	nonce := nonceFor(c.sendCounter)
	ciphertext := c.sendAEAD.Seal(nil, nonce[:], plaintext, nil)
	if err := writeRecord(c.conn, ciphertext); err != nil {
		return fmt.Errorf("%w: %w", flaperr.ErrTransport, err)
	}
	c.sendCounter++
	return nil
}

// ReadFrame receives and decrypts one frame.
func (c *Channel) ReadFrame() (frame.Frame, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	ciphertext, err := readRecord(c.conn)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %w", flaperr.ErrTransport, err)
	}

	nonce := nonceFor(c.recvCounter)
	plaintext, err := c.recvAEAD.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: frame authentication failed: %w", flaperr.ErrCrypto, err)
	}
	c.recvCounter++

	f, err := frame.Decode(plaintext)
	if err != nil {
		return frame.Frame{}, err
	}
	return f, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
