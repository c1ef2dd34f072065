// Package ticket encodes and decodes the short textual artifact a
// sender prints and a receiver pastes to establish a session: a remote
// identity bound to a freshly generated master secret.
package ticket

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/flapfile/flap/internal/flaperr"
)

const prefix = "flap"

// MasterSecretSize is the size, in bytes, of a freshly generated master
// secret. It is never transmitted except as the hex segment of a ticket.
const MasterSecretSize = 32

// MasterSecret is 32 random bytes generated per sender instance and used
// only as HKDF input. Its Stringer/GoString forms are redacted so it
// never leaks into logs by accident.
type MasterSecret [MasterSecretSize]byte

// GenerateMasterSecret returns a fresh random MasterSecret.
func GenerateMasterSecret() (MasterSecret, error) {
	var s MasterSecret
	if _, err := rand.Read(s[:]); err != nil {
		return MasterSecret{}, fmt.Errorf("%w: generate master secret: %w", flaperr.ErrTicketParse, err)
	}
	return s, nil
}

func (MasterSecret) String() string   { return "MasterSecret([REDACTED])" }
func (MasterSecret) GoString() string { return "MasterSecret([REDACTED])" }

// Ticket binds a remote identity's long-term public key to the master
// secret shared for that session.
type Ticket struct {
	Identity ed25519.PublicKey
	Secret   MasterSecret
}

// Make constructs a Ticket from an identity and master secret.
func Make(identity ed25519.PublicKey, secret MasterSecret) Ticket {
	return Ticket{Identity: identity, Secret: secret}
}

// Encode produces the canonical "flap/<base64url(pubkey)>/<hex(secret)>"
// form, with no padding on the base64url segment.
func Encode(t Ticket) string {
	id := base64.RawURLEncoding.EncodeToString(t.Identity)
	secret := hex.EncodeToString(t.Secret[:])
	return strings.Join([]string{prefix, id, secret}, "/")
}

// Parse rejects any string that isn't exactly three slash-delimited
// segments "flap", a 32-byte base64url(no padding)-encoded identity, and
// a 32-byte hex-encoded secret.
func Parse(s string) (Ticket, error) {
	segments := strings.Split(s, "/")
	if len(segments) != 3 {
		return Ticket{}, flaperr.ErrTicketParse
	}
	if segments[0] != prefix {
		return Ticket{}, flaperr.ErrTicketParse
	}
	if segments[1] == "" || segments[2] == "" {
		return Ticket{}, flaperr.ErrTicketParse
	}

	idBytes, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil || len(idBytes) != ed25519.PublicKeySize {
		return Ticket{}, flaperr.ErrTicketParse
	}

	secretBytes, err := hex.DecodeString(segments[2])
	if err != nil || len(secretBytes) != MasterSecretSize {
		return Ticket{}, flaperr.ErrTicketParse
	}

	var secret MasterSecret
	copy(secret[:], secretBytes)

	return Ticket{
		Identity: ed25519.PublicKey(idBytes),
		Secret:   secret,
	}, nil
}
