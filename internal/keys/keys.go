// Package keys derives per-session and per-transfer key material from a
// ticket's master secret via HKDF-SHA256. Every derivation builds a
// fresh HKDF reader from scratch; none of it is held as shared state.
package keys

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	fileKeyInfo         = "flap_file_key"
	aeadStreamNonceInfo = "flap_aead_stream_nonce"

	// FileKeySize is the length of the per-session key shared by every
	// file in a ticket's session.
	FileKeySize = 32

	// AEADStreamNonceSize is the length of the historical AEAD stream
	// nonce. Retained only for the alternative, non-Noise channel
	// described in spec §9; the primary design does not use it.
	AEADStreamNonceSize = 19
)

// FileKey is used as the Noise pre-shared key at PSK position 2.
type FileKey [FileKeySize]byte

// DeriveFileKey expands the master secret into the per-session FileKey.
func DeriveFileKey(masterSecret []byte) (FileKey, error) {
	var key FileKey
	if err := expand(masterSecret, fileKeyInfo, key[:]); err != nil {
		return FileKey{}, err
	}
	return key, nil
}

// AEADStreamNonce is the historical derived nonce for a direct AEAD
// stream channel, kept only for callers implementing §9's alternative.
type AEADStreamNonce [AEADStreamNonceSize]byte

// DeriveAEADStreamNonce expands the master secret into the historical
// AEAD stream nonce.
func DeriveAEADStreamNonce(masterSecret []byte) (AEADStreamNonce, error) {
	var nonce AEADStreamNonce
	if err := expand(masterSecret, aeadStreamNonceInfo, nonce[:]); err != nil {
		return AEADStreamNonce{}, err
	}
	return nonce, nil
}

func expand(ikm []byte, info string, out []byte) error {
	reader := hkdf.New(sha256.New, ikm, nil, []byte(info))
	if _, err := io.ReadFull(reader, out); err != nil {
		return fmt.Errorf("keys: hkdf expand %q: %w", info, err)
	}
	return nil
}
