// Package contenthash wraps BLAKE3 for incremental and resumable
// whole-file hashing, used to verify transfer integrity end to end.
package contenthash

import (
	"io"

	"lukechampine.com/blake3"
)

// Size is the length, in bytes, of a finalized content hash.
const Size = 32

// prefixReadBufSize is the chunk size used when replaying an existing
// file's prefix through the hasher during resume.
const prefixReadBufSize = 1 << 16

// Hash is a finalized BLAKE3 digest.
type Hash [Size]byte

// Hasher is a thin incremental wrapper over BLAKE3.
type Hasher struct {
	h *blake3.Hasher
}

// New returns a fresh Hasher.
func New() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

// Update feeds more bytes into the running hash.
func (h *Hasher) Update(data []byte) {
	h.h.Write(data) //nolint:errcheck // blake3.Hasher.Write never errors
}

// Finalize returns the digest of everything written so far.
func (h *Hasher) Finalize() Hash {
	var out Hash
	sum := h.h.Sum(nil)
	copy(out[:], sum)
	return out
}

// PrefixHash reads sequentially from r and feeds up to max bytes into a
// fresh Hasher. A nil max means "read until EOF". This supports
// resumable transfers: the sender rebuilds the prefix hash over the
// first receivedOffset bytes so the final hash comparison succeeds once
// the newly received tail is appended.
func PrefixHash(r io.Reader, max *int64) (*Hasher, error) {
	h := New()
	buf := make([]byte, prefixReadBufSize)

	var remaining int64 = -1
	if max != nil {
		remaining = *max
	}

	for remaining != 0 {
		n := len(buf)
		if remaining >= 0 && int64(n) > remaining {
			n = int(remaining)
		}
		read, err := r.Read(buf[:n])
		if read > 0 {
			h.Update(buf[:read])
			if remaining >= 0 {
				remaining -= int64(read)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if read == 0 {
			break
		}
	}

	return h, nil
}
