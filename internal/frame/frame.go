// Package frame implements the tagged-variant wire frames exchanged
// over a SecureChannel once the Noise handshake completes: file data,
// resume requests, metadata announcements, and completion markers.
package frame

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/flapfile/flap/internal/contenthash"
	"github.com/flapfile/flap/internal/flaperr"
)

// Tag identifies a frame's variant.
type Tag byte

const (
	TagFileData          Tag = 0x01
	TagPleaseSendFile    Tag = 0x02
	TagIWillSendThisFile Tag = 0x03
	TagTransferComplete  Tag = 0x04
)

// MaxMessage is the maximum Noise message length; frame plaintext must
// leave room for the AEAD auth tag within one u16-prefixed record.
const MaxMessage = 65535

// AEADOverhead is the authentication tag length a SecureChannel adds to
// every encrypted frame.
const AEADOverhead = 16

// MaxMetadataLength is the maximum encoded length of file metadata.
const MaxMetadataLength = 1 << 13

// Metadata describes the file about to be transferred.
type Metadata struct {
	FileSize uint64
	FileName string
}

// Encode serializes metadata as u64 BE size || UTF-8 name bytes.
func (m Metadata) Encode() ([]byte, error) {
	if !utf8.ValidString(m.FileName) {
		return nil, fmt.Errorf("%w: file name is not valid UTF-8", flaperr.ErrSerialization)
	}
	out := make([]byte, 8+len(m.FileName))
	binary.BigEndian.PutUint64(out[:8], m.FileSize)
	copy(out[8:], m.FileName)
	if len(out) > MaxMetadataLength {
		return nil, fmt.Errorf("%w: metadata length %d exceeds %d byte limit", flaperr.ErrSerialization, len(out), MaxMetadataLength)
	}
	return out, nil
}

func decodeMetadata(b []byte) (Metadata, error) {
	if len(b) < 8 {
		return Metadata{}, fmt.Errorf("%w: truncated metadata", flaperr.ErrSerialization)
	}
	if len(b) > MaxMetadataLength {
		return Metadata{}, fmt.Errorf("%w: metadata length %d exceeds %d byte limit", flaperr.ErrSerialization, len(b), MaxMetadataLength)
	}
	size := binary.BigEndian.Uint64(b[:8])
	name := b[8:]
	if !utf8.Valid(name) {
		return Metadata{}, fmt.Errorf("%w: file name is not valid UTF-8", flaperr.ErrSerialization)
	}
	return Metadata{FileSize: size, FileName: string(name)}, nil
}

// Frame is one tagged wire message. Exactly one of the typed fields is
// meaningful, selected by Tag.
type Frame struct {
	Tag          Tag
	FileData     []byte
	ResumeOffset uint64
	Metadata     Metadata
	TransferHash contenthash.Hash
}

// FileDataFrame constructs a FileData frame.
func FileDataFrame(data []byte) Frame {
	return Frame{Tag: TagFileData, FileData: data}
}

// PleaseSendFileFrame constructs a resume-offset request frame.
func PleaseSendFileFrame(offset uint64) Frame {
	return Frame{Tag: TagPleaseSendFile, ResumeOffset: offset}
}

// IWillSendThisFileFrame constructs a metadata announcement frame.
func IWillSendThisFileFrame(meta Metadata) Frame {
	return Frame{Tag: TagIWillSendThisFile, Metadata: meta}
}

// TransferCompleteFrame constructs a completion frame carrying the sender's
// claimed content hash.
func TransferCompleteFrame(hash contenthash.Hash) Frame {
	return Frame{Tag: TagTransferComplete, TransferHash: hash}
}

// Encode serializes a Frame as its leading tag byte followed by the
// variant's payload. The result always fits within MaxMessage minus the
// caller's AEAD overhead budget.
func Encode(f Frame) ([]byte, error) {
	switch f.Tag {
	case TagFileData:
		if 1+len(f.FileData) > MaxMessage-AEADOverhead {
			return nil, fmt.Errorf("%w: file data frame too large", flaperr.ErrSerialization)
		}
		out := make([]byte, 1+len(f.FileData))
		out[0] = byte(TagFileData)
		copy(out[1:], f.FileData)
		return out, nil

	case TagPleaseSendFile:
		out := make([]byte, 9)
		out[0] = byte(TagPleaseSendFile)
		binary.BigEndian.PutUint64(out[1:], f.ResumeOffset)
		return out, nil

	case TagIWillSendThisFile:
		meta, err := f.Metadata.Encode()
		if err != nil {
			return nil, err
		}
		out := make([]byte, 1+len(meta))
		out[0] = byte(TagIWillSendThisFile)
		copy(out[1:], meta)
		return out, nil

	case TagTransferComplete:
		out := make([]byte, 1+contenthash.Size)
		out[0] = byte(TagTransferComplete)
		copy(out[1:], f.TransferHash[:])
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown frame tag %#x", flaperr.ErrSerialization, f.Tag)
	}
}

// Decode parses a Frame from its wire bytes, rejecting unknown tags and
// truncated payloads.
func Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", flaperr.ErrSerialization)
	}
	if len(b) > MaxMessage {
		return Frame{}, fmt.Errorf("%w: frame exceeds max message size", flaperr.ErrSerialization)
	}

	tag := Tag(b[0])
	payload := b[1:]

	switch tag {
	case TagFileData:
		data := make([]byte, len(payload))
		copy(data, payload)
		return FileDataFrame(data), nil

	case TagPleaseSendFile:
		if len(payload) != 8 {
			return Frame{}, fmt.Errorf("%w: truncated resume-offset frame", flaperr.ErrSerialization)
		}
		return PleaseSendFileFrame(binary.BigEndian.Uint64(payload)), nil

	case TagIWillSendThisFile:
		meta, err := decodeMetadata(payload)
		if err != nil {
			return Frame{}, err
		}
		return IWillSendThisFileFrame(meta), nil

	case TagTransferComplete:
		if len(payload) != contenthash.Size {
			return Frame{}, fmt.Errorf("%w: truncated completion frame", flaperr.ErrSerialization)
		}
		var hash contenthash.Hash
		copy(hash[:], payload)
		return TransferCompleteFrame(hash), nil

	default:
		return Frame{}, fmt.Errorf("%w: unknown frame tag %#x", flaperr.ErrSerialization, tag)
	}
}
