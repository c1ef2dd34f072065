// Package flaperr collects the sentinel errors shared across flap's
// packages. Errors are flat and wrapped with %w rather than carried
// through a stack-trace library.
package flaperr

import "errors"

var (
	// ErrTicketParse is returned when a ticket string does not match the
	// "flap/<base64url pubkey>/<hex secret>" shape.
	ErrTicketParse = errors.New("flap: malformed ticket")

	// ErrSerialization is returned by frame encode/decode on bad input.
	ErrSerialization = errors.New("flap: frame serialization error")

	// ErrHandshakeFailed covers any Noise or hybrid key-exchange failure.
	ErrHandshakeFailed = errors.New("flap: handshake failed")

	// ErrProtocol is returned when a peer sends an unexpected frame tag
	// or violates the expected message order.
	ErrProtocol = errors.New("flap: protocol violation")

	// ErrCrypto is returned on AEAD authentication failure of a transport
	// frame.
	ErrCrypto = errors.New("flap: decryption failed")

	// ErrInvalidBlake3Hash is returned when the sender's claimed hash does
	// not match the receiver's computed hash.
	ErrInvalidBlake3Hash = errors.New("flap: content hash mismatch")

	// ErrFileIO covers filesystem errors other than AlreadyExists during
	// staging.
	ErrFileIO = errors.New("flap: filesystem error")

	// ErrFileAlreadyAdded is returned by Sender.Enqueue for a duplicate path.
	ErrFileAlreadyAdded = errors.New("flap: file already added to queue")

	// ErrTransport covers bind, connect, accept, read and write failures
	// of the underlying transport.
	ErrTransport = errors.New("flap: transport error")

	// ErrClosed is returned by operations performed after the owning
	// component has been closed.
	ErrClosed = errors.New("flap: closed")
)
