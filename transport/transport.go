// Package transport defines the peer discovery and stream multiplexing
// surface flap's sender and receiver are built against. Concrete
// implementations live in subpackages: libp2pendpoint for real P2P
// networking, memtransport for in-process protocol tests.
package transport

import (
	"context"
	"crypto/ed25519"
	"io"
)

// NodeAddr is an opaque, implementation-specific rendezvous address
// (e.g. a set of libp2p multiaddrs) that lets a remote peer dial back.
type NodeAddr struct {
	Addrs []string
}

// Endpoint is a node's entry point into the transport: it owns a stable
// identity, can be dialed by peers that know that identity, and can dial
// out to other identities it learns about.
type Endpoint interface {
	// Identity returns this endpoint's long-term public identity key.
	Identity() ed25519.PublicKey

	// NodeAddr returns this endpoint's current rendezvous address. A
	// ticket does not carry it; implementations that need it for
	// discovery advertise it themselves.
	NodeAddr(ctx context.Context) (NodeAddr, error)

	// Dial establishes a connection to remote, discovering its current
	// address via whatever peer-discovery mechanism the implementation
	// uses.
	Dial(ctx context.Context, remote ed25519.PublicKey) (Connection, error)

	// Accept blocks until a remote peer connects, or ctx is canceled.
	Accept(ctx context.Context) (Connection, error)

	Close() error
}

// Connection is a single logical link to one remote identity, over which
// any number of independent bidirectional Streams may be opened.
type Connection interface {
	RemoteIdentity() ed25519.PublicKey

	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)

	Close() error
}

// Stream is one bidirectional substream of a Connection. Its ID is a
// monotonically increasing integer, unique within the owning Connection,
// suitable for binding into a SecureChannel prologue.
type Stream interface {
	io.ReadWriteCloser
	ID() uint64
}
