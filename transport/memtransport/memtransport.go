// Package memtransport is an in-process transport.Endpoint implementation
// backed by net.Pipe, used to exercise the protocol layers in tests
// without a real network or libp2p host.
package memtransport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/flapfile/flap/internal/flaperr"
	"github.com/flapfile/flap/transport"
)

// Network is a shared rendezvous registry: Endpoints constructed against
// the same Network can Dial one another by identity.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

// NewNetwork returns an empty rendezvous registry.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

func key(id ed25519.PublicKey) string {
	return string(id)
}

// Endpoint is a memtransport.Endpoint: one participant in a Network.
type Endpoint struct {
	net       *Network
	id        ed25519.PublicKey
	incoming  chan *Connection
	closeOnce sync.Once
	closed    chan struct{}
}

// NewEndpoint registers a new Endpoint under identity pub in net.
func (n *Network) NewEndpoint(pub ed25519.PublicKey) *Endpoint {
	e := &Endpoint{
		net:      n,
		id:       pub,
		incoming: make(chan *Connection, 8),
		closed:   make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[key(pub)] = e
	n.mu.Unlock()
	return e
}

func (e *Endpoint) Identity() ed25519.PublicKey { return e.id }

func (e *Endpoint) NodeAddr(ctx context.Context) (transport.NodeAddr, error) {
	return transport.NodeAddr{Addrs: []string{"mem://" + key(e.id)}}, nil
}

func (e *Endpoint) Dial(ctx context.Context, remote ed25519.PublicKey) (transport.Connection, error) {
	e.net.mu.Lock()
	peer, ok := e.net.endpoints[key(remote)]
	e.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint registered for remote identity", flaperr.ErrTransport)
	}

	local, remoteConn := newConnectionPair(e.id, peer.id)
	select {
	case peer.incoming <- remoteConn:
	case <-peer.closed:
		return nil, fmt.Errorf("%w: remote endpoint closed", flaperr.ErrTransport)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return local, nil
}

func (e *Endpoint) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-e.incoming:
		return c, nil
	case <-e.closed:
		return nil, fmt.Errorf("%w: endpoint closed", flaperr.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

// Connection is one side of a paired in-memory connection.
type Connection struct {
	localID, remoteID ed25519.PublicKey
	streamsIn         chan transport.Stream
	peerStreamsIn     chan transport.Stream
	nextID            *atomic.Uint64
	closeOnce         sync.Once
	closed            chan struct{}
}

func newConnectionPair(a, b ed25519.PublicKey) (local, remote *Connection) {
	ab := make(chan transport.Stream, 8)
	ba := make(chan transport.Stream, 8)
	counter := &atomic.Uint64{}
	closedA := make(chan struct{})
	closedB := make(chan struct{})
	local = &Connection{localID: a, remoteID: b, streamsIn: ba, peerStreamsIn: ab, nextID: counter, closed: closedA}
	remote = &Connection{localID: b, remoteID: a, streamsIn: ab, peerStreamsIn: ba, nextID: counter, closed: closedB}
	return local, remote
}

func (c *Connection) RemoteIdentity() ed25519.PublicKey { return c.remoteID }

func (c *Connection) OpenStream(ctx context.Context) (transport.Stream, error) {
	id := c.nextID.Add(1)
	a, b := net.Pipe()
	local := &stream{Conn: a, id: id}
	remote := &stream{Conn: b, id: id}

	select {
	case c.peerStreamsIn <- remote:
	case <-c.closed:
		return nil, fmt.Errorf("%w: connection closed", flaperr.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return local, nil
}

func (c *Connection) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.streamsIn:
		return s, nil
	case <-c.closed:
		return nil, fmt.Errorf("%w: connection closed", flaperr.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// stream adapts a net.Pipe half into transport.Stream by attaching a
// monotonic id.
type stream struct {
	net.Conn
	id uint64
}

func (s *stream) ID() uint64 { return s.id }
