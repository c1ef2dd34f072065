// Package libp2pendpoint implements transport.Endpoint over a libp2p
// host: the flap Ed25519 identity key doubles as the libp2p host key (an
// Ed25519 public key under 42 bytes is embedded directly in its libp2p
// peer ID, so no separate identity-to-peer-ID mapping is needed), and a
// gossipsub topic carries address advertisements so a receiver can find
// a sender's current multiaddrs from nothing but its public key.
package libp2pendpoint

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/flapfile/flap/internal/flaperr"
	"github.com/flapfile/flap/transport"
)

const rendezvousTopic = "flap/rendezvous/v1"
const streamProtocol = protocol.ID("/flap/transfer/1.0.0")
const advertiseInterval = 20 * time.Second
const peerTTL = 60 * time.Second

// advertisement is gossiped on rendezvousTopic so peers can resolve a
// public identity to a dialable multiaddr set.
type advertisement struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

// Endpoint is a transport.Endpoint backed by a single libp2p host.
type Endpoint struct {
	host  host.Host
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	id    ed25519.PublicKey

	ctx    context.Context
	cancel context.CancelFunc

	peersMu sync.Mutex
	peers   map[peer.ID]peerInfo

	incoming chan *Connection

	connsMu sync.Mutex
	conns   map[peer.ID]*Connection
}

type peerInfo struct {
	addrInfo peer.AddrInfo
	lastSeen time.Time
}

// New builds a libp2p host identified by priv, joins the rendezvous
// topic, and starts advertising and collecting peer addresses.
func New(ctx context.Context, priv ed25519.PrivateKey) (*Endpoint, error) {
	libp2pPriv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: wrap identity key for libp2p: %w", flaperr.ErrTransport, err)
	}

	h, err := libp2p.New(
		libp2p.Identity(libp2pPriv),
		libp2p.DefaultTransports,
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.EnableNATService(),
		libp2p.EnableHolePunching(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create libp2p host: %w", flaperr.ErrTransport, err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: create gossipsub: %w", flaperr.ErrTransport, err)
	}
	topic, err := ps.Join(rendezvousTopic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: join rendezvous topic: %w", flaperr.ErrTransport, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: subscribe to rendezvous topic: %w", flaperr.ErrTransport, err)
	}

	epCtx, cancel := context.WithCancel(ctx)
	e := &Endpoint{
		host:     h,
		topic:    topic,
		sub:      sub,
		id:       priv.Public().(ed25519.PublicKey),
		ctx:      epCtx,
		cancel:   cancel,
		peers:    make(map[peer.ID]peerInfo),
		incoming: make(chan *Connection, 16),
		conns:    make(map[peer.ID]*Connection),
	}

	h.SetStreamHandler(streamProtocol, e.handleIncomingStream)
	go e.collectAdvertisements()
	go e.advertiseLoop()

	return e, nil
}

func (e *Endpoint) Identity() ed25519.PublicKey { return e.id }

func (e *Endpoint) NodeAddr(ctx context.Context) (transport.NodeAddr, error) {
	var addrs []string
	for _, a := range e.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, e.host.ID()))
	}
	return transport.NodeAddr{Addrs: addrs}, nil
}

func (e *Endpoint) advertiseLoop() {
	e.publishAdvertisement()
	ticker := time.NewTicker(advertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.publishAdvertisement()
		}
	}
}

func (e *Endpoint) publishAdvertisement() {
	addr, err := e.NodeAddr(e.ctx)
	if err != nil {
		return
	}
	body, err := json.Marshal(advertisement{PeerID: e.host.ID().String(), Addrs: addr.Addrs})
	if err != nil {
		return
	}
	_ = e.topic.Publish(e.ctx, body)
}

func (e *Endpoint) collectAdvertisements() {
	for {
		msg, err := e.sub.Next(e.ctx)
		if err != nil {
			return
		}
		var ad advertisement
		if err := json.Unmarshal(msg.Data, &ad); err != nil {
			continue
		}
		pid, err := peer.Decode(ad.PeerID)
		if err != nil {
			continue
		}

		var addrInfo *peer.AddrInfo
		for _, s := range ad.Addrs {
			m, err := ma.NewMultiaddr(s)
			if err != nil {
				continue
			}
			if info, err := peer.AddrInfoFromP2pAddr(m); err == nil {
				addrInfo = info
				break
			}
		}
		if addrInfo == nil {
			continue
		}

		e.peersMu.Lock()
		e.peers[pid] = peerInfo{addrInfo: *addrInfo, lastSeen: time.Now()}
		e.peersMu.Unlock()
	}
}

func (e *Endpoint) resolvePeer(remote ed25519.PublicKey) (peer.AddrInfo, error) {
	pub, err := libp2pcrypto.UnmarshalEd25519PublicKey(remote)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: %w", flaperr.ErrTransport, err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("%w: %w", flaperr.ErrTransport, err)
	}

	e.peersMu.Lock()
	info, ok := e.peers[pid]
	e.peersMu.Unlock()
	if !ok || time.Since(info.lastSeen) > peerTTL {
		return peer.AddrInfo{}, fmt.Errorf("%w: no rendezvous advertisement seen for peer %s", flaperr.ErrTransport, pid)
	}
	return info.addrInfo, nil
}

func (e *Endpoint) Dial(ctx context.Context, remote ed25519.PublicKey) (transport.Connection, error) {
	addrInfo, err := e.resolvePeer(remote)
	if err != nil {
		return nil, err
	}
	if err := e.host.Connect(ctx, addrInfo); err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %w", flaperr.ErrTransport, addrInfo.ID, err)
	}
	return &Connection{endpoint: e, remoteID: addrInfo.ID, remotePub: remote, streams: make(chan transport.Stream, 8)}, nil
}

func (e *Endpoint) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-e.incoming:
		return c, nil
	case <-e.ctx.Done():
		return nil, fmt.Errorf("%w: endpoint closed", flaperr.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Endpoint) handleIncomingStream(s network.Stream) {
	remoteID := s.Conn().RemotePeer()

	e.connsMu.Lock()
	c, ok := e.conns[remoteID]
	if !ok {
		remotePub, err := remoteIdentityKey(remoteID)
		if err != nil {
			e.connsMu.Unlock()
			s.Reset()
			return
		}
		c = &Connection{endpoint: e, remoteID: remoteID, remotePub: remotePub, streams: make(chan transport.Stream, 8)}
		e.conns[remoteID] = c
		e.connsMu.Unlock()
		select {
		case e.incoming <- c:
		case <-e.ctx.Done():
			return
		}
	} else {
		e.connsMu.Unlock()
	}

	// The opener picked the stream id and sent it as the first 8 bytes
	// of the substream; read it back rather than minting a new one here,
	// so both peers feed the identical id into the Noise prologue. Two
	// independently incremented counters would agree only by chance.
	var idBuf [8]byte
	if _, err := io.ReadFull(s, idBuf[:]); err != nil {
		s.Reset()
		return
	}
	wrapped := &stream{Stream: s, id: binary.BigEndian.Uint64(idBuf[:])}
	select {
	case c.streams <- wrapped:
	case <-e.ctx.Done():
	}
}

// remoteIdentityKey recovers the flap Ed25519 identity key of an
// incoming peer from its libp2p peer ID. This only works because flap
// peer IDs are "identity hash" multihashes: an Ed25519 public key is
// short enough to be embedded directly in the peer ID rather than only
// its digest, so no out-of-band exchange is needed to recover it.
func remoteIdentityKey(id peer.ID) (ed25519.PublicKey, error) {
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: extract public key from peer id %s: %w", flaperr.ErrTransport, id, err)
	}
	std, err := libp2pcrypto.PubKeyToStdKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: convert libp2p public key: %w", flaperr.ErrTransport, err)
	}
	edPub, ok := std.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: peer %s is not using an ed25519 identity", flaperr.ErrTransport, id)
	}
	return edPub, nil
}

func (e *Endpoint) Close() error {
	e.cancel()
	e.sub.Cancel()
	return e.host.Close()
}

// Connection groups the libp2p streams exchanged with one remote peer.
type Connection struct {
	endpoint  *Endpoint
	remoteID  peer.ID
	remotePub ed25519.PublicKey
	streams   chan transport.Stream
}

func (c *Connection) RemoteIdentity() ed25519.PublicKey { return c.remotePub }

func (c *Connection) OpenStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.endpoint.host.NewStream(ctx, c.remoteID, streamProtocol)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream to %s: %w", flaperr.ErrTransport, c.remoteID, err)
	}

	id := nextStreamID()
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], id)
	if _, err := s.Write(idBuf[:]); err != nil {
		s.Reset()
		return nil, fmt.Errorf("%w: send stream id to %s: %w", flaperr.ErrTransport, c.remoteID, err)
	}
	return &stream{Stream: s, id: id}, nil
}

func (c *Connection) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.streams:
		return s, nil
	case <-c.endpoint.ctx.Done():
		return nil, fmt.Errorf("%w: endpoint closed", flaperr.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) Close() error {
	return c.endpoint.host.Network().ClosePeer(c.remoteID)
}

// stream adapts a libp2p network.Stream, whose id is opaque, into a
// uint64 both peers agree on: the opener mints one from a process-local
// counter and sends it as the first 8 bytes of the substream, and the
// acceptor reads it back instead of minting its own. securechannel binds
// this id into its Noise prologue, so the two sides must arrive at the
// same value.
type stream struct {
	network.Stream
	id uint64
}

func (s *stream) ID() uint64 { return s.id }

var streamIDCounter struct {
	mu sync.Mutex
	n  uint64
}

func nextStreamID() uint64 {
	streamIDCounter.mu.Lock()
	defer streamIDCounter.mu.Unlock()
	streamIDCounter.n++
	return streamIDCounter.n
}
