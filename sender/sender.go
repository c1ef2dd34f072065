// Package sender implements the sending side of a flap session: a queue
// of local files waiting to go out, and an accept loop that drives the
// handshake and transfer protocol for each incoming connection.
package sender

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/flapfile/flap/eventbus"
	"github.com/flapfile/flap/internal/flaperr"
	"github.com/flapfile/flap/internal/keys"
	"github.com/flapfile/flap/internal/securechannel"
	"github.com/flapfile/flap/internal/ticket"
	"github.com/flapfile/flap/internal/transfer"
	"github.com/flapfile/flap/transport"
)

const pathQueueCapacity = 4096

// Sender owns one transport endpoint and a queue of files to send to
// whoever connects using its ticket.
type Sender struct {
	endpoint transport.Endpoint
	identity ed25519.PrivateKey
	secret   ticket.MasterSecret
	bus      *eventbus.Bus

	addedMu sync.Mutex
	added   map[string]struct{}

	paths chan string
}

// New constructs a Sender bound to endpoint, generating a fresh ticket
// master secret. Pass a non-nil bus to receive progress events, or nil
// to use the process-wide default.
func New(endpoint transport.Endpoint, identity ed25519.PrivateKey, bus *eventbus.Bus) (*Sender, ticket.Ticket, error) {
	secret, err := ticket.GenerateMasterSecret()
	if err != nil {
		return nil, ticket.Ticket{}, fmt.Errorf("%w: %w", flaperr.ErrCrypto, err)
	}
	if bus == nil {
		bus = eventbus.Default()
	}

	s := &Sender{
		endpoint: endpoint,
		identity: identity,
		secret:   secret,
		bus:      bus,
		added:    make(map[string]struct{}),
		paths:    make(chan string, pathQueueCapacity),
	}
	t := ticket.Make(endpoint.Identity(), secret)
	return s, t, nil
}

// Enqueue schedules path to be sent once, by whichever connection handler
// takes it from the shared queue next. Enqueueing the same path twice is
// rejected.
func (s *Sender) Enqueue(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %w", flaperr.ErrFileIO, err)
	}

	s.addedMu.Lock()
	if _, exists := s.added[abs]; exists {
		s.addedMu.Unlock()
		return flaperr.ErrFileAlreadyAdded
	}
	s.added[abs] = struct{}{}
	s.addedMu.Unlock()

	s.paths <- abs
	return nil
}

// Run accepts connections until ctx is canceled, spawning one handler
// per connection that drains the shared path queue.
func (s *Sender) Run(ctx context.Context) error {
	for {
		conn, err := s.endpoint.Accept(ctx)
		if err != nil {
			return err
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection drains the shared path queue for as long as ctx is
// live, sending each file over a fresh stream on conn. A per-file error
// other than a transport error is logged and the next path proceeds; a
// transport error ends the handler.
func (s *Sender) handleConnection(ctx context.Context, conn transport.Connection) {
	defer conn.Close()

	for {
		var path string
		select {
		case path = <-s.paths:
		case <-ctx.Done():
			return
		}

		if err := s.sendOne(ctx, conn, path); err != nil {
			if errors.Is(err, flaperr.ErrTransport) {
				return
			}
			log.Warn().Err(err).Str("path", path).Msg("[Sender] file transfer failed, continuing with next queued file")
		}
	}
}

func (s *Sender) sendOne(ctx context.Context, conn transport.Connection, path string) error {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", flaperr.ErrTransport, err)
	}
	defer stream.Close()

	fileKey, err := keys.DeriveFileKey(s.secret[:])
	if err != nil {
		return fmt.Errorf("%w: %w", flaperr.ErrCrypto, err)
	}

	ch, transferID, err := securechannel.Dial(stream, s.identity, conn.RemoteIdentity(), fileKey, stream.ID())
	if err != nil {
		return err
	}
	defer ch.Close()

	return transfer.RunSender(ch, transferID, path, filepath.Base(path), s.bus)
}
