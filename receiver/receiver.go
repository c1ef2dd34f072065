// Package receiver implements the receiving side of a flap session: it
// dials a sender's ticket, then concurrently accepts one bidirectional
// stream per incoming file and drives the handshake and transfer
// protocol for each.
package receiver

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/flapfile/flap/eventbus"
	"github.com/flapfile/flap/internal/filesaver"
	"github.com/flapfile/flap/internal/flaperr"
	"github.com/flapfile/flap/internal/keys"
	"github.com/flapfile/flap/internal/securechannel"
	"github.com/flapfile/flap/internal/ticket"
	"github.com/flapfile/flap/internal/transfer"
	"github.com/flapfile/flap/transport"
)

// Receiver owns one transport endpoint and the staging directory that
// incoming files land in. A single Receiver retrieves exactly one
// ticket's worth of files, spawning one goroutine per accepted stream.
type Receiver struct {
	endpoint transport.Endpoint
	identity ed25519.PrivateKey
	bus      *eventbus.Bus
	saver    *filesaver.FileSaver
}

// New constructs a Receiver bound to endpoint, staging completed files
// under the OS downloads directory. Pass a non-nil bus to receive
// progress events, or nil to use the process-wide default.
func New(endpoint transport.Endpoint, identity ed25519.PrivateKey, bus *eventbus.Bus) (*Receiver, error) {
	saver, err := filesaver.New()
	if err != nil {
		return nil, err
	}
	return newWithSaver(endpoint, identity, bus, saver), nil
}

// NewAt is like New but stages into an already-existing directory
// instead of resolving the OS downloads directory. Exported for callers
// that manage their own staging root, such as tests.
func NewAt(endpoint transport.Endpoint, identity ed25519.PrivateKey, bus *eventbus.Bus, dir string) *Receiver {
	return newWithSaver(endpoint, identity, bus, filesaver.NewAt(dir))
}

func newWithSaver(endpoint transport.Endpoint, identity ed25519.PrivateKey, bus *eventbus.Bus, saver *filesaver.FileSaver) *Receiver {
	if bus == nil {
		bus = eventbus.Default()
	}
	return &Receiver{endpoint: endpoint, identity: identity, bus: bus, saver: saver}
}

// Retrieve connects to t.Identity and accepts streams for as long as the
// remote keeps the connection open, spawning one per-file task per
// stream. It returns once the remote closes the connection or ctx is
// canceled; unexpected transport errors are returned as fatal. Partial
// files from any in-flight task remain staged under their ".flap" name
// and will resume on a later retry.
func (r *Receiver) Retrieve(ctx context.Context, t ticket.Ticket) error {
	conn, err := r.endpoint.Dial(ctx, t.Identity)
	if err != nil {
		return fmt.Errorf("%w: dial %x: %w", flaperr.ErrTransport, t.Identity, err)
	}
	defer conn.Close()

	fileKey, err := keys.DeriveFileKey(t.Secret[:])
	if err != nil {
		return fmt.Errorf("%w: %w", flaperr.ErrCrypto, err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if errors.Is(err, flaperr.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: accept stream: %w", flaperr.ErrTransport, err)
		}

		wg.Add(1)
		go func(stream transport.Stream) {
			defer wg.Done()
			defer stream.Close()
			// A per-file failure (handshake, protocol, integrity) must
			// not abort sibling transfers or the accept loop: the spec
			// requires partial files to remain staged for later resume,
			// not the whole retrieval to fail.
			if err := r.handleStream(stream, t.Identity, fileKey); err != nil {
				log.Warn().Err(err).Msg("[Receiver] file transfer failed, partial file left staged for resume")
			}
		}(stream)
	}
}

func (r *Receiver) handleStream(stream transport.Stream, remote ed25519.PublicKey, fileKey keys.FileKey) error {
	ch, transferID, err := securechannel.Accept(stream, r.identity, remote, fileKey, stream.ID())
	if err != nil {
		return err
	}
	defer ch.Close()

	return transfer.RunReceiver(ch, transferID, r.saver, r.bus)
}
