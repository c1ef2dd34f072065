// Package eventbus carries progress events from running transfers to
// whatever is watching: a CLI progress bar today, potentially a UI bridge
// tomorrow. Emission never blocks and never panics, even with nobody
// listening — events simply accumulate until a consumer attaches.
package eventbus

import (
	"sync"

	"github.com/flapfile/flap/internal/frame"
	"github.com/flapfile/flap/internal/securechannel"
)

// Kind discriminates an Event's variant.
type Kind int

const (
	KindPreparingFile Kind = iota
	KindTransferUpdate
	KindTransferComplete
)

// Event is a tagged update about one transfer. Exactly the fields relevant
// to Kind are meaningful.
type Event struct {
	Kind       Kind
	TransferID securechannel.TransferId
	Metadata   frame.Metadata
	IsSender   bool
	BytesSoFar uint64
}

func PreparingFile(id securechannel.TransferId, meta frame.Metadata, isSender bool) Event {
	return Event{Kind: KindPreparingFile, TransferID: id, Metadata: meta, IsSender: isSender}
}

func TransferUpdate(id securechannel.TransferId, bytesSoFar uint64) Event {
	return Event{Kind: KindTransferUpdate, TransferID: id, BytesSoFar: bytesSoFar}
}

func TransferComplete(id securechannel.TransferId) Event {
	return Event{Kind: KindTransferComplete, TransferID: id}
}

// Bus is an unbounded, multi-producer single-consumer event channel. The
// zero value is not usable; construct one with New.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
}

// New returns a freshly constructed, empty Bus. Most callers want the
// process-wide bus returned by Default; New exists so tests (and anything
// embedding flap as a library with multiple independent sessions) can get
// an isolated sink.
func New() *Bus {
	b := &Bus{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send enqueues an event. It never blocks on a consumer and never panics.
func (b *Bus) Send(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.queue = append(b.queue, e)
	b.cond.Signal()
}

// Recv blocks until at least one event is available, then returns the
// oldest one. Only one goroutine should call Recv on a given Bus at a
// time; concurrent receivers would race over ordering.
func (b *Bus) Recv() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.queue) == 0 {
		return Event{}, false
	}
	e := b.queue[0]
	b.queue = b.queue[1:]
	return e, true
}

// Close marks the bus as closed; pending events already queued remain
// readable via Recv, but Recv returns false once drained and Send becomes
// a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

var defaultBus = sync.OnceValue(New)

// Default returns the process-wide lazily initialized Bus.
func Default() *Bus {
	return defaultBus()
}
