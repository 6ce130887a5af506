package forwarder

import (
	"context"
	"log/slog"
	"sync"

	"github.com/racewire/rt-relay/internal/models"
)

// ReaderPool fans in accepted events from every configured
// TimingReader into a single bounded channel the uplink drains in
// streaming mode. The channel is sized generously but is not the
// durability boundary — the journal is — so a full channel simply
// drops the live notification; the event is still on disk and will be
// picked up on the next replay pass.
type ReaderPool struct {
	readers []*TimingReader
	events  chan models.Event
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewReaderPool creates a pool with the given channel capacity.
func NewReaderPool(capacity int, logger *slog.Logger) *ReaderPool {
	return &ReaderPool{
		events: make(chan models.Event, capacity),
		logger: logger.With("component", "reader_pool"),
	}
}

// Add registers a reader. Must be called before Run.
func (p *ReaderPool) Add(r *TimingReader) {
	p.readers = append(p.readers, r)
}

// Run starts one goroutine per registered reader and blocks until all
// of them have exited (they stop once ctx is canceled), so it is
// typically called in its own goroutine by the daemon.
func (p *ReaderPool) Run(ctx context.Context) {
	for _, r := range p.readers {
		p.wg.Add(1)
		go func(r *TimingReader) {
			defer p.wg.Done()
			r.Run(ctx, p.publish)
		}(r)
	}
	p.wg.Wait()
}

// Events returns the channel new accepted events are published to.
func (p *ReaderPool) Events() <-chan models.Event {
	return p.events
}

func (p *ReaderPool) publish(ev models.Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Debug("reader pool channel full, live notification dropped (durable on disk)",
			"stream_key", ev.StreamKey.String(), "seq", ev.Seq)
	}
}
