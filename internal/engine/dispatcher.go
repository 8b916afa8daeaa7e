package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/labelsquor/orchestrator/internal/storage"
)

// Dispatcher elects the next runnable item for a worker. Claims are advisory:
// the dispatcher only keeps two workers in the same process from chasing the
// same row; the authoritative hand-off is the Ready → Running
// compare-and-transition, which exactly one claimant wins.
type Dispatcher struct {
	store  *storage.DB
	batch  int
	logger *slog.Logger

	mu       sync.Mutex
	buffer   []storage.Claim
	inflight map[uuid.UUID]struct{}
}

// NewDispatcher creates a Dispatcher that fetches candidates in batches.
func NewDispatcher(store *storage.DB, batch int, logger *slog.Logger) *Dispatcher {
	if batch <= 0 {
		batch = 10
	}
	return &Dispatcher{
		store:    store,
		batch:    batch,
		logger:   logger,
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Next returns the highest-priority runnable claim not already handed to
// another worker in this process, or ok=false when nothing is due.
func (d *Dispatcher) Next(ctx context.Context) (storage.Claim, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if claim, ok := d.takeBuffered(); ok {
		return claim, true
	}

	claims, err := d.store.ClaimReady(ctx, d.batch)
	if err != nil {
		d.logger.Warn("dispatcher: claim ready", "error", err)
		return storage.Claim{}, false
	}
	d.buffer = claims
	return d.takeBuffered()
}

// takeBuffered pops the first buffered claim not in flight. Caller holds mu.
func (d *Dispatcher) takeBuffered() (storage.Claim, bool) {
	for len(d.buffer) > 0 {
		claim := d.buffer[0]
		d.buffer = d.buffer[1:]
		if _, busy := d.inflight[claim.ID]; busy {
			continue
		}
		d.inflight[claim.ID] = struct{}{}
		return claim, true
	}
	return storage.Claim{}, false
}

// Release returns a claim, making the item electable again in this process.
// Called when the worker finishes with the item or loses the race for it.
func (d *Dispatcher) Release(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}
