package integration

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/storage"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// Recorder writes device events to the store and keeps one TransferRecord
// per historical download
type Recorder struct {
	store  storage.Store
	source EventSource
	open   map[nirs.Address]*models.TransferRecord
}

// NewRecorder creates a recorder
func NewRecorder(store storage.Store, source EventSource) *Recorder {
	return &Recorder{
		store:  store,
		source: source,
		open:   make(map[nirs.Address]*models.TransferRecord),
	}
}

// Start records until ctx is done
func (r *Recorder) Start(ctx context.Context) error {
	events := r.source.Subscribe()
	defer r.source.Unsubscribe(events)

	log.Info().Msg("Event recorder started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.Record(ctx, ev)
		}
	}
}

// Record stores ev and updates the transfer it belongs to. Not safe for
// concurrent use.
func (r *Recorder) Record(ctx context.Context, ev *models.DeviceEvent) {
	if err := r.store.CreateEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to create event log")
	}

	switch ev.Type {
	case models.EventTypeProgress:
		if ev.Progress != nil {
			r.progress(ctx, ev.Address, *ev.Progress, ev.CreatedAt)
		}
	case models.EventTypeDownloadComplete:
		if ev.Progress != nil {
			r.progress(ctx, ev.Address, *ev.Progress, ev.CreatedAt)
		}
		r.complete(ctx, ev.Address, ev.CreatedAt)
	case models.EventTypeDisconnected:
		// an interrupted transfer stays incomplete
		delete(r.open, ev.Address)
	}
}

func (r *Recorder) progress(ctx context.Context, addr nirs.Address, p models.Progress, at time.Time) {
	t, ok := r.open[addr]
	if ok && p.Received >= t.Received && p.Total == t.Total {
		if p.Received == t.Received {
			return
		}
		t.Received = p.Received
		if err := r.store.UpdateTransfer(ctx, t); err != nil {
			log.Error().Err(err).Str("address", addr.String()).Msg("Failed to update transfer")
		}
		return
	}

	// a counter that went backwards means a new START_HISTORICAL
	t = &models.TransferRecord{
		Address:   addr,
		StartedAt: at,
		Total:     p.Total,
		Received:  p.Received,
	}
	if err := r.store.CreateTransfer(ctx, t); err != nil {
		log.Error().Err(err).Str("address", addr.String()).Msg("Failed to create transfer")
		return
	}
	r.open[addr] = t
	log.Debug().
		Str("address", addr.String()).
		Uint32("total", p.Total).
		Msg("Historical transfer recorded")
}

func (r *Recorder) complete(ctx context.Context, addr nirs.Address, at time.Time) {
	t, ok := r.open[addr]
	if !ok {
		return
	}
	delete(r.open, addr)

	completed := at
	t.CompletedAt = &completed
	if err := r.store.UpdateTransfer(ctx, t); err != nil {
		log.Error().Err(err).Str("address", addr.String()).Msg("Failed to complete transfer")
	}
}
