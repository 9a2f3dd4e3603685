package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// Registry remembers which addresses completed onboarding. Lookups hit an
// in-process set first; the backing Store keeps the flag across restarts.
type Registry struct {
	mu        sync.RWMutex
	store     Store
	completed map[nirs.Address]struct{}
}

// NewRegistry creates a registry over store
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:     store,
		completed: make(map[nirs.Address]struct{}),
	}
}

// Load warms the in-process set from the store
func (r *Registry) Load(ctx context.Context) error {
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		if d.HasCompletedSetup() {
			r.completed[d.Address] = struct{}{}
		}
	}
	return nil
}

// HasCompletedSetup reports whether addr finished onboarding before
func (r *Registry) HasCompletedSetup(ctx context.Context, addr nirs.Address) bool {
	r.mu.RLock()
	_, ok := r.completed[addr]
	r.mu.RUnlock()
	if ok {
		return true
	}

	device, err := r.store.GetDevice(ctx, addr)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("address", addr.String()).Msg("Registry lookup failed")
		}
		return false
	}
	if !device.HasCompletedSetup() {
		return false
	}

	r.mu.Lock()
	r.completed[addr] = struct{}{}
	r.mu.Unlock()
	return true
}

// MarkCompleted records a finished onboarding. The in-process flag is set even when the store write fails.
func (r *Registry) MarkCompleted(ctx context.Context, record *models.DeviceRecord) error {
	r.mu.Lock()
	r.completed[record.Address] = struct{}{}
	r.mu.Unlock()

	if record.SetupCompletedAt == nil {
		now := time.Now()
		record.SetupCompletedAt = &now
	}
	if record.LastSeenAt == nil {
		record.LastSeenAt = record.SetupCompletedAt
	}
	return r.store.UpsertDevice(ctx, record)
}

// Touch updates the device record without changing the completion flag
func (r *Registry) Touch(ctx context.Context, record *models.DeviceRecord) error {
	now := time.Now()
	record.LastSeenAt = &now
	return r.store.UpsertDevice(ctx, record)
}

// Store returns the backing store
func (r *Registry) Store() Store {
	return r.store
}
