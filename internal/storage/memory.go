package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

const maxMemoryEvents = 10000

// MemoryStore keeps everything in process memory. Used when no database is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[nirs.Address]*models.DeviceRecord
	transfers map[uuid.UUID]*models.TransferRecord
	events    []*models.DeviceEvent
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[nirs.Address]*models.DeviceRecord),
		transfers: make(map[uuid.UUID]*models.TransferRecord),
	}
}

// UpsertDevice creates or updates a device keeping the first setup completion
func (s *MemoryStore) UpsertDevice(_ context.Context, device *models.DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cp := *device
	cp.UpdatedAt = now
	if existing, ok := s.devices[device.Address]; ok {
		cp.CreatedAt = existing.CreatedAt
		if existing.SetupCompletedAt != nil {
			cp.SetupCompletedAt = existing.SetupCompletedAt
		}
		if cp.LastSeenAt == nil {
			cp.LastSeenAt = existing.LastSeenAt
		}
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}

	s.devices[device.Address] = &cp
	device.CreatedAt = cp.CreatedAt
	device.UpdatedAt = cp.UpdatedAt
	return nil
}

// GetDevice gets a device by address
func (s *MemoryStore) GetDevice(_ context.Context, addr nirs.Address) (*models.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[addr]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *device
	return &cp, nil
}

// ListDevices lists devices in creation order
func (s *MemoryStore) ListDevices(_ context.Context) ([]*models.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*models.DeviceRecord, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		devices = append(devices, &cp)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices, nil
}

// DeleteDevice deletes a device
func (s *MemoryStore) DeleteDevice(_ context.Context, addr nirs.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[addr]; !ok {
		return ErrNotFound
	}
	delete(s.devices, addr)
	return nil
}

// CreateTransfer records the start of a historical download
func (s *MemoryStore) CreateTransfer(_ context.Context, transfer *models.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if transfer.ID == uuid.Nil {
		transfer.ID = uuid.New()
	}
	if _, ok := s.transfers[transfer.ID]; ok {
		return ErrDuplicateKey
	}
	if transfer.StartedAt.IsZero() {
		transfer.StartedAt = time.Now()
	}
	cp := *transfer
	s.transfers[transfer.ID] = &cp
	return nil
}

// UpdateTransfer stores progress
func (s *MemoryStore) UpdateTransfer(_ context.Context, transfer *models.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transfers[transfer.ID]; !ok {
		return ErrNotFound
	}
	cp := *transfer
	s.transfers[transfer.ID] = &cp

	if transfer.CompletedAt != nil {
		if d, ok := s.devices[transfer.Address]; ok {
			at := *transfer.CompletedAt
			d.LastSeenAt = &at
		}
	}
	return nil
}

// ListTransfers lists the newest transfers of a device
func (s *MemoryStore) ListTransfers(_ context.Context, addr nirs.Address, limit int) ([]*models.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.TransferRecord
	for _, t := range s.transfers {
		if t.Address == addr {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateEvent stores a device event, discarding the oldest past a fixed cap
func (s *MemoryStore) CreateEvent(_ context.Context, event *models.DeviceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	cp.Details = eventDetails(event)
	s.events = append(s.events, &cp)
	if len(s.events) > maxMemoryEvents {
		s.events = s.events[len(s.events)-maxMemoryEvents:]
	}
	return nil
}

// ListEvents lists device events with filters, newest first
func (s *MemoryStore) ListEvents(_ context.Context, filters EventFilters, limit int) ([]*models.DeviceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*models.DeviceEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if filters.match(s.events[i]) {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
