package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store persists the device registry, historical transfers and device events.
// CSV sample data does not go through it; see CSVWriter.
type Store interface {
	// Device registry
	UpsertDevice(ctx context.Context, device *models.DeviceRecord) error
	GetDevice(ctx context.Context, addr nirs.Address) (*models.DeviceRecord, error)
	ListDevices(ctx context.Context) ([]*models.DeviceRecord, error)
	DeleteDevice(ctx context.Context, addr nirs.Address) error

	// Historical transfers
	CreateTransfer(ctx context.Context, transfer *models.TransferRecord) error
	UpdateTransfer(ctx context.Context, transfer *models.TransferRecord) error
	ListTransfers(ctx context.Context, addr nirs.Address, limit int) ([]*models.TransferRecord, error)

	// Device events
	CreateEvent(ctx context.Context, event *models.DeviceEvent) error
	ListEvents(ctx context.Context, filters EventFilters, limit int) ([]*models.DeviceEvent, error)

	// Close the store
	Close() error
}

// EventFilters represents filters for device events
type EventFilters struct {
	Address *nirs.Address
	Type    *models.EventType
	Since   *time.Time
}

func (f EventFilters) match(e *models.DeviceEvent) bool {
	if f.Address != nil && e.Address != *f.Address {
		return false
	}
	if f.Type != nil && e.Type != *f.Type {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// eventDetails folds the typed payload fields into the JSON details column
func eventDetails(e *models.DeviceEvent) models.Variables {
	details := models.Variables{}.Merge(e.Details)
	if e.Battery != nil {
		details["battery"] = *e.Battery
	}
	if e.Streaming != nil {
		details["live"] = e.Streaming.Live
		details["stored"] = e.Streaming.Stored
	}
	if e.Progress != nil {
		details["received"] = e.Progress.Received
		details["total"] = e.Progress.Total
	}
	if len(details) == 0 {
		return nil
	}
	return details
}
