package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// EventType represents device event types
type EventType string

const (
	EventTypeConnected        EventType = "CONNECTED"
	EventTypeDisconnected     EventType = "DISCONNECTED"
	EventTypeState            EventType = "STATE"
	EventTypeBattery          EventType = "BATTERY"
	EventTypeStreaming        EventType = "STREAMING"
	EventTypeProgress         EventType = "PROGRESS"
	EventTypeDownloadComplete EventType = "DOWNLOAD_COMPLETE"
	EventTypeRescanNeeded     EventType = "RESCAN_NEEDED"
	EventTypeReconnecting     EventType = "RECONNECTING"
)

// DeviceEvent is a state signal published across the core boundary.
// It never carries raw transport errors.
type DeviceEvent struct {
	ID        uuid.UUID    `json:"id" db:"id"`
	CreatedAt time.Time    `json:"createdAt" db:"created_at"`
	Address   nirs.Address `json:"address" db:"address"`
	Type      EventType    `json:"type" db:"type"`

	State     string          `json:"state,omitempty" db:"state"`
	Battery   *int            `json:"battery,omitempty" db:"-"`
	Streaming *StreamingFlags `json:"streaming,omitempty" db:"-"`
	Progress  *Progress       `json:"progress,omitempty" db:"-"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// StreamingFlags mirrors the device's live and stored streaming flags
type StreamingFlags struct {
	Live   bool `json:"live"`
	Stored bool `json:"stored"`
}

// Progress is the historical transfer counter pair
type Progress struct {
	Received uint32 `json:"received"`
	Total    uint32 `json:"total"`
}

// NewDeviceEvent creates an event stamped now
func NewDeviceEvent(addr nirs.Address, typ EventType) *DeviceEvent {
	return &DeviceEvent{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		Address:   addr,
		Type:      typ,
	}
}
