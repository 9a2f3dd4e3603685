// Package transport is the boundary to the host BLE stack. Requests are
// issued through Transport and their results come back as Events.
package transport

import (
	"context"
	"fmt"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// GATT status codes carried in Event.Status
const (
	StatusSuccess = 0
	// StatusConnTimeout is the link supervision timeout
	StatusConnTimeout = 8
	// StatusGattError is the generic stack error, usually transient while connecting
	StatusGattError = 133
	// StatusLocalTerminated is reported for a disconnect the host asked for
	StatusLocalTerminated = 22
)

// EventKind enumerates transport results
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventServicesDiscovered
	EventMTUChanged
	EventNotificationsEnabled
	EventCharacteristicWritten
	EventCharacteristicRead
	EventNotification
	EventDiscovered
)

var eventKindNames = map[EventKind]string{
	EventConnected:             "connected",
	EventDisconnected:          "disconnected",
	EventServicesDiscovered:    "services_discovered",
	EventMTUChanged:            "mtu_changed",
	EventNotificationsEnabled:  "notifications_enabled",
	EventCharacteristicWritten: "characteristic_written",
	EventCharacteristicRead:    "characteristic_read",
	EventNotification:          "notification",
	EventDiscovered:            "discovered",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one result delivered by the transport
type Event struct {
	Kind    EventKind
	Address nirs.Address
	UUID    string
	// Data is the value read or notified; written events echo the payload
	Data    []byte
	Status  int
	MTU     int
	Name    string
	RSSI    int
}

// OK reports a successful result
func (e Event) OK() bool {
	return e.Status == StatusSuccess
}

func (e Event) String() string {
	if e.UUID != "" {
		return fmt.Sprintf("%s %s %s status=%d len=%d", e.Kind, e.Address, e.UUID, e.Status, len(e.Data))
	}
	return fmt.Sprintf("%s %s status=%d", e.Kind, e.Address, e.Status)
}

// Transport is a capability-style BLE central.
// A returned error means the request could not be issued; otherwise exactly
// one result Event follows (Connect may instead yield EventDisconnected).
type Transport interface {
	Connect(ctx context.Context, addr nirs.Address) error
	// Close releases the handle without producing an event
	Close(addr nirs.Address) error
	DiscoverServices(addr nirs.Address) error
	RequestMTU(addr nirs.Address, size int) error
	WriteCharacteristic(addr nirs.Address, uuid string, data []byte, withResponse bool) error
	ReadCharacteristic(addr nirs.Address, uuid string) error
	EnableNotifications(addr nirs.Address, uuid string) error
	StartScan(ctx context.Context) error
	Events() <-chan Event
}
