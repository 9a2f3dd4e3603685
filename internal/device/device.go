// Package device holds the mutable per-connection record of one sensor.
package device

import (
	"sync"
	"time"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/aggregator"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// VersionInfo is what setup learns about the hardware
type VersionInfo struct {
	FirmwareVersion string      `json:"firmwareVersion"`
	NVMVersion      uint32      `json:"nvmVersion"`
	Family          nirs.Family `json:"family"`
	ArgusSubVersion uint8       `json:"argusSubVersion"`
}

// Progress counts packets of the current historical transfer
type Progress struct {
	Received uint32 `json:"received"`
	Total    uint32 `json:"total"`
}

// Snapshot is a consistent copy of a Device for readers
type Snapshot struct {
	Address                 nirs.Address `json:"address"`
	Name                    string       `json:"name"`
	State                   State        `json:"state"`
	Version                 VersionInfo  `json:"version"`
	BatteryPercent          int          `json:"batteryPercent"`
	IsStreamingLive         bool         `json:"isStreamingLive"`
	IsStreamingStored       bool         `json:"isStreamingStored"`
	HasCompletedSetupBefore bool         `json:"hasCompletedSetupBefore"`
	Progress                Progress     `json:"progress"`
	ConnectedAt             *time.Time   `json:"connectedAt,omitempty"`
}

// Device is one sensor. All fields are guarded by mu.
type Device struct {
	mu sync.RWMutex

	address nirs.Address
	name    string

	state           State
	version         VersionInfo
	battery         int
	streamingLive   bool
	streamingStored bool
	completedBefore bool
	connectedAt     *time.Time

	preview nirs.Anchor
	stored  nirs.Anchor

	progress     Progress
	transferOpen bool

	agg *aggregator.Aggregator
}

// New creates a disconnected device. The family is guessed from the name until firmware says otherwise.
func New(addr nirs.Address, name string) *Device {
	return &Device{
		address: addr,
		name:    name,
		battery: nirs.BatteryNotReceived,
		version: VersionInfo{
			FirmwareVersion: nirs.FirmwareNotReceived,
			Family:          nirs.FamilyFromName(name),
		},
	}
}

// Address returns the hardware address
func (d *Device) Address() nirs.Address {
	return d.address
}

// Name returns the advertised name
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

// SetName updates the name when a later advertisement carries one
func (d *Device) SetName(name string) {
	if name == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name = name
	if d.version.Family == nirs.FamilyUnknown && d.version.FirmwareVersion == nirs.FirmwareNotReceived {
		d.version.Family = nirs.FamilyFromName(name)
	}
}

// State returns the current setup state
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetState moves to s and returns the previous state
func (d *Device) SetState(s State) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.state
	d.state = s
	switch {
	case s == Connected && prev < Connected:
		now := time.Now()
		d.connectedAt = &now
	case s <= Connecting:
		d.connectedAt = nil
		d.streamingLive = false
		d.streamingStored = false
	}
	return prev
}

// Version returns the version info
func (d *Device) Version() VersionInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// SetVersion replaces the version info
func (d *Device) SetVersion(v VersionInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
}

// SetFirmware records a firmware response, or the not-received sentinel when info is nil
func (d *Device) SetFirmware(info *nirs.FirmwareInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if info == nil {
		d.version.FirmwareVersion = nirs.FirmwareNotReceived
		return
	}
	d.version.FirmwareVersion = info.Version
	d.version.Family = info.Family
	d.version.ArgusSubVersion = info.SubVersion
}

// SetNVM records the NVM version
func (d *Device) SetNVM(v uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version.NVMVersion = v
}

// Battery returns the last battery percentage or BatteryNotReceived
func (d *Device) Battery() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.battery
}

// SetBattery records the battery percentage
func (d *Device) SetBattery(pct int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.battery = pct
}

// SetStreamingLive sets the live streaming flag
func (d *Device) SetStreamingLive(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streamingLive = on
}

// SetStreamingStored sets the stored streaming flag
func (d *Device) SetStreamingStored(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streamingStored = on
}

// MarkSetupComplete sets the sticky completed flag. It is never cleared.
func (d *Device) MarkSetupComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completedBefore = true
}

// HasCompletedSetupBefore reports the sticky flag
func (d *Device) HasCompletedSetupBefore() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.completedBefore
}

// AttachAggregator hands the device its aggregator; a previous one is closed
func (d *Device) AttachAggregator(agg *aggregator.Aggregator) {
	d.mu.Lock()
	prev := d.agg
	d.agg = agg
	d.mu.Unlock()

	if prev != nil && prev != agg {
		prev.Close()
	}
}

// Aggregator returns the attached aggregator, nil before setup completes
func (d *Device) Aggregator() *aggregator.Aggregator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.agg
}

// DetachAggregator flushes and drops the aggregator
func (d *Device) DetachAggregator() {
	d.AttachAggregator(nil)
}

// Snapshot returns a copy of the observable fields
func (d *Device) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Snapshot{
		Address:                 d.address,
		Name:                    d.name,
		State:                   d.state,
		Version:                 d.version,
		BatteryPercent:          d.battery,
		IsStreamingLive:         d.streamingLive,
		IsStreamingStored:       d.streamingStored,
		HasCompletedSetupBefore: d.completedBefore,
		Progress:                d.progress,
	}
	if d.connectedAt != nil {
		at := *d.connectedAt
		s.ConnectedAt = &at
	}
	return s
}

func (d *Device) frameContext(stream nirs.Stream) nirs.FrameContext {
	return nirs.FrameContext{
		Address:         d.address,
		Family:          d.version.Family,
		ArgusSubVersion: d.version.ArgusSubVersion,
		Stream:          stream,
	}
}
