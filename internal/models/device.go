package models

import (
	"time"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// DeviceRecord is the persisted identity of a device that has been onboarded
type DeviceRecord struct {
	Address         nirs.Address `json:"address" db:"address"`
	Name            string       `json:"name" db:"name"`
	Family          nirs.Family  `json:"family" db:"family"`
	ArgusSubVersion uint8        `json:"argusSubVersion" db:"argus_sub_version"`
	FirmwareVersion string       `json:"firmwareVersion" db:"firmware_version"`
	NVMVersion      uint32       `json:"nvmVersion" db:"nvm_version"`

	SetupCompletedAt *time.Time `json:"setupCompletedAt,omitempty" db:"setup_completed_at"`
	LastSeenAt       *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// HasCompletedSetup reports whether the device finished onboarding at least once
func (d *DeviceRecord) HasCompletedSetup() bool {
	return d != nil && d.SetupCompletedAt != nil
}
