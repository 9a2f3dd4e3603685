package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// ========== Device Methods ==========

// UpsertDevice creates or updates a device. setup_completed_at never goes back to NULL.
func (s *PostgresStore) UpsertDevice(ctx context.Context, device *models.DeviceRecord) error {
	now := time.Now()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (
            address, name, family, argus_sub_version, firmware_version, nvm_version,
            setup_completed_at, last_seen_at, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (address) DO UPDATE SET
            name = EXCLUDED.name,
            family = EXCLUDED.family,
            argus_sub_version = EXCLUDED.argus_sub_version,
            firmware_version = EXCLUDED.firmware_version,
            nvm_version = EXCLUDED.nvm_version,
            setup_completed_at = COALESCE(devices.setup_completed_at, EXCLUDED.setup_completed_at),
            last_seen_at = COALESCE(EXCLUDED.last_seen_at, devices.last_seen_at),
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		int64(device.Address), device.Name, device.Family.String(), device.ArgusSubVersion,
		device.FirmwareVersion, int64(device.NVMVersion),
		device.SetupCompletedAt, device.LastSeenAt, device.CreatedAt, device.UpdatedAt,
	)
	return mapError(err)
}

// GetDevice gets a device by address
func (s *PostgresStore) GetDevice(ctx context.Context, addr nirs.Address) (*models.DeviceRecord, error) {
	query := `
        SELECT address, name, family, argus_sub_version, firmware_version, nvm_version,
               setup_completed_at, last_seen_at, created_at, updated_at
        FROM devices WHERE address = $1`

	device, err := scanDevice(s.getDB().QueryRowContext(ctx, query, int64(addr)))
	if err != nil {
		return nil, mapError(err)
	}
	return device, nil
}

// ListDevices lists every registered device
func (s *PostgresStore) ListDevices(ctx context.Context) ([]*models.DeviceRecord, error) {
	query := `
        SELECT address, name, family, argus_sub_version, firmware_version, nvm_version,
               setup_completed_at, last_seen_at, created_at, updated_at
        FROM devices ORDER BY created_at`

	rows, err := s.getDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.DeviceRecord
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, addr nirs.Address) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM devices WHERE address = $1", int64(addr))
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*models.DeviceRecord, error) {
	var (
		device     models.DeviceRecord
		address    int64
		family     string
		nvm        int64
		setupAt    sql.NullTime
		lastSeenAt sql.NullTime
	)

	err := row.Scan(
		&address, &device.Name, &family, &device.ArgusSubVersion, &device.FirmwareVersion, &nvm,
		&setupAt, &lastSeenAt, &device.CreatedAt, &device.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	device.Address = nirs.Address(address)
	device.Family, _ = nirs.ParseFamily(family)
	device.NVMVersion = uint32(nvm)
	if setupAt.Valid {
		device.SetupCompletedAt = &setupAt.Time
	}
	if lastSeenAt.Valid {
		device.LastSeenAt = &lastSeenAt.Time
	}

	return &device, nil
}
