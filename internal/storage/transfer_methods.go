package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// ========== Transfer Methods ==========

// CreateTransfer records the start of a historical download
func (s *PostgresStore) CreateTransfer(ctx context.Context, transfer *models.TransferRecord) error {
	if transfer.ID == uuid.Nil {
		transfer.ID = uuid.New()
	}
	if transfer.StartedAt.IsZero() {
		transfer.StartedAt = time.Now()
	}

	query := `
        INSERT INTO transfers (id, address, started_at, completed_at, total, received)
        VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.getDB().ExecContext(ctx, query,
		transfer.ID, int64(transfer.Address), transfer.StartedAt, transfer.CompletedAt,
		int64(transfer.Total), int64(transfer.Received),
	)
	return mapError(err)
}

// UpdateTransfer stores progress; a completed transfer also refreshes the device's last_seen_at
func (s *PostgresStore) UpdateTransfer(ctx context.Context, transfer *models.TransferRecord) error {
	return s.withTx(ctx, func(tx *PostgresStore) error {
		result, err := tx.getDB().ExecContext(ctx, `
            UPDATE transfers SET completed_at = $2, total = $3, received = $4
            WHERE id = $1`,
			transfer.ID, transfer.CompletedAt, int64(transfer.Total), int64(transfer.Received),
		)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}

		if transfer.CompletedAt == nil {
			return nil
		}
		_, err = tx.getDB().ExecContext(ctx,
			"UPDATE devices SET last_seen_at = $2, updated_at = $2 WHERE address = $1",
			int64(transfer.Address), *transfer.CompletedAt,
		)
		return err
	})
}

// ListTransfers lists the newest transfers of a device
func (s *PostgresStore) ListTransfers(ctx context.Context, addr nirs.Address, limit int) ([]*models.TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.getDB().QueryContext(ctx, `
        SELECT id, address, started_at, completed_at, total, received
        FROM transfers WHERE address = $1
        ORDER BY started_at DESC LIMIT $2`, int64(addr), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []*models.TransferRecord
	for rows.Next() {
		var (
			t           models.TransferRecord
			address     int64
			completedAt sql.NullTime
			total       int64
			received    int64
		)
		if err := rows.Scan(&t.ID, &address, &t.StartedAt, &completedAt, &total, &received); err != nil {
			return nil, err
		}
		t.Address = nirs.Address(address)
		t.Total = uint32(total)
		t.Received = uint32(received)
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		transfers = append(transfers, &t)
	}

	return transfers, rows.Err()
}
