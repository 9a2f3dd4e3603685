package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/models"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// CreateEvent stores a device event
func (s *PostgresStore) CreateEvent(ctx context.Context, event *models.DeviceEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO device_events (id, created_at, address, type, state, details)
        VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, int64(event.Address), string(event.Type),
		event.State, eventDetails(event),
	)

	return mapError(err)
}

// ListEvents lists device events with filters, newest first
func (s *PostgresStore) ListEvents(ctx context.Context, filters EventFilters, limit int) ([]*models.DeviceEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT id, created_at, address, type, state, details FROM device_events WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.Address != nil {
		argCount++
		query += fmt.Sprintf(" AND address = $%d", argCount)
		args = append(args, int64(*filters.Address))
	}

	if filters.Type != nil {
		argCount++
		query += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, string(*filters.Type))
	}

	if filters.Since != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filters.Since)
	}

	argCount++
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argCount)
	args = append(args, limit)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.DeviceEvent
	for rows.Next() {
		var (
			e       models.DeviceEvent
			address int64
			typ     string
		)
		if err := rows.Scan(&e.ID, &e.CreatedAt, &address, &typ, &e.State, &e.Details); err != nil {
			return nil, err
		}
		e.Address = nirs.Address(address)
		e.Type = models.EventType(typ)
		events = append(events, &e)
	}

	return events, rows.Err()
}
