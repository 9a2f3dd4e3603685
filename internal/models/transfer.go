package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/nirs"
)

// TransferRecord tracks one historical (stored) download
type TransferRecord struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	Address     nirs.Address `json:"address" db:"address"`
	StartedAt   time.Time    `json:"startedAt" db:"started_at"`
	CompletedAt *time.Time   `json:"completedAt,omitempty" db:"completed_at"`
	Total       uint32       `json:"total" db:"total"`
	Received    uint32       `json:"received" db:"received"`
}

// Complete reports whether END_HISTORICAL (or a zero total) closed the transfer
func (t *TransferRecord) Complete() bool {
	return t.CompletedAt != nil
}
