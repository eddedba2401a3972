package orders

import (
	"time"

	"github.com/google/uuid"
)

// Order is the header row that owns a readable identifier.
type Order struct {
	ID         uuid.UUID `json:"id"`
	ReadableID string    `json:"readable_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CreateInput registers an order. LegacyID imports an order that still
// carries a placeholder instead of allocating a code.
type CreateInput struct {
	ID       uuid.UUID `json:"id"`
	LegacyID string    `json:"legacy_id,omitempty"`
}

// UpdateReadableIDInput requests a change of the readable identifier.
type UpdateReadableIDInput struct {
	ReadableID string `json:"readable_id" validate:"required,max=64"`
}
