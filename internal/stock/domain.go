package stock

import (
	"time"

	"github.com/google/uuid"
)

// MovementType enumerates ledger entry kinds.
type MovementType string

const (
	// MovementReserved holds stock against an order not yet finalised.
	MovementReserved MovementType = "reserved"
	// MovementSold is a reserved entry relabelled on confirmation.
	MovementSold MovementType = "sold"
	// MovementRestored returns stock to availability.
	MovementRestored MovementType = "restored"
	// MovementAdjustmentIn is a manual increase.
	MovementAdjustmentIn MovementType = "adjustment_in"
	// MovementAdjustmentOut is a manual decrease.
	MovementAdjustmentOut MovementType = "adjustment_out"
	// MovementDamage is a legacy manual write-off, read only.
	MovementDamage MovementType = "damage"
	// MovementAdjustment is a legacy signed manual entry, read only.
	MovementAdjustment MovementType = "adjustment"
)

// Valid reports whether the type is known to the ledger.
func (t MovementType) Valid() bool {
	switch t {
	case MovementReserved, MovementSold, MovementRestored, MovementAdjustmentIn, MovementAdjustmentOut, MovementDamage, MovementAdjustment:
		return true
	}
	return false
}

// Variant is the balance record of one sellable variant.
type Variant struct {
	ID        uuid.UUID `json:"variant_id"`
	SKU       string    `json:"sku"`
	Available int64     `json:"available_stock"`
	Reserved  int64     `json:"reserved_stock"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Movement is one immutable ledger entry.
type Movement struct {
	ID            uuid.UUID    `json:"id"`
	Seq           int64        `json:"seq"`
	VariantID     uuid.UUID    `json:"variant_id"`
	OrderID       *uuid.UUID   `json:"order_id,omitempty"`
	Type          MovementType `json:"movement_type"`
	Quantity      int64        `json:"quantity"`
	ReservedDelta int64        `json:"reserved_delta"`
	BalanceBefore int64        `json:"balance_before"`
	BalanceAfter  int64        `json:"balance_after"`
	Source        string       `json:"source,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	Actor         string       `json:"actor,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Item is one line of a reservation or restoration batch.
type Item struct {
	VariantID uuid.UUID `json:"variant_id" validate:"required"`
	Quantity  int64     `json:"quantity" validate:"gt=0"`
}

// ReserveInput requests a reservation batch.
type ReserveInput struct {
	OrderID *uuid.UUID `json:"order_id,omitempty"`
	Items   []Item     `json:"items" validate:"required,min=1,dive"`
}

// ConfirmInput finalises a reservation as sold.
type ConfirmInput struct {
	VariantID uuid.UUID `json:"variant_id" validate:"required"`
	Quantity  int64     `json:"quantity" validate:"gt=0"`
	OrderID   uuid.UUID `json:"order_id" validate:"required"`
}

// RestoreInput returns stock to availability.
type RestoreInput struct {
	OrderID *uuid.UUID `json:"order_id,omitempty"`
	Reason  string     `json:"reason"`
	Items   []Item     `json:"items" validate:"required,min=1,dive"`
}

// AdjustInput is a manual correction of one variant.
type AdjustInput struct {
	VariantID uuid.UUID `json:"variant_id" validate:"required"`
	Delta     int64     `json:"quantity_delta"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor,omitempty"`
}

// AdjustBatchInput applies several manual corrections all or nothing.
type AdjustBatchInput struct {
	Adjustments []AdjustInput `json:"adjustments" validate:"required,min=1,dive"`
	Actor       string        `json:"actor,omitempty"`
}

// CreateVariantInput registers a variant with its opening stock.
type CreateVariantInput struct {
	ID        uuid.UUID `json:"variant_id"`
	SKU       string    `json:"sku" validate:"required,max=64"`
	Available int64     `json:"available_stock" validate:"gte=0"`
}

// ItemResult describes the effect on one variant.
type ItemResult struct {
	VariantID     uuid.UUID `json:"variant_id"`
	SKU           string    `json:"sku,omitempty"`
	PreviousStock int64     `json:"previous_stock"`
	NewStock      int64     `json:"new_stock"`
	Deducted      int64     `json:"deducted,omitempty"`
	Restored      int64     `json:"restored,omitempty"`
	Adjusted      int64     `json:"adjusted,omitempty"`
	Confirmed     int64     `json:"confirmed,omitempty"`
}

// BatchResult is the structured outcome of a batch operation. Exactly one of
// Items or Errors is populated.
type BatchResult struct {
	Success bool         `json:"success"`
	Items   []ItemResult `json:"items,omitempty"`
	Errors  []ItemError  `json:"errors,omitempty"`
	Skipped []uuid.UUID  `json:"skipped,omitempty"`
}

// MovementFilter narrows ledger queries. Results are newest first.
type MovementFilter struct {
	VariantID uuid.UUID
	OrderID   uuid.UUID
	Limit     int
}

// Reconciliation compares a variant's balance against its replayed ledger.
type Reconciliation struct {
	VariantID         uuid.UUID `json:"variant_id"`
	Available         int64     `json:"available_stock"`
	Reserved          int64     `json:"reserved_stock"`
	ReplayedAvailable int64     `json:"replayed_available"`
	ReplayedReserved  int64     `json:"replayed_reserved"`
	Movements         int       `json:"movements"`
}

// Consistent reports whether the ledger reproduces the balance.
func (r Reconciliation) Consistent() bool {
	return r.Available == r.ReplayedAvailable && r.Reserved == r.ReplayedReserved
}

const (
	minReasonLength = 3
	defaultLimit    = 200
	maxLimit        = 1000
)
