package theatre

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RequisitionStatus string

const (
	StatusDraft     RequisitionStatus = "DRAFT"
	StatusSubmitted RequisitionStatus = "SUBMITTED"
	StatusApproved  RequisitionStatus = "APPROVED"
	StatusRejected  RequisitionStatus = "REJECTED"
	StatusFulfilled RequisitionStatus = "FULFILLED"
	StatusCancelled RequisitionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s RequisitionStatus) Terminal() bool {
	return s == StatusRejected || s == StatusFulfilled || s == StatusCancelled
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

var priorityRank = map[Priority]int{
	PriorityUrgent: 0,
	PriorityHigh:   1,
	PriorityMedium: 2,
	PriorityLow:    3,
}

func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

type TransferStatus string

const (
	TransferPending   TransferStatus = "PENDING"
	TransferCompleted TransferStatus = "COMPLETED"
	TransferCancelled TransferStatus = "CANCELLED"
)

type MovementReason string

const (
	ReasonTransferIn MovementReason = "TRANSFER_IN"
	ReasonUsage      MovementReason = "USAGE"
)

// Requisition maps to the requisition table.
type Requisition struct {
	ID              uuid.UUID          `db:"id" json:"id"`
	Number          string             `db:"number" json:"number"`
	Title           string             `db:"title" json:"title"`
	Description     *string            `db:"description" json:"description,omitempty"`
	RequestedBy     string             `db:"requested_by" json:"requested_by"`
	RequestedAt     time.Time          `db:"requested_at" json:"requested_at"`
	RequiredBy      *time.Time         `db:"required_by" json:"required_by,omitempty"`
	Status          RequisitionStatus  `db:"status" json:"status"`
	Priority        Priority           `db:"priority" json:"priority"`
	DepartmentID    *uuid.UUID         `db:"department_id" json:"department_id,omitempty"`
	ProcedureID     *uuid.UUID         `db:"procedure_id" json:"procedure_id,omitempty"`
	ApprovedBy      *string            `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt      *time.Time         `db:"approved_at" json:"approved_at,omitempty"`
	RejectionReason *string            `db:"rejection_reason" json:"rejection_reason,omitempty"`
	Notes           *string            `db:"notes" json:"notes,omitempty"`
	UpdatedBy       *string            `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
	Lines           []*RequisitionLine `db:"-" json:"lines"`
}

// Line returns the line with the given id, or nil.
func (r *Requisition) Line(id uuid.UUID) *RequisitionLine {
	for _, l := range r.Lines {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// FullyFulfilled holds when at least one line was approved above zero and
// every such line has been delivered in full.
func (r *Requisition) FullyFulfilled() bool {
	approved := false
	for _, l := range r.Lines {
		if l.QuantityApproved == 0 {
			continue
		}
		approved = true
		if l.QuantityFulfilled < l.QuantityApproved {
			return false
		}
	}
	return approved
}

// TotalCost sums the line totals.
func (r *Requisition) TotalCost() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range r.Lines {
		sum = sum.Add(l.TotalCost)
	}
	return sum
}

// RequisitionLine maps to the requisition_line table.
// Invariant: 0 <= QuantityFulfilled <= QuantityApproved <= QuantityRequested.
type RequisitionLine struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	RequisitionID     uuid.UUID       `db:"requisition_id" json:"requisition_id"`
	Position          int             `db:"position" json:"position"`
	ItemID            uuid.UUID       `db:"item_id" json:"item_id"`
	QuantityRequested int64           `db:"quantity_requested" json:"quantity_requested"`
	QuantityApproved  int64           `db:"quantity_approved" json:"quantity_approved"`
	QuantityFulfilled int64           `db:"quantity_fulfilled" json:"quantity_fulfilled"`
	UnitCost          decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	TotalCost         decimal.Decimal `db:"total_cost" json:"total_cost"`
	Purpose           *string         `db:"purpose" json:"purpose,omitempty"`
	Notes             *string         `db:"notes" json:"notes,omitempty"`
}

// Outstanding is the approved quantity not yet transferred.
func (l *RequisitionLine) Outstanding() int64 {
	return l.QuantityApproved - l.QuantityFulfilled
}

// StoreTransfer maps to the store_transfer table.
type StoreTransfer struct {
	ID            uuid.UUID            `db:"id" json:"id"`
	RequisitionID *uuid.UUID           `db:"requisition_id" json:"requisition_id,omitempty"`
	FromStore     string               `db:"from_store" json:"from_store"`
	ToStoreID     uuid.UUID            `db:"to_store_id" json:"to_store_id"`
	TransferredBy string               `db:"transferred_by" json:"transferred_by"`
	TransferredAt time.Time            `db:"transferred_at" json:"transferred_at"`
	Status        TransferStatus       `db:"status" json:"status"`
	Notes         *string              `db:"notes" json:"notes,omitempty"`
	CompletedAt   *time.Time           `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time            `db:"created_at" json:"created_at"`
	Lines         []*StoreTransferLine `db:"-" json:"lines"`
}

// StoreTransferLine maps to the store_transfer_line table.
type StoreTransferLine struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	TransferID        uuid.UUID       `db:"transfer_id" json:"transfer_id"`
	RequisitionLineID *uuid.UUID      `db:"requisition_line_id" json:"requisition_line_id,omitempty"`
	ItemID            uuid.UUID       `db:"item_id" json:"item_id"`
	Quantity          int64           `db:"quantity" json:"quantity"`
	BatchNumber       string          `db:"batch_number" json:"batch_number"`
	ExpiryDate        *time.Time      `db:"expiry_date" json:"expiry_date,omitempty"`
	IsSterile         *bool           `db:"is_sterile" json:"is_sterile,omitempty"`
	UnitCost          decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	TotalCost         decimal.Decimal `db:"total_cost" json:"total_cost"`
}

// StockKey identifies one batch of one item in one theatre store.
type StockKey struct {
	StoreID     uuid.UUID `json:"store_id"`
	ItemID      uuid.UUID `json:"item_id"`
	BatchNumber string    `json:"batch_number"`
}

func (k StockKey) String() string {
	return k.StoreID.String() + "/" + k.ItemID.String() + "/" + k.BatchNumber
}

// BatchMetadata is applied when a batch is first stocked or restocked.
// Nil fields leave the stored value untouched on restock.
type BatchMetadata struct {
	ExpiryDate      *time.Time `json:"expiry_date,omitempty"`
	IsSterile       *bool      `json:"is_sterile,omitempty"`
	MinimumQuantity *int64     `json:"minimum_quantity,omitempty"`
	MaximumQuantity *int64     `json:"maximum_quantity,omitempty"`
}

// StoreBatchStock maps to the store_batch_stock table.
type StoreBatchStock struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	StoreID           uuid.UUID  `db:"store_id" json:"store_id"`
	ItemID            uuid.UUID  `db:"item_id" json:"item_id"`
	BatchNumber       string     `db:"batch_number" json:"batch_number"`
	QuantityAvailable int64      `db:"quantity_available" json:"quantity_available"`
	MinimumQuantity   *int64     `db:"minimum_quantity" json:"minimum_quantity,omitempty"`
	MaximumQuantity   *int64     `db:"maximum_quantity" json:"maximum_quantity,omitempty"`
	ExpiryDate        *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	IsSterile         bool       `db:"is_sterile" json:"is_sterile"`
	IsActive          bool       `db:"is_active" json:"is_active"`
	LastRestockedAt   *time.Time `db:"last_restocked_at" json:"last_restocked_at,omitempty"`
	Version           int64      `db:"version" json:"version"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

func (s *StoreBatchStock) Key() StockKey {
	return StockKey{StoreID: s.StoreID, ItemID: s.ItemID, BatchNumber: s.BatchNumber}
}

// BelowMinimum reports whether the batch has dropped to its reorder point.
func (s *StoreBatchStock) BelowMinimum() bool {
	return s.MinimumQuantity != nil && s.QuantityAvailable <= *s.MinimumQuantity
}

// Movement describes why the ledger is being changed and by whom.
type Movement struct {
	Reason      MovementReason
	ReferenceID *uuid.UUID
	Actor       string
}

// StockMovement maps to the stock_movement journal.
type StockMovement struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	StoreID      uuid.UUID      `db:"store_id" json:"store_id"`
	ItemID       uuid.UUID      `db:"item_id" json:"item_id"`
	BatchNumber  string         `db:"batch_number" json:"batch_number"`
	Delta        int64          `db:"delta" json:"delta"`
	BalanceAfter int64          `db:"balance_after" json:"balance_after"`
	Reason       MovementReason `db:"reason" json:"reason"`
	ReferenceID  *uuid.UUID     `db:"reference_id" json:"reference_id,omitempty"`
	Actor        string         `db:"actor" json:"actor"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// ProcedureUsage maps to the procedure_usage table. Rows are never updated
// or deleted.
type ProcedureUsage struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ProcedureID uuid.UUID `db:"procedure_id" json:"procedure_id"`
	ItemID      uuid.UUID `db:"item_id" json:"item_id"`
	StoreID     uuid.UUID `db:"store_id" json:"store_id"`
	BatchNumber string    `db:"batch_number" json:"batch_number"`
	Quantity    int64     `db:"quantity" json:"quantity"`
	UsedBy      string    `db:"used_by" json:"used_by"`
	UsedAt      time.Time `db:"used_at" json:"used_at"`
	Purpose     *string   `db:"purpose" json:"purpose,omitempty"`
	Notes       *string   `db:"notes" json:"notes,omitempty"`
}

// TheatreStore maps to the theatre_store table.
// StoreFilter narrows store listings. Location matches any part of the
// stored location, case-insensitively.
type StoreFilter struct {
	ActiveOnly bool
	StoreType  string
	Location   string
	ManagedBy  string
}

type TheatreStore struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	Location    *string   `db:"location" json:"location,omitempty"`
	StoreType   string    `db:"store_type" json:"store_type"`
	Capacity    *int      `db:"capacity" json:"capacity,omitempty"`
	ManagedBy   *string   `db:"managed_by" json:"managed_by,omitempty"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
