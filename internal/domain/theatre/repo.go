package theatre

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RequisitionFilter narrows List. Zero values are ignored.
type RequisitionFilter struct {
	Status      RequisitionStatus
	Priority    Priority
	RequestedBy string
	ProcedureID *uuid.UUID
	From        *time.Time
	To          *time.Time
}

// UsageFilter narrows ConsumptionRecorder.List. Zero values are ignored.
type UsageFilter struct {
	ProcedureID *uuid.UUID
	ItemID      *uuid.UUID
	StoreID     *uuid.UUID
	UsedBy      string
	From        *time.Time
	To          *time.Time
}

// RequisitionRepository returns ErrNotFound for unknown ids. GetForUpdate
// must lock the header row until the surrounding transaction ends.
type RequisitionRepository interface {
	Create(ctx context.Context, r *Requisition) error
	GetByID(ctx context.Context, id uuid.UUID) (*Requisition, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Requisition, error)
	UpdateHeader(ctx context.Context, r *Requisition) error
	ReplaceLines(ctx context.Context, requisitionID uuid.UUID, lines []*RequisitionLine) error
	UpdateLineQuantities(ctx context.Context, l *RequisitionLine) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f RequisitionFilter, limit, offset int) ([]*Requisition, int, error)
	ListPending(ctx context.Context, limit, offset int) ([]*Requisition, int, error)
}

type TransferRepository interface {
	Create(ctx context.Context, t *StoreTransfer) error
	GetByID(ctx context.Context, id uuid.UUID) (*StoreTransfer, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*StoreTransfer, error)
	UpdateStatus(ctx context.Context, t *StoreTransfer) error
	ListByRequisition(ctx context.Context, requisitionID uuid.UUID) ([]*StoreTransfer, error)
}

// StockRepository is the persistence side of the ledger. Upsert and
// DecrementIfAvailable must each be a single atomic statement per key.
type StockRepository interface {
	Upsert(ctx context.Context, key StockKey, qty int64, meta BatchMetadata) (*StoreBatchStock, error)
	// DecrementIfAvailable reports false without changing anything when the
	// batch is missing, inactive or holds less than qty.
	DecrementIfAvailable(ctx context.Context, key StockKey, qty int64) (*StoreBatchStock, bool, error)
	Get(ctx context.Context, key StockKey) (*StoreBatchStock, error)
	ListByStoreItem(ctx context.Context, storeID, itemID uuid.UUID) ([]*StoreBatchStock, error)
	ListByStore(ctx context.Context, storeID uuid.UUID, lowOnly bool) ([]*StoreBatchStock, error)
	// DeactivateIfEmpty reports false when the batch still holds stock.
	DeactivateIfEmpty(ctx context.Context, key StockKey) (bool, error)
	AppendMovement(ctx context.Context, m *StockMovement) error
	ListMovements(ctx context.Context, key StockKey, limit, offset int) ([]*StockMovement, int, error)
}

type UsageRepository interface {
	Create(ctx context.Context, u *ProcedureUsage) error
	GetByID(ctx context.Context, id uuid.UUID) (*ProcedureUsage, error)
	List(ctx context.Context, f UsageFilter, limit, offset int) ([]*ProcedureUsage, int, error)
}

type StoreRepository interface {
	Create(ctx context.Context, s *TheatreStore) error
	GetByID(ctx context.Context, id uuid.UUID) (*TheatreStore, error)
	Update(ctx context.Context, s *TheatreStore) error
	List(ctx context.Context, f StoreFilter, limit, offset int) ([]*TheatreStore, int, error)
}
