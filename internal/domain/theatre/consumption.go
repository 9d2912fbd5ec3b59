package theatre

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/supply/internal/platform/db"
	"github.com/clinic/supply/internal/platform/telemetry"
)

// UsageRequest records consumption of one batch during a procedure.
type UsageRequest struct {
	ProcedureID uuid.UUID `json:"procedure_id"`
	StoreID     uuid.UUID `json:"store_id"`
	ItemID      uuid.UUID `json:"item_id"`
	BatchNumber string    `json:"batch_number"`
	Quantity    int64     `json:"quantity"`
	Purpose     *string   `json:"purpose,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
}

// UsageLine is one entry of a batch recording; the procedure comes from
// the batch.
type UsageLine struct {
	StoreID     uuid.UUID `json:"store_id"`
	ItemID      uuid.UUID `json:"item_id"`
	BatchNumber string    `json:"batch_number"`
	Quantity    int64     `json:"quantity"`
	Purpose     *string   `json:"purpose,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
}

type UsageResult struct {
	Index int             `json:"index"`
	Usage *ProcedureUsage `json:"usage,omitempty"`
	Err   error           `json:"-"`
}

// ConsumptionRecorder writes immutable usage rows and draws the matching
// stock down in the same transaction.
type ConsumptionRecorder struct {
	usages  UsageRepository
	items   ItemCatalog
	ledger  *Ledger
	tx      db.TxRunner
	metrics *telemetry.SupplyMetrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewConsumptionRecorder(usages UsageRepository, items ItemCatalog, ledger *Ledger, tx db.TxRunner, opts Options) *ConsumptionRecorder {
	opts = opts.withDefaults()
	return &ConsumptionRecorder{
		usages:  usages,
		items:   items,
		ledger:  ledger,
		tx:      tx,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "consumption_recorder").Logger(),
		now:     opts.Now,
	}
}

// RecordUsage fails with ErrInsufficientStock, leaving stock and usage
// untouched, when the batch cannot cover the quantity.
func (r *ConsumptionRecorder) RecordUsage(ctx context.Context, in UsageRequest, user string) (*ProcedureUsage, error) {
	if err := requireActor(user); err != nil {
		return nil, err
	}
	if in.ProcedureID == uuid.Nil {
		return nil, validationf("procedure_id is required")
	}
	if in.Quantity <= 0 {
		return nil, validationf("quantity must be positive, got %d", in.Quantity)
	}
	batch := strings.TrimSpace(in.BatchNumber)
	key := StockKey{StoreID: in.StoreID, ItemID: in.ItemID, BatchNumber: batch}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	ok, err := r.items.Exists(ctx, in.ItemID)
	if err != nil {
		return nil, fmt.Errorf("check consumable item %s: %w", in.ItemID, err)
	}
	if !ok {
		return nil, notFoundf("consumable item %s", in.ItemID)
	}

	u := &ProcedureUsage{
		ID:          uuid.New(),
		ProcedureID: in.ProcedureID,
		ItemID:      in.ItemID,
		StoreID:     in.StoreID,
		BatchNumber: batch,
		Quantity:    in.Quantity,
		UsedBy:      user,
		UsedAt:      r.now(),
		Purpose:     in.Purpose,
		Notes:       in.Notes,
	}
	err = r.tx.InTx(ctx, func(ctx context.Context) error {
		ref := u.ID
		if _, err := r.ledger.Decrease(ctx, key, u.Quantity, Movement{
			Reason:      ReasonUsage,
			ReferenceID: &ref,
			Actor:       user,
		}); err != nil {
			return err
		}
		return r.usages.Create(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	db.AfterCommit(ctx, func() {
		r.metrics.UsageRecorded()
		r.logger.Info().
			Str("usage", u.ID.String()).
			Str("procedure", u.ProcedureID.String()).
			Str("batch", key.String()).
			Int64("quantity", u.Quantity).
			Str("used_by", user).
			Msg("usage recorded")
	})
	return u, nil
}

// RecordBatch records each line in its own transaction. A failed line
// does not undo the lines before it; the caller reads the per-line
// results.
func (r *ConsumptionRecorder) RecordBatch(ctx context.Context, procedureID uuid.UUID, lines []UsageLine, user string) []UsageResult {
	results := make([]UsageResult, len(lines))
	failed := 0
	for i, l := range lines {
		u, err := r.RecordUsage(ctx, UsageRequest{
			ProcedureID: procedureID,
			StoreID:     l.StoreID,
			ItemID:      l.ItemID,
			BatchNumber: l.BatchNumber,
			Quantity:    l.Quantity,
			Purpose:     l.Purpose,
			Notes:       l.Notes,
		}, user)
		results[i] = UsageResult{Index: i, Usage: u, Err: err}
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		r.metrics.UsageBatchFailed(failed)
		r.logger.Warn().
			Str("procedure", procedureID.String()).
			Int("lines", len(lines)).
			Int("failed", failed).
			Msg("usage batch partially recorded")
	}
	return results
}

func (r *ConsumptionRecorder) Get(ctx context.Context, id uuid.UUID) (*ProcedureUsage, error) {
	return r.usages.GetByID(ctx, id)
}

// List returns usage newest first.
func (r *ConsumptionRecorder) List(ctx context.Context, f UsageFilter, limit, offset int) ([]*ProcedureUsage, int, error) {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, 0, validationf("to must not be before from")
	}
	return r.usages.List(ctx, f, limit, offset)
}
