package theatre

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/supply/internal/platform/db"
	"github.com/clinic/supply/internal/platform/telemetry"
)

// decreaseAttempts bounds the retries when a refused decrease finds enough
// stock on re-read because a restock committed in between.
const decreaseAttempts = 3

// Ledger owns per-batch quantities. Every mutation is a single conditional
// statement on the batch row plus a journal entry in the same transaction.
type Ledger struct {
	stock   StockRepository
	tx      db.TxRunner
	metrics *telemetry.SupplyMetrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewLedger(stock StockRepository, tx db.TxRunner, opts Options) *Ledger {
	opts = opts.withDefaults()
	return &Ledger{
		stock:   stock,
		tx:      tx,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "stock_ledger").Logger(),
		now:     opts.Now,
	}
}

func validateKey(key StockKey) error {
	if key.StoreID == uuid.Nil {
		return validationf("store_id is required")
	}
	if key.ItemID == uuid.Nil {
		return validationf("item_id is required")
	}
	if key.BatchNumber == "" {
		return validationf("batch_number is required")
	}
	return nil
}

func validateMovement(qty int64, mv Movement) error {
	if qty <= 0 {
		return validationf("quantity must be positive, got %d", qty)
	}
	return requireActor(mv.Actor)
}

// Increase adds qty to the batch, creating it on first stock and
// reactivating it if it was closed.
func (l *Ledger) Increase(ctx context.Context, key StockKey, qty int64, meta BatchMetadata, mv Movement) (*StoreBatchStock, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := validateMovement(qty, mv); err != nil {
		return nil, err
	}

	var out *StoreBatchStock
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		s, err := l.stock.Upsert(ctx, key, qty, meta)
		if err != nil {
			return err
		}
		if err := l.journal(ctx, s, qty, mv); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	balance := out.QuantityAvailable
	db.AfterCommit(ctx, func() {
		l.metrics.StockIncreased(qty)
		l.logger.Info().
			Str("batch", key.String()).
			Int64("quantity", qty).
			Int64("balance", balance).
			Str("reason", string(mv.Reason)).
			Msg("stock increased")
	})
	return out, nil
}

// Decrease removes qty from an active batch. It fails with ErrNotFound when
// the batch is missing or closed and with *InsufficientStockError when it
// holds less than qty. Nothing changes on failure.
func (l *Ledger) Decrease(ctx context.Context, key StockKey, qty int64, mv Movement) (*StoreBatchStock, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := validateMovement(qty, mv); err != nil {
		return nil, err
	}

	var out *StoreBatchStock
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		s, err := l.decrement(ctx, key, qty)
		if err != nil {
			return err
		}
		if err := l.journal(ctx, s, -qty, mv); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		l.rejected(key, qty, err)
		return nil, err
	}

	balance := out.QuantityAvailable
	db.AfterCommit(ctx, func() {
		l.metrics.StockDecreased(qty)
		l.logger.Info().
			Str("batch", key.String()).
			Int64("quantity", qty).
			Int64("balance", balance).
			Str("reason", string(mv.Reason)).
			Msg("stock decreased")
	})
	return out, nil
}

func (l *Ledger) decrement(ctx context.Context, key StockKey, qty int64) (*StoreBatchStock, error) {
	for attempt := 0; ; attempt++ {
		s, ok, err := l.stock.DecrementIfAvailable(ctx, key, qty)
		if err != nil {
			return nil, err
		}
		if ok {
			return s, nil
		}

		current, err := l.stock.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil, notFoundf("batch %s", key)
		}
		if err != nil {
			return nil, err
		}
		if !current.IsActive {
			return nil, notFoundf("batch %s is closed", key)
		}
		if current.QuantityAvailable < qty || attempt+1 >= decreaseAttempts {
			return nil, &InsufficientStockError{Key: key, Available: current.QuantityAvailable, Requested: qty}
		}
	}
}

func (l *Ledger) rejected(key StockKey, qty int64, err error) {
	reason := ""
	switch {
	case errors.Is(err, ErrInsufficientStock):
		reason = "insufficient"
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	default:
		return
	}
	l.metrics.StockRejected(reason)
	l.logger.Warn().Str("batch", key.String()).Int64("quantity", qty).Err(err).Msg("stock decrease refused")
}

func (l *Ledger) journal(ctx context.Context, s *StoreBatchStock, delta int64, mv Movement) error {
	return l.stock.AppendMovement(ctx, &StockMovement{
		StoreID:      s.StoreID,
		ItemID:       s.ItemID,
		BatchNumber:  s.BatchNumber,
		Delta:        delta,
		BalanceAfter: s.QuantityAvailable,
		Reason:       mv.Reason,
		ReferenceID:  mv.ReferenceID,
		Actor:        mv.Actor,
	})
}

// Query returns every batch of an item in a store, oldest batch first.
func (l *Ledger) Query(ctx context.Context, storeID, itemID uuid.UUID) ([]*StoreBatchStock, error) {
	if storeID == uuid.Nil || itemID == uuid.Nil {
		return nil, validationf("store_id and item_id are required")
	}
	batches, err := l.stock.ListByStoreItem(ctx, storeID, itemID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(batches, func(i, j int) bool {
		if !batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].CreatedAt.Before(batches[j].CreatedAt)
		}
		return batches[i].BatchNumber < batches[j].BatchNumber
	})
	return batches, nil
}

// StoreStock lists every batch held by a store.
func (l *Ledger) StoreStock(ctx context.Context, storeID uuid.UUID) ([]*StoreBatchStock, error) {
	return l.stock.ListByStore(ctx, storeID, false)
}

// LowStock lists active batches at or below their minimum quantity.
func (l *Ledger) LowStock(ctx context.Context, storeID uuid.UUID) ([]*StoreBatchStock, error) {
	return l.stock.ListByStore(ctx, storeID, true)
}

// Close marks an empty batch inactive. Closing a closed batch is a no-op;
// a batch that still holds stock cannot be closed.
func (l *Ledger) Close(ctx context.Context, key StockKey, actor string) (*StoreBatchStock, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var out *StoreBatchStock
	err := l.tx.InTx(ctx, func(ctx context.Context) error {
		closed, err := l.stock.DeactivateIfEmpty(ctx, key)
		if err != nil {
			return err
		}
		s, err := l.stock.Get(ctx, key)
		if err != nil {
			return err
		}
		if !closed && s.IsActive {
			return invalidStatef("batch %s still holds %d units", key.BatchNumber, s.QuantityAvailable)
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	db.AfterCommit(ctx, func() {
		l.logger.Info().Str("batch", key.String()).Str("actor", actor).Msg("batch closed")
	})
	return out, nil
}

// Movements returns the journal of a batch, newest first.
func (l *Ledger) Movements(ctx context.Context, key StockKey, limit, offset int) ([]*StockMovement, int, error) {
	if err := validateKey(key); err != nil {
		return nil, 0, err
	}
	return l.stock.ListMovements(ctx, key, limit, offset)
}

// Allocation is one step of a consumption plan.
type Allocation struct {
	Batch    *StoreBatchStock `json:"batch"`
	Quantity int64            `json:"quantity"`
}

// PlanFEFO proposes which batches to draw qty from, earliest expiry first.
// Batches without an expiry date come last, expired, closed or empty
// batches are skipped. The plan is advisory; callers still pick the batch
// they record usage against. shortfall is the quantity the plan could not
// cover.
func PlanFEFO(batches []*StoreBatchStock, qty int64, now time.Time) (plan []Allocation, shortfall int64) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var usable []*StoreBatchStock
	for _, b := range batches {
		if !b.IsActive || b.QuantityAvailable <= 0 {
			continue
		}
		if b.ExpiryDate != nil && b.ExpiryDate.Before(today) {
			continue
		}
		usable = append(usable, b)
	}
	sort.SliceStable(usable, func(i, j int) bool {
		ei, ej := usable[i].ExpiryDate, usable[j].ExpiryDate
		switch {
		case ei == nil && ej == nil:
			return usable[i].CreatedAt.Before(usable[j].CreatedAt)
		case ei == nil:
			return false
		case ej == nil:
			return true
		case !ei.Equal(*ej):
			return ei.Before(*ej)
		default:
			return usable[i].CreatedAt.Before(usable[j].CreatedAt)
		}
	})

	remaining := qty
	for _, b := range usable {
		if remaining <= 0 {
			break
		}
		take := b.QuantityAvailable
		if take > remaining {
			take = remaining
		}
		plan = append(plan, Allocation{Batch: b, Quantity: take})
		remaining -= take
	}
	if remaining < 0 {
		remaining = 0
	}
	return plan, remaining
}

// RecommendFEFO loads the batches of an item in a store and plans qty.
func (l *Ledger) RecommendFEFO(ctx context.Context, storeID, itemID uuid.UUID, qty int64) ([]Allocation, int64, error) {
	if qty <= 0 {
		return nil, 0, validationf("quantity must be positive, got %d", qty)
	}
	batches, err := l.Query(ctx, storeID, itemID)
	if err != nil {
		return nil, 0, err
	}
	plan, shortfall := PlanFEFO(batches, qty, l.now())
	return plan, shortfall, nil
}
