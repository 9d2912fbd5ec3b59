package theatre

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/supply/internal/platform/db"
	"github.com/clinic/supply/internal/platform/telemetry"
)

type TransferLineRequest struct {
	RequisitionLineID *uuid.UUID    `json:"requisition_line_id,omitempty"`
	ItemID            uuid.UUID     `json:"item_id"`
	Quantity          int64         `json:"quantity"`
	BatchNumber       string        `json:"batch_number,omitempty"`
	Batch             BatchMetadata `json:"batch"`
}

// TransferRequest moves stock into a theatre store. With RequisitionID set
// every line must name a line of that requisition; without it the transfer
// is ad hoc. Stage records the transfer as PENDING for a later Complete.
type TransferRequest struct {
	RequisitionID *uuid.UUID            `json:"requisition_id,omitempty"`
	ToStoreID     uuid.UUID             `json:"to_store_id"`
	FromStore     string                `json:"from_store,omitempty"`
	Lines         []TransferLineRequest `json:"lines"`
	Stage         bool                  `json:"stage,omitempty"`
	Notes         *string               `json:"notes,omitempty"`
}

// TransferExecutor turns approved quantities into stock at a theatre
// store. The source is a named store outside the ledger, so only the
// destination batches change.
type TransferExecutor struct {
	transfers    TransferRepository
	requisitions RequisitionRepository
	stores       StoreRepository
	items        ItemCatalog
	ledger       *Ledger
	tx           db.TxRunner
	centralStore string
	metrics      *telemetry.SupplyMetrics
	logger       zerolog.Logger
	now          func() time.Time
}

func NewTransferExecutor(transfers TransferRepository, requisitions RequisitionRepository, stores StoreRepository,
	items ItemCatalog, ledger *Ledger, tx db.TxRunner, opts Options) *TransferExecutor {
	opts = opts.withDefaults()
	return &TransferExecutor{
		transfers:    transfers,
		requisitions: requisitions,
		stores:       stores,
		items:        items,
		ledger:       ledger,
		tx:           tx,
		centralStore: opts.CentralStoreName,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", "transfer_executor").Logger(),
		now:          opts.Now,
	}
}

// Execute validates the whole request before writing anything, then
// records the transfer and, unless staged, applies it in the same
// transaction.
func (x *TransferExecutor) Execute(ctx context.Context, in TransferRequest, operator string) (*StoreTransfer, error) {
	if err := requireActor(operator); err != nil {
		return nil, err
	}
	if in.ToStoreID == uuid.Nil {
		return nil, validationf("to_store_id is required")
	}
	if len(in.Lines) == 0 {
		return nil, validationf("a transfer needs at least one line")
	}
	for i, l := range in.Lines {
		if l.Quantity <= 0 {
			return nil, validationf("line %d: quantity must be positive", i+1)
		}
	}

	var t *StoreTransfer
	err := x.tx.InTx(ctx, func(ctx context.Context) error {
		if err := x.checkStore(ctx, in.ToStoreID); err != nil {
			return err
		}

		var (
			req   *Requisition
			lines []*StoreTransferLine
			err   error
		)
		if in.RequisitionID != nil {
			req, err = x.requisitions.GetForUpdate(ctx, *in.RequisitionID)
			if err != nil {
				return err
			}
			lines, err = x.linkedLines(req, in.Lines)
		} else {
			lines, err = x.adHocLines(ctx, in.Lines)
		}
		if err != nil {
			return err
		}

		now := x.now()
		t = &StoreTransfer{
			RequisitionID: in.RequisitionID,
			FromStore:     strings.TrimSpace(in.FromStore),
			ToStoreID:     in.ToStoreID,
			TransferredBy: operator,
			TransferredAt: now,
			Status:        TransferPending,
			Notes:         in.Notes,
			Lines:         lines,
		}
		if t.FromStore == "" {
			t.FromStore = x.centralStore
		}
		if !in.Stage {
			t.Status = TransferCompleted
			t.CompletedAt = &now
		}
		if err := x.transfers.Create(ctx, t); err != nil {
			return err
		}
		if in.Stage {
			return nil
		}
		return x.apply(ctx, t, req, operator)
	})
	if err != nil {
		return nil, err
	}

	db.AfterCommit(ctx, func() {
		x.metrics.Transfer(string(t.Status))
		x.logEvent(t, "transfer recorded")
	})
	return t, nil
}

// Complete applies a PENDING transfer. Requisition state and outstanding
// quantities are checked again since they may have moved since staging.
func (x *TransferExecutor) Complete(ctx context.Context, id uuid.UUID, operator string) (*StoreTransfer, error) {
	if err := requireActor(operator); err != nil {
		return nil, err
	}

	var t *StoreTransfer
	err := x.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		t, err = x.transfers.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != TransferPending {
			return invalidStatef("transfer %s is %s, only PENDING can be completed", t.ID, t.Status)
		}
		if err := x.checkStore(ctx, t.ToStoreID); err != nil {
			return err
		}

		var req *Requisition
		if t.RequisitionID != nil {
			req, err = x.requisitions.GetForUpdate(ctx, *t.RequisitionID)
			if err != nil {
				return err
			}
			if err := checkOutstanding(req, t.Lines); err != nil {
				return err
			}
		}

		now := x.now()
		t.Status = TransferCompleted
		t.CompletedAt = &now
		t.TransferredBy = operator
		t.TransferredAt = now
		if err := x.transfers.UpdateStatus(ctx, t); err != nil {
			return err
		}
		return x.apply(ctx, t, req, operator)
	})
	if err != nil {
		return nil, err
	}

	db.AfterCommit(ctx, func() {
		x.metrics.Transfer(string(t.Status))
		x.logEvent(t, "transfer completed")
	})
	return t, nil
}

// Cancel drops a PENDING transfer without touching stock.
func (x *TransferExecutor) Cancel(ctx context.Context, id uuid.UUID, actor string) (*StoreTransfer, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}

	var t *StoreTransfer
	err := x.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		t, err = x.transfers.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != TransferPending {
			return invalidStatef("transfer %s is %s, only PENDING can be cancelled", t.ID, t.Status)
		}
		t.Status = TransferCancelled
		return x.transfers.UpdateStatus(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	db.AfterCommit(ctx, func() {
		x.metrics.Transfer(string(t.Status))
		x.logger.Info().Str("transfer", t.ID.String()).Str("actor", actor).Msg("transfer cancelled")
	})
	return t, nil
}

func (x *TransferExecutor) Get(ctx context.Context, id uuid.UUID) (*StoreTransfer, error) {
	return x.transfers.GetByID(ctx, id)
}

func (x *TransferExecutor) ListByRequisition(ctx context.Context, requisitionID uuid.UUID) ([]*StoreTransfer, error) {
	return x.transfers.ListByRequisition(ctx, requisitionID)
}

func (x *TransferExecutor) checkStore(ctx context.Context, id uuid.UUID) error {
	store, err := x.stores.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !store.IsActive {
		return notFoundf("theatre store %s is inactive", store.Name)
	}
	return nil
}

func (x *TransferExecutor) linkedLines(req *Requisition, in []TransferLineRequest) ([]*StoreTransferLine, error) {
	if req.Status != StatusApproved {
		return nil, invalidStatef("requisition %s is %s, only APPROVED can be transferred", req.Number, req.Status)
	}

	lines := make([]*StoreTransferLine, 0, len(in))
	for i, l := range in {
		n := i + 1
		if l.RequisitionLineID == nil {
			return nil, validationf("line %d: requisition_line_id is required for a requisition transfer", n)
		}
		rl := req.Line(*l.RequisitionLineID)
		if rl == nil {
			return nil, notFoundf("line %d: requisition line %s is not part of %s", n, *l.RequisitionLineID, req.Number)
		}
		if l.ItemID != uuid.Nil && l.ItemID != rl.ItemID {
			return nil, validationf("line %d: item %s does not match requisition line item %s", n, l.ItemID, rl.ItemID)
		}
		lines = append(lines, x.transferLine(l, rl.ID, rl.ItemID, rl.UnitCost, req.Number))
	}
	if err := checkOutstanding(req, lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// checkOutstanding sums the quantities per requisition line so two transfer
// lines against the same requisition line cannot jointly overshoot.
func checkOutstanding(req *Requisition, lines []*StoreTransferLine) error {
	if req.Status != StatusApproved {
		return invalidStatef("requisition %s is %s, only APPROVED can be transferred", req.Number, req.Status)
	}
	totals := make(map[uuid.UUID]int64)
	for _, l := range lines {
		if l.RequisitionLineID == nil {
			continue
		}
		totals[*l.RequisitionLineID] += l.Quantity
	}
	for id, qty := range totals {
		rl := req.Line(id)
		if rl == nil {
			return notFoundf("requisition line %s is not part of %s", id, req.Number)
		}
		if qty > rl.Outstanding() {
			return &OverFulfillmentError{Line: rl.Position, Requested: qty, Outstanding: rl.Outstanding()}
		}
	}
	return nil
}

func (x *TransferExecutor) adHocLines(ctx context.Context, in []TransferLineRequest) ([]*StoreTransferLine, error) {
	batch := "ADHOC-" + x.now().Format("20060102")
	lines := make([]*StoreTransferLine, 0, len(in))
	for i, l := range in {
		if l.RequisitionLineID != nil {
			return nil, validationf("line %d: requisition_line_id needs a requisition_id", i+1)
		}
		if l.ItemID == uuid.Nil {
			return nil, validationf("line %d: item_id is required", i+1)
		}
		item, err := lookupItem(ctx, x.items, l.ItemID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, x.transferLine(l, uuid.Nil, item.ID, item.UnitCost, batch))
	}
	return lines, nil
}

func (x *TransferExecutor) transferLine(l TransferLineRequest, reqLineID, itemID uuid.UUID, unitCost decimal.Decimal, defaultBatch string) *StoreTransferLine {
	tl := &StoreTransferLine{
		ItemID:      itemID,
		Quantity:    l.Quantity,
		BatchNumber: strings.TrimSpace(l.BatchNumber),
		ExpiryDate:  l.Batch.ExpiryDate,
		IsSterile:   l.Batch.IsSterile,
		UnitCost:    unitCost,
		TotalCost:   unitCost.Mul(decimal.NewFromInt(l.Quantity)),
	}
	if tl.BatchNumber == "" {
		tl.BatchNumber = defaultBatch
	}
	if reqLineID != uuid.Nil {
		id := reqLineID
		tl.RequisitionLineID = &id
	}
	return tl
}

// apply moves the stock, bumps the fulfilled quantities and closes the
// requisition once every approved line is delivered.
func (x *TransferExecutor) apply(ctx context.Context, t *StoreTransfer, req *Requisition, operator string) error {
	ref := t.ID
	for _, l := range t.Lines {
		key := StockKey{StoreID: t.ToStoreID, ItemID: l.ItemID, BatchNumber: l.BatchNumber}
		meta := BatchMetadata{ExpiryDate: l.ExpiryDate, IsSterile: l.IsSterile}
		if _, err := x.ledger.Increase(ctx, key, l.Quantity, meta, Movement{
			Reason:      ReasonTransferIn,
			ReferenceID: &ref,
			Actor:       operator,
		}); err != nil {
			return err
		}

		if req == nil || l.RequisitionLineID == nil {
			continue
		}
		rl := req.Line(*l.RequisitionLineID)
		rl.QuantityFulfilled += l.Quantity
		if err := x.requisitions.UpdateLineQuantities(ctx, rl); err != nil {
			return err
		}
	}

	if req != nil && req.FullyFulfilled() {
		req.Status = StatusFulfilled
		req.UpdatedBy = &operator
		if err := x.requisitions.UpdateHeader(ctx, req); err != nil {
			return err
		}
		number := req.Number
		db.AfterCommit(ctx, func() {
			x.metrics.RequisitionTransition(string(StatusFulfilled))
			x.logger.Info().Str("requisition", number).Msg("requisition fulfilled")
		})
	}
	return nil
}

func (x *TransferExecutor) logEvent(t *StoreTransfer, msg string) {
	ev := x.logger.Info().
		Str("transfer", t.ID.String()).
		Str("to_store", t.ToStoreID.String()).
		Str("status", string(t.Status)).
		Int("lines", len(t.Lines))
	if t.RequisitionID != nil {
		ev = ev.Str("requisition_id", t.RequisitionID.String())
	}
	ev.Msg(msg)
}
