package theatre

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/clinic/supply/internal/platform/telemetry"
)

func stockedFixture(t *testing.T, qty int64) (*fixture, StockKey) {
	t.Helper()
	f := newFixture()
	item := f.catalog.add("X", "1")
	key := StockKey{StoreID: f.theatre.ID, ItemID: item.ID, BatchNumber: "B1"}
	if _, err := f.ledger.Increase(context.Background(), key, qty, BatchMetadata{}, Movement{Reason: ReasonTransferIn, Actor: "storekeeper-1"}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	return f, key
}

func usageFor(key StockKey, procedure uuid.UUID, qty int64) UsageRequest {
	return UsageRequest{ProcedureID: procedure, StoreID: key.StoreID, ItemID: key.ItemID, BatchNumber: key.BatchNumber, Quantity: qty}
}

func TestRecordUsage(t *testing.T) {
	f, key := stockedFixture(t, 15)
	ctx := context.Background()
	procedure := uuid.New()

	u, err := f.recorder.RecordUsage(ctx, usageFor(key, procedure, 4), "surgeon-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID == uuid.Nil || u.UsedBy != "surgeon-1" || !u.UsedAt.Equal(f.now) {
		t.Errorf("unexpected usage: %+v", u)
	}
	if q := f.stock.quantity(key); q != 11 {
		t.Errorf("expected 11 left, got %d", q)
	}

	stored, err := f.recorder.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Quantity != 4 || stored.ProcedureID != procedure {
		t.Errorf("unexpected stored usage: %+v", stored)
	}

	moves, _, _ := f.ledger.Movements(ctx, key, 1, 0)
	if len(moves) != 1 || moves[0].Reason != ReasonUsage || moves[0].ReferenceID == nil || *moves[0].ReferenceID != u.ID {
		t.Errorf("expected a usage movement referencing %s, got %+v", u.ID, moves)
	}
}

// Scenario D: usage above the batch balance is refused and writes nothing.
func TestRecordUsage_InsufficientStock(t *testing.T) {
	f, key := stockedFixture(t, 15)
	ctx := context.Background()

	_, err := f.recorder.RecordUsage(ctx, usageFor(key, uuid.New(), 20), "surgeon-1")
	var ise *InsufficientStockError
	if !errors.As(err, &ise) {
		t.Fatalf("expected *InsufficientStockError, got %v", err)
	}
	if ise.Available != 15 || ise.Requested != 20 {
		t.Errorf("unexpected detail: %+v", ise)
	}
	if len(f.usage.store) != 0 {
		t.Errorf("expected no usage rows, got %d", len(f.usage.store))
	}
	if q := f.stock.quantity(key); q != 15 {
		t.Errorf("expected stock unchanged at 15, got %d", q)
	}
}

func TestRecordUsage_RollsBackStockWhenInsertFails(t *testing.T) {
	f, key := stockedFixture(t, 10)
	f.usage.err = errors.New("insert failed")

	if _, err := f.recorder.RecordUsage(context.Background(), usageFor(key, uuid.New(), 3), "surgeon-1"); err == nil {
		t.Fatal("expected error")
	}
	if q := f.stock.quantity(key); q != 10 {
		t.Errorf("expected decrement rolled back to 10, got %d", q)
	}
	if f.tx.rollbacks == 0 {
		t.Error("expected a rollback")
	}
}

// counterValue reads one counter series from a gathered registry, 0 when
// the series has not been observed.
func counterValue(t *testing.T, reg *prometheus.Registry, name, labelValue string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == labelValue {
					return m.GetCounter().GetValue()
				}
			}
			if labelValue == "" && len(m.GetLabel()) == 0 {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRecordUsage_RolledBackDecreaseIsNotCounted(t *testing.T) {
	p := telemetry.NewProvider("test")
	f := newFixtureWithMetrics(p.Supply)
	ctx := context.Background()
	item := f.catalog.add("X", "1")
	key := StockKey{StoreID: f.theatre.ID, ItemID: item.ID, BatchNumber: "B1"}
	if _, err := f.ledger.Increase(ctx, key, 10, BatchMetadata{}, Movement{Reason: ReasonTransferIn, Actor: "storekeeper-1"}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	if got := counterValue(t, p.Registry(), "supply_stock_units_total", "in"); got != 10 {
		t.Fatalf("expected 10 units in, got %v", got)
	}

	f.usage.err = errors.New("insert failed")
	if _, err := f.recorder.RecordUsage(ctx, usageFor(key, uuid.New(), 3), "surgeon-1"); err == nil {
		t.Fatal("expected error")
	}
	if q := f.stock.quantity(key); q != 10 {
		t.Errorf("expected stock 10 after rollback, got %d", q)
	}
	if got := counterValue(t, p.Registry(), "supply_stock_units_total", "out"); got != 0 {
		t.Errorf("expected no units out after rollback, got %v", got)
	}
	if got := counterValue(t, p.Registry(), "supply_procedure_usage_total", ""); got != 0 {
		t.Errorf("expected no usage counted, got %v", got)
	}

	f.usage.err = nil
	if _, err := f.recorder.RecordUsage(ctx, usageFor(key, uuid.New(), 3), "surgeon-1"); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if got := counterValue(t, p.Registry(), "supply_stock_units_total", "out"); got != 3 {
		t.Errorf("expected 3 units out after commit, got %v", got)
	}
	if got := counterValue(t, p.Registry(), "supply_procedure_usage_total", ""); got != 1 {
		t.Errorf("expected 1 usage counted, got %v", got)
	}
}

func TestRecordUsage_Validation(t *testing.T) {
	f, key := stockedFixture(t, 10)
	ctx := context.Background()
	procedure := uuid.New()

	noBatch := usageFor(key, procedure, 1)
	noBatch.BatchNumber = "  "
	unknownItem := usageFor(key, procedure, 1)
	unknownItem.ItemID = uuid.New()
	otherBatch := usageFor(key, procedure, 1)
	otherBatch.BatchNumber = "B2"

	tests := []struct {
		name string
		in   UsageRequest
		user string
		want error
	}{
		{"no user", usageFor(key, procedure, 1), "", ErrValidation},
		{"no procedure", usageFor(key, uuid.Nil, 1), "surgeon-1", ErrValidation},
		{"zero quantity", usageFor(key, procedure, 0), "surgeon-1", ErrValidation},
		{"blank batch", noBatch, "surgeon-1", ErrValidation},
		{"unknown item", unknownItem, "surgeon-1", ErrNotFound},
		{"unknown batch", otherBatch, "surgeon-1", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.recorder.RecordUsage(ctx, tt.in, tt.user); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if q := f.stock.quantity(key); q != 10 {
		t.Errorf("expected stock unchanged, got %d", q)
	}
}

func TestRecordBatch_PartialFailureKeepsEarlierLines(t *testing.T) {
	f, key := stockedFixture(t, 10)
	ctx := context.Background()
	procedure := uuid.New()

	results := f.recorder.RecordBatch(ctx, procedure, []UsageLine{
		{StoreID: key.StoreID, ItemID: key.ItemID, BatchNumber: key.BatchNumber, Quantity: 6},
		{StoreID: key.StoreID, ItemID: key.ItemID, BatchNumber: key.BatchNumber, Quantity: 6},
		{StoreID: key.StoreID, ItemID: key.ItemID, BatchNumber: key.BatchNumber, Quantity: 4},
	}, "nurse-1")

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Usage == nil {
		t.Errorf("line 0: expected success, got %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, ErrInsufficientStock) || results[1].Usage != nil {
		t.Errorf("line 1: expected ErrInsufficientStock, got %v", results[1].Err)
	}
	if results[2].Err != nil {
		t.Errorf("line 2: expected success, got %v", results[2].Err)
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("result %d has index %d", i, r.Index)
		}
	}
	if q := f.stock.quantity(key); q != 0 {
		t.Errorf("expected 0 left, got %d", q)
	}

	list, total, err := f.recorder.List(ctx, UsageFilter{ProcedureID: &procedure}, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(list) != 2 {
		t.Errorf("expected 2 usage rows, got %d", total)
	}
}

func TestUsageList_RejectsInvertedRange(t *testing.T) {
	f := newFixture()
	from := f.now
	to := f.now.Add(-1)
	if _, _, err := f.recorder.List(context.Background(), UsageFilter{From: &from, To: &to}, 10, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// Requisition, transfer and consumption end to end: what comes in through
// a transfer is exactly what can be consumed.
func TestSupplyChain_EndToEnd(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	x := f.catalog.add("X", "2")

	req, err := f.approvedRequisition(ctx, approvalLine{x, 100, 60})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := f.executor.Execute(ctx, TransferRequest{
		RequisitionID: &req.ID,
		ToStoreID:     f.theatre.ID,
		Lines:         []TransferLineRequest{linkedLine(req, 0, 60, "B1")},
	}, "storekeeper-1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	key := StockKey{f.theatre.ID, x.ID, "B1"}
	procedure := uuid.New()
	if _, err := f.recorder.RecordUsage(ctx, usageFor(key, procedure, 45), "surgeon-1"); err != nil {
		t.Fatalf("usage: %v", err)
	}
	if _, err := f.recorder.RecordUsage(ctx, usageFor(key, procedure, 16), "surgeon-1"); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if q := f.stock.quantity(key); q != 15 {
		t.Errorf("expected 15 left, got %d", q)
	}
}
