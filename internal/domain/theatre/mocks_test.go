package theatre

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/supply/internal/domain/catalog"
	"github.com/clinic/supply/internal/platform/db"
	"github.com/clinic/supply/internal/platform/telemetry"
)

// -- Transactions --

type txKey struct{}

// snapshotter is implemented by mocks that can roll back to a saved state.
type snapshotter interface {
	snapshot() func()
}

// mockTx restores every registered mock when fn fails, which stands in
// for a database rollback. Nested calls join the outer unit of work.
type mockTx struct {
	mu        sync.Mutex
	parts     []snapshotter
	commits   int
	rollbacks int
}

func newMockTx(parts ...snapshotter) *mockTx {
	return &mockTx{parts: parts}
}

func (m *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	restores := make([]func(), len(m.parts))
	for i, p := range m.parts {
		restores[i] = p.snapshot()
	}
	ctx, fire := db.WithCommitHooks(ctx)
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		for _, r := range restores {
			r()
		}
		m.mu.Lock()
		m.rollbacks++
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.commits++
	m.mu.Unlock()
	fire()
	return nil
}

// passTx runs fn without rollback; safe for concurrent use.
type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// -- Catalog --

type mockCatalog struct {
	items map[uuid.UUID]*catalog.Item
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{items: make(map[uuid.UUID]*catalog.Item)}
}

func (m *mockCatalog) add(code string, cost string) *catalog.Item {
	it := &catalog.Item{
		ID:            uuid.New(),
		Code:          code,
		Name:          code,
		UnitOfMeasure: "each",
		UnitCost:      decimal.RequireFromString(cost),
		Active:        true,
	}
	m.items[it.ID] = it
	return it
}

func (m *mockCatalog) GetItem(_ context.Context, id uuid.UUID) (*catalog.Item, error) {
	it, ok := m.items[id]
	if !ok {
		return nil, catalog.ErrItemNotFound
	}
	return it, nil
}

func (m *mockCatalog) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	_, ok := m.items[id]
	return ok, nil
}

// -- Sequence --

type mockSequence struct {
	mu     sync.Mutex
	values map[string]int64
}

func newMockSequence() *mockSequence {
	return &mockSequence{values: make(map[string]int64)}
}

func (m *mockSequence) Next(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name]++
	return m.values[name], nil
}

// -- Requisitions --

func cloneRequisition(r *Requisition) *Requisition {
	c := *r
	c.Lines = make([]*RequisitionLine, len(r.Lines))
	for i, l := range r.Lines {
		lc := *l
		c.Lines[i] = &lc
	}
	return &c
}

type mockRequisitionRepo struct {
	mu     sync.Mutex
	store  map[uuid.UUID]*Requisition
	locked int
	// lineErr fails every fulfilled-quantity update.
	lineErr error
}

func newMockRequisitionRepo() *mockRequisitionRepo {
	return &mockRequisitionRepo{store: make(map[uuid.UUID]*Requisition)}
}

func (m *mockRequisitionRepo) snapshot() func() {
	m.mu.Lock()
	saved := make(map[uuid.UUID]*Requisition, len(m.store))
	for id, r := range m.store {
		saved[id] = cloneRequisition(r)
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.store = saved
		m.mu.Unlock()
	}
}

func (m *mockRequisitionRepo) assignLines(id uuid.UUID, lines []*RequisitionLine) {
	for i, l := range lines {
		l.ID = uuid.New()
		l.RequisitionID = id
		l.Position = i + 1
	}
}

func (m *mockRequisitionRepo) Create(_ context.Context, r *Requisition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.assignLines(r.ID, r.Lines)
	m.store[r.ID] = cloneRequisition(r)
	return nil
}

func (m *mockRequisitionRepo) GetByID(_ context.Context, id uuid.UUID) (*Requisition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.store[id]
	if !ok {
		return nil, notFoundf("requisition %s", id)
	}
	return cloneRequisition(r), nil
}

func (m *mockRequisitionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Requisition, error) {
	m.mu.Lock()
	m.locked++
	m.mu.Unlock()
	return m.GetByID(ctx, id)
}

func (m *mockRequisitionRepo) UpdateHeader(_ context.Context, r *Requisition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.store[r.ID]
	if !ok {
		return notFoundf("requisition %s", r.ID)
	}
	c := cloneRequisition(r)
	c.Lines = cur.Lines
	c.UpdatedAt = time.Now()
	m.store[r.ID] = c
	return nil
}

func (m *mockRequisitionRepo) ReplaceLines(_ context.Context, id uuid.UUID, lines []*RequisitionLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.store[id]
	if !ok {
		return notFoundf("requisition %s", id)
	}
	m.assignLines(id, lines)
	cur.Lines = make([]*RequisitionLine, len(lines))
	for i, l := range lines {
		lc := *l
		cur.Lines[i] = &lc
	}
	return nil
}

var errLineCheck = errors.New("requisition_line quantity check violated")

func (m *mockRequisitionRepo) UpdateLineQuantities(_ context.Context, l *RequisitionLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lineErr != nil {
		return m.lineErr
	}
	cur, ok := m.store[l.RequisitionID]
	if !ok {
		return notFoundf("requisition %s", l.RequisitionID)
	}
	stored := cur.Line(l.ID)
	if stored == nil {
		return notFoundf("requisition line %s", l.ID)
	}
	if l.QuantityFulfilled < 0 || l.QuantityFulfilled > l.QuantityApproved || l.QuantityApproved > stored.QuantityRequested {
		return errLineCheck
	}
	stored.QuantityApproved = l.QuantityApproved
	stored.QuantityFulfilled = l.QuantityFulfilled
	return nil
}

func (m *mockRequisitionRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return notFoundf("requisition %s", id)
	}
	delete(m.store, id)
	return nil
}

func (m *mockRequisitionRepo) List(_ context.Context, f RequisitionFilter, limit, offset int) ([]*Requisition, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Requisition
	for _, r := range m.store {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Priority != "" && r.Priority != f.Priority {
			continue
		}
		if f.RequestedBy != "" && r.RequestedBy != f.RequestedBy {
			continue
		}
		out = append(out, cloneRequisition(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return page(out, limit, offset), len(out), nil
}

func (m *mockRequisitionRepo) ListPending(_ context.Context, limit, offset int) ([]*Requisition, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Requisition
	for _, r := range m.store {
		if r.Status == StatusSubmitted {
			out = append(out, cloneRequisition(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if priorityRank[out[i].Priority] != priorityRank[out[j].Priority] {
			return priorityRank[out[i].Priority] < priorityRank[out[j].Priority]
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return page(out, limit, offset), len(out), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return nil
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}

// -- Transfers --

func cloneTransfer(t *StoreTransfer) *StoreTransfer {
	c := *t
	c.Lines = make([]*StoreTransferLine, len(t.Lines))
	for i, l := range t.Lines {
		lc := *l
		c.Lines[i] = &lc
	}
	return &c
}

type mockTransferRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*StoreTransfer
}

func newMockTransferRepo() *mockTransferRepo {
	return &mockTransferRepo{store: make(map[uuid.UUID]*StoreTransfer)}
}

func (m *mockTransferRepo) snapshot() func() {
	m.mu.Lock()
	saved := make(map[uuid.UUID]*StoreTransfer, len(m.store))
	for id, t := range m.store {
		saved[id] = cloneTransfer(t)
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.store = saved
		m.mu.Unlock()
	}
}

func (m *mockTransferRepo) Create(_ context.Context, t *StoreTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	for _, l := range t.Lines {
		l.ID = uuid.New()
		l.TransferID = t.ID
	}
	m.store[t.ID] = cloneTransfer(t)
	return nil
}

func (m *mockTransferRepo) GetByID(_ context.Context, id uuid.UUID) (*StoreTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.store[id]
	if !ok {
		return nil, notFoundf("transfer %s", id)
	}
	return cloneTransfer(t), nil
}

func (m *mockTransferRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*StoreTransfer, error) {
	return m.GetByID(ctx, id)
}

func (m *mockTransferRepo) UpdateStatus(_ context.Context, t *StoreTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.store[t.ID]
	if !ok {
		return notFoundf("transfer %s", t.ID)
	}
	cur.Status = t.Status
	cur.CompletedAt = t.CompletedAt
	cur.TransferredBy = t.TransferredBy
	cur.TransferredAt = t.TransferredAt
	return nil
}

func (m *mockTransferRepo) ListByRequisition(_ context.Context, requisitionID uuid.UUID) ([]*StoreTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StoreTransfer
	for _, t := range m.store {
		if t.RequisitionID != nil && *t.RequisitionID == requisitionID {
			out = append(out, cloneTransfer(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransferredAt.Before(out[j].TransferredAt) })
	return out, nil
}

// -- Stock --

type mockStockRepo struct {
	mu        sync.Mutex
	batches   map[StockKey]*StoreBatchStock
	movements []*StockMovement
	tick      time.Time
	// failDecrement makes the next n conditional decrements miss, as if a
	// concurrent writer held the row when the update ran.
	failDecrement int
}

func newMockStockRepo() *mockStockRepo {
	return &mockStockRepo{
		batches: make(map[StockKey]*StoreBatchStock),
		tick:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *mockStockRepo) snapshot() func() {
	m.mu.Lock()
	saved := make(map[StockKey]*StoreBatchStock, len(m.batches))
	for k, b := range m.batches {
		c := *b
		saved[k] = &c
	}
	moves := append([]*StockMovement(nil), m.movements...)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.batches = saved
		m.movements = moves
		m.mu.Unlock()
	}
}

func (m *mockStockRepo) now() time.Time {
	m.tick = m.tick.Add(time.Second)
	return m.tick
}

func (m *mockStockRepo) Upsert(_ context.Context, key StockKey, qty int64, meta BatchMetadata) (*StoreBatchStock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	b, ok := m.batches[key]
	if !ok {
		b = &StoreBatchStock{
			ID:          uuid.New(),
			StoreID:     key.StoreID,
			ItemID:      key.ItemID,
			BatchNumber: key.BatchNumber,
			CreatedAt:   now,
		}
		m.batches[key] = b
	} else {
		b.Version++
	}
	b.QuantityAvailable += qty
	if meta.MinimumQuantity != nil {
		b.MinimumQuantity = meta.MinimumQuantity
	}
	if meta.MaximumQuantity != nil {
		b.MaximumQuantity = meta.MaximumQuantity
	}
	if meta.ExpiryDate != nil {
		b.ExpiryDate = meta.ExpiryDate
	}
	if meta.IsSterile != nil {
		b.IsSterile = *meta.IsSterile
	}
	b.IsActive = true
	b.LastRestockedAt = &now
	b.UpdatedAt = now
	c := *b
	return &c, nil
}

func (m *mockStockRepo) DecrementIfAvailable(_ context.Context, key StockKey, qty int64) (*StoreBatchStock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDecrement > 0 {
		m.failDecrement--
		return nil, false, nil
	}
	b, ok := m.batches[key]
	if !ok || !b.IsActive || b.QuantityAvailable < qty {
		return nil, false, nil
	}
	b.QuantityAvailable -= qty
	b.Version++
	b.UpdatedAt = m.now()
	c := *b
	return &c, true, nil
}

func (m *mockStockRepo) Get(_ context.Context, key StockKey) (*StoreBatchStock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[key]
	if !ok {
		return nil, notFoundf("batch %s", key)
	}
	c := *b
	return &c, nil
}

func (m *mockStockRepo) ListByStoreItem(_ context.Context, storeID, itemID uuid.UUID) ([]*StoreBatchStock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StoreBatchStock
	for _, b := range m.batches {
		if b.StoreID == storeID && b.ItemID == itemID {
			c := *b
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockStockRepo) ListByStore(_ context.Context, storeID uuid.UUID, lowOnly bool) ([]*StoreBatchStock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StoreBatchStock
	for _, b := range m.batches {
		if b.StoreID != storeID {
			continue
		}
		if lowOnly && (!b.IsActive || !b.BelowMinimum()) {
			continue
		}
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockStockRepo) DeactivateIfEmpty(_ context.Context, key StockKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[key]
	if !ok || b.QuantityAvailable != 0 {
		return false, nil
	}
	b.IsActive = false
	b.Version++
	return true, nil
}

func (m *mockStockRepo) AppendMovement(_ context.Context, mv *StockMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mv.ID = uuid.New()
	mv.CreatedAt = m.now()
	c := *mv
	m.movements = append(m.movements, &c)
	return nil
}

func (m *mockStockRepo) ListMovements(_ context.Context, key StockKey, limit, offset int) ([]*StockMovement, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StockMovement
	for i := len(m.movements) - 1; i >= 0; i-- {
		mv := m.movements[i]
		if mv.StoreID == key.StoreID && mv.ItemID == key.ItemID && mv.BatchNumber == key.BatchNumber {
			out = append(out, mv)
		}
	}
	return page(out, limit, offset), len(out), nil
}

func (m *mockStockRepo) quantity(key StockKey) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[key]; ok {
		return b.QuantityAvailable
	}
	return -1
}

// -- Usage --

type mockUsageRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*ProcedureUsage
	err   error
}

func newMockUsageRepo() *mockUsageRepo {
	return &mockUsageRepo{store: make(map[uuid.UUID]*ProcedureUsage)}
}

func (m *mockUsageRepo) snapshot() func() {
	m.mu.Lock()
	saved := make(map[uuid.UUID]*ProcedureUsage, len(m.store))
	for id, u := range m.store {
		saved[id] = u
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.store = saved
		m.mu.Unlock()
	}
}

func (m *mockUsageRepo) Create(_ context.Context, u *ProcedureUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	c := *u
	m.store[u.ID] = &c
	return nil
}

func (m *mockUsageRepo) GetByID(_ context.Context, id uuid.UUID) (*ProcedureUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.store[id]
	if !ok {
		return nil, notFoundf("usage %s", id)
	}
	return u, nil
}

func (m *mockUsageRepo) List(_ context.Context, f UsageFilter, limit, offset int) ([]*ProcedureUsage, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProcedureUsage
	for _, u := range m.store {
		if f.ProcedureID != nil && u.ProcedureID != *f.ProcedureID {
			continue
		}
		if f.ItemID != nil && u.ItemID != *f.ItemID {
			continue
		}
		if f.StoreID != nil && u.StoreID != *f.StoreID {
			continue
		}
		if f.UsedBy != "" && u.UsedBy != f.UsedBy {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UsedAt.After(out[j].UsedAt) })
	return page(out, limit, offset), len(out), nil
}

// -- Stores --

type mockStoreRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*TheatreStore
}

func newMockStoreRepo() *mockStoreRepo {
	return &mockStoreRepo{store: make(map[uuid.UUID]*TheatreStore)}
}

func (m *mockStoreRepo) Create(_ context.Context, s *TheatreStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	c := *s
	m.store[s.ID] = &c
	return nil
}

func (m *mockStoreRepo) GetByID(_ context.Context, id uuid.UUID) (*TheatreStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store[id]
	if !ok {
		return nil, notFoundf("theatre store %s", id)
	}
	c := *s
	return &c, nil
}

func (m *mockStoreRepo) Update(_ context.Context, s *TheatreStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[s.ID]; !ok {
		return notFoundf("theatre store %s", s.ID)
	}
	c := *s
	m.store[s.ID] = &c
	return nil
}

func (m *mockStoreRepo) List(_ context.Context, f StoreFilter, limit, offset int) ([]*TheatreStore, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TheatreStore
	for _, s := range m.store {
		if f.ActiveOnly && !s.IsActive {
			continue
		}
		if f.StoreType != "" && s.StoreType != f.StoreType {
			continue
		}
		if f.Location != "" && (s.Location == nil || !strings.Contains(strings.ToLower(*s.Location), strings.ToLower(f.Location))) {
			continue
		}
		if f.ManagedBy != "" && (s.ManagedBy == nil || *s.ManagedBy != f.ManagedBy) {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return page(out, limit, offset), len(out), nil
}

// -- Fixture --

// fixture wires every service of the package over the mocks.
type fixture struct {
	catalog      *mockCatalog
	requisitions *mockRequisitionRepo
	transfers    *mockTransferRepo
	stock        *mockStockRepo
	usage        *mockUsageRepo
	stores       *mockStoreRepo
	tx           *mockTx

	workflow *Workflow
	executor *TransferExecutor
	ledger   *Ledger
	recorder *ConsumptionRecorder
	storeSvc *StoreService

	theatre *TheatreStore
	now     time.Time
}

func newFixture() *fixture {
	return newFixtureWithMetrics(nil)
}

func newFixtureWithMetrics(metrics *telemetry.SupplyMetrics) *fixture {
	f := &fixture{
		catalog:      newMockCatalog(),
		requisitions: newMockRequisitionRepo(),
		transfers:    newMockTransferRepo(),
		stock:        newMockStockRepo(),
		usage:        newMockUsageRepo(),
		stores:       newMockStoreRepo(),
		now:          time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
	f.tx = newMockTx(f.requisitions, f.transfers, f.stock, f.usage)
	opts := Options{Logger: zerolog.Nop(), Now: func() time.Time { return f.now }, Metrics: metrics}

	f.ledger = NewLedger(f.stock, f.tx, opts)
	f.workflow = NewWorkflow(f.requisitions, f.catalog, newMockSequence(), f.tx, opts)
	f.executor = NewTransferExecutor(f.transfers, f.requisitions, f.stores, f.catalog, f.ledger, f.tx, opts)
	f.recorder = NewConsumptionRecorder(f.usage, f.catalog, f.ledger, f.tx, opts)
	f.storeSvc = NewStoreService(f.stores, opts)

	st, err := f.storeSvc.Create(context.Background(), StoreInput{Name: "Theatre 1"})
	if err != nil {
		panic(err)
	}
	f.theatre = st
	return f
}

// approvedRequisition creates, submits and approves a requisition with
// one line per (item, requested, approved) triple.
func (f *fixture) approvedRequisition(ctx context.Context, lines ...approvalLine) (*Requisition, error) {
	in := RequisitionInput{Title: "Theatre restock"}
	for _, l := range lines {
		in.Lines = append(in.Lines, LineInput{ItemID: l.item.ID, Quantity: l.requested})
	}
	req, err := f.workflow.Create(ctx, in, "nurse-1")
	if err != nil {
		return nil, err
	}
	if _, err := f.workflow.Submit(ctx, req.ID, "nurse-1"); err != nil {
		return nil, err
	}
	var d ApprovalDecision
	d.Action = ActionApprove
	for i, l := range lines {
		d.Lines = append(d.Lines, LineApproval{LineID: req.Lines[i].ID, Quantity: l.approved})
	}
	return f.workflow.Approve(ctx, req.ID, d, "manager-1")
}

type approvalLine struct {
	item      *catalog.Item
	requested int64
	approved  int64
}

func boolPtr(b bool) *bool { return &b }
