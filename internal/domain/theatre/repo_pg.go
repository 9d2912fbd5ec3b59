package theatre

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/supply/internal/platform/db"
	"github.com/clinic/supply/internal/platform/search"
)

func noRows(err error, what string, id interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFoundf("%s %v", what, id)
	}
	return err
}

// ---- Requisition Repo ----

type requisitionRepoPG struct{ pool *pgxpool.Pool }

func NewRequisitionRepoPG(pool *pgxpool.Pool) RequisitionRepository {
	return &requisitionRepoPG{pool: pool}
}

func (r *requisitionRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const requisitionCols = `id, number, title, description, requested_by, requested_at, required_by,
	status, priority, department_id, procedure_id, approved_by, approved_at, rejection_reason,
	notes, updated_by, created_at, updated_at`

const requisitionLineCols = `id, requisition_id, position, item_id, quantity_requested,
	quantity_approved, quantity_fulfilled, unit_cost, total_cost, purpose, notes`

func scanRequisition(row pgx.Row) (*Requisition, error) {
	var q Requisition
	err := row.Scan(&q.ID, &q.Number, &q.Title, &q.Description, &q.RequestedBy, &q.RequestedAt, &q.RequiredBy,
		&q.Status, &q.Priority, &q.DepartmentID, &q.ProcedureID, &q.ApprovedBy, &q.ApprovedAt, &q.RejectionReason,
		&q.Notes, &q.UpdatedBy, &q.CreatedAt, &q.UpdatedAt)
	return &q, err
}

func scanRequisitionLine(row pgx.Row) (*RequisitionLine, error) {
	var l RequisitionLine
	err := row.Scan(&l.ID, &l.RequisitionID, &l.Position, &l.ItemID, &l.QuantityRequested,
		&l.QuantityApproved, &l.QuantityFulfilled, &l.UnitCost, &l.TotalCost, &l.Purpose, &l.Notes)
	return &l, err
}

func (r *requisitionRepoPG) Create(ctx context.Context, q *Requisition) error {
	q.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO requisition (id, number, title, description, requested_by, requested_at, required_by,
			status, priority, department_id, procedure_id, notes, updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		q.ID, q.Number, q.Title, q.Description, q.RequestedBy, q.RequestedAt, q.RequiredBy,
		q.Status, q.Priority, q.DepartmentID, q.ProcedureID, q.Notes, q.UpdatedBy).Scan(&q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert requisition: %w", err)
	}
	return r.insertLines(ctx, q.ID, q.Lines)
}

func (r *requisitionRepoPG) insertLines(ctx context.Context, requisitionID uuid.UUID, lines []*RequisitionLine) error {
	for i, l := range lines {
		l.ID = uuid.New()
		l.RequisitionID = requisitionID
		l.Position = i + 1
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO requisition_line (id, requisition_id, position, item_id, quantity_requested,
				quantity_approved, quantity_fulfilled, unit_cost, total_cost, purpose, notes)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			l.ID, l.RequisitionID, l.Position, l.ItemID, l.QuantityRequested,
			l.QuantityApproved, l.QuantityFulfilled, l.UnitCost, l.TotalCost, l.Purpose, l.Notes)
		if err != nil {
			return fmt.Errorf("insert requisition line %d: %w", l.Position, err)
		}
	}
	return nil
}

func (r *requisitionRepoPG) get(ctx context.Context, id uuid.UUID, lock bool) (*Requisition, error) {
	sql := `SELECT ` + requisitionCols + ` FROM requisition WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	q, err := scanRequisition(r.conn(ctx).QueryRow(ctx, sql, id))
	if err != nil {
		return nil, noRows(err, "requisition", id)
	}
	byID, err := r.loadLines(ctx, []uuid.UUID{q.ID})
	if err != nil {
		return nil, err
	}
	q.Lines = byID[q.ID]
	return q, nil
}

func (r *requisitionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Requisition, error) {
	return r.get(ctx, id, false)
}

func (r *requisitionRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Requisition, error) {
	return r.get(ctx, id, true)
}

func (r *requisitionRepoPG) loadLines(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]*RequisitionLine, error) {
	out := make(map[uuid.UUID][]*RequisitionLine, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+requisitionLineCols+` FROM requisition_line
		WHERE requisition_id = ANY($1) ORDER BY requisition_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("load requisition lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		l, err := scanRequisitionLine(rows)
		if err != nil {
			return nil, err
		}
		out[l.RequisitionID] = append(out[l.RequisitionID], l)
	}
	return out, rows.Err()
}

func (r *requisitionRepoPG) UpdateHeader(ctx context.Context, q *Requisition) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE requisition SET title=$2, description=$3, required_by=$4, status=$5, priority=$6,
			department_id=$7, procedure_id=$8, approved_by=$9, approved_at=$10, rejection_reason=$11,
			notes=$12, updated_by=$13, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		q.ID, q.Title, q.Description, q.RequiredBy, q.Status, q.Priority,
		q.DepartmentID, q.ProcedureID, q.ApprovedBy, q.ApprovedAt, q.RejectionReason,
		q.Notes, q.UpdatedBy).Scan(&q.UpdatedAt)
	return noRows(err, "requisition", q.ID)
}

func (r *requisitionRepoPG) ReplaceLines(ctx context.Context, requisitionID uuid.UUID, lines []*RequisitionLine) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM requisition_line WHERE requisition_id = $1`, requisitionID); err != nil {
		return fmt.Errorf("delete requisition lines: %w", err)
	}
	return r.insertLines(ctx, requisitionID, lines)
}

func (r *requisitionRepoPG) UpdateLineQuantities(ctx context.Context, l *RequisitionLine) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE requisition_line SET quantity_approved = $2, quantity_fulfilled = $3
		WHERE id = $1`, l.ID, l.QuantityApproved, l.QuantityFulfilled)
	if err != nil {
		return fmt.Errorf("update requisition line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("requisition line %s", l.ID)
	}
	return nil
}

func (r *requisitionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM requisition_line WHERE requisition_id = $1`, id); err != nil {
		return fmt.Errorf("delete requisition lines: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM requisition WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete requisition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("requisition %s", id)
	}
	return nil
}

func (r *requisitionRepoPG) List(ctx context.Context, f RequisitionFilter, limit, offset int) ([]*Requisition, int, error) {
	q := search.NewQuery("requisition", requisitionCols)
	if f.Status != "" {
		q.Add(fmt.Sprintf("status = $%d", q.Idx()), f.Status)
	}
	if f.Priority != "" {
		q.Add(fmt.Sprintf("priority = $%d", q.Idx()), f.Priority)
	}
	if f.RequestedBy != "" {
		q.Add(fmt.Sprintf("requested_by = $%d", q.Idx()), f.RequestedBy)
	}
	if f.ProcedureID != nil {
		q.Add(fmt.Sprintf("procedure_id = $%d", q.Idx()), *f.ProcedureID)
	}
	if f.From != nil {
		q.Add(fmt.Sprintf("requested_at >= $%d", q.Idx()), *f.From)
	}
	if f.To != nil {
		q.Add(fmt.Sprintf("requested_at < $%d", q.Idx()), *f.To)
	}
	q.OrderBy("requested_at DESC, number DESC")
	return r.query(ctx, q, limit, offset)
}

func (r *requisitionRepoPG) ListPending(ctx context.Context, limit, offset int) ([]*Requisition, int, error) {
	q := search.NewQuery("requisition", requisitionCols)
	q.Add(fmt.Sprintf("status = $%d", q.Idx()), StatusSubmitted)
	q.OrderBy(`CASE priority WHEN 'URGENT' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 ELSE 3 END, requested_at ASC`)
	return r.query(ctx, q, limit, offset)
}

func (r *requisitionRepoPG) query(ctx context.Context, q *search.Query, limit, offset int) ([]*Requisition, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requisitions: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list requisitions: %w", err)
	}
	var (
		items []*Requisition
		ids   []uuid.UUID
	)
	for rows.Next() {
		item, err := scanRequisition(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		items = append(items, item)
		ids = append(ids, item.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	lines, err := r.loadLines(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, item := range items {
		item.Lines = lines[item.ID]
	}
	return items, total, nil
}

// ---- Transfer Repo ----

type transferRepoPG struct{ pool *pgxpool.Pool }

func NewTransferRepoPG(pool *pgxpool.Pool) TransferRepository {
	return &transferRepoPG{pool: pool}
}

func (r *transferRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const transferCols = `id, requisition_id, from_store, to_store_id, transferred_by, transferred_at,
	status, notes, completed_at, created_at`

const transferLineCols = `id, transfer_id, requisition_line_id, item_id, quantity, batch_number,
	expiry_date, is_sterile, unit_cost, total_cost`

func scanTransfer(row pgx.Row) (*StoreTransfer, error) {
	var t StoreTransfer
	err := row.Scan(&t.ID, &t.RequisitionID, &t.FromStore, &t.ToStoreID, &t.TransferredBy, &t.TransferredAt,
		&t.Status, &t.Notes, &t.CompletedAt, &t.CreatedAt)
	return &t, err
}

func (r *transferRepoPG) Create(ctx context.Context, t *StoreTransfer) error {
	t.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO store_transfer (id, requisition_id, from_store, to_store_id, transferred_by,
			transferred_at, status, notes, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		t.ID, t.RequisitionID, t.FromStore, t.ToStoreID, t.TransferredBy,
		t.TransferredAt, t.Status, t.Notes, t.CompletedAt).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert store transfer: %w", err)
	}
	for _, l := range t.Lines {
		l.ID = uuid.New()
		l.TransferID = t.ID
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO store_transfer_line (id, transfer_id, requisition_line_id, item_id, quantity,
				batch_number, expiry_date, is_sterile, unit_cost, total_cost)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			l.ID, l.TransferID, l.RequisitionLineID, l.ItemID, l.Quantity,
			l.BatchNumber, l.ExpiryDate, l.IsSterile, l.UnitCost, l.TotalCost)
		if err != nil {
			return fmt.Errorf("insert store transfer line: %w", err)
		}
	}
	return nil
}

func (r *transferRepoPG) get(ctx context.Context, id uuid.UUID, lock bool) (*StoreTransfer, error) {
	sql := `SELECT ` + transferCols + ` FROM store_transfer WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	t, err := scanTransfer(r.conn(ctx).QueryRow(ctx, sql, id))
	if err != nil {
		return nil, noRows(err, "transfer", id)
	}
	if t.Lines, err = r.lines(ctx, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *transferRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*StoreTransfer, error) {
	return r.get(ctx, id, false)
}

func (r *transferRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*StoreTransfer, error) {
	return r.get(ctx, id, true)
}

func (r *transferRepoPG) lines(ctx context.Context, transferID uuid.UUID) ([]*StoreTransferLine, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+transferLineCols+` FROM store_transfer_line
		WHERE transfer_id = $1 ORDER BY batch_number, item_id`, transferID)
	if err != nil {
		return nil, fmt.Errorf("load transfer lines: %w", err)
	}
	defer rows.Close()
	var out []*StoreTransferLine
	for rows.Next() {
		var l StoreTransferLine
		if err := rows.Scan(&l.ID, &l.TransferID, &l.RequisitionLineID, &l.ItemID, &l.Quantity, &l.BatchNumber,
			&l.ExpiryDate, &l.IsSterile, &l.UnitCost, &l.TotalCost); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (r *transferRepoPG) UpdateStatus(ctx context.Context, t *StoreTransfer) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE store_transfer SET status = $2, completed_at = $3, transferred_by = $4, transferred_at = $5
		WHERE id = $1`, t.ID, t.Status, t.CompletedAt, t.TransferredBy, t.TransferredAt)
	if err != nil {
		return fmt.Errorf("update store transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFoundf("transfer %s", t.ID)
	}
	return nil
}

func (r *transferRepoPG) ListByRequisition(ctx context.Context, requisitionID uuid.UUID) ([]*StoreTransfer, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+transferCols+` FROM store_transfer
		WHERE requisition_id = $1 ORDER BY transferred_at`, requisitionID)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	var out []*StoreTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range out {
		if t.Lines, err = r.lines(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ---- Stock Repo ----

type stockRepoPG struct{ pool *pgxpool.Pool }

func NewStockRepoPG(pool *pgxpool.Pool) StockRepository {
	return &stockRepoPG{pool: pool}
}

func (r *stockRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const stockCols = `id, store_id, item_id, batch_number, quantity_available, minimum_quantity,
	maximum_quantity, expiry_date, is_sterile, is_active, last_restocked_at, version, created_at, updated_at`

const movementCols = `id, store_id, item_id, batch_number, delta, balance_after, reason,
	reference_id, actor, created_at`

func scanStock(row pgx.Row) (*StoreBatchStock, error) {
	var s StoreBatchStock
	err := row.Scan(&s.ID, &s.StoreID, &s.ItemID, &s.BatchNumber, &s.QuantityAvailable, &s.MinimumQuantity,
		&s.MaximumQuantity, &s.ExpiryDate, &s.IsSterile, &s.IsActive, &s.LastRestockedAt, &s.Version,
		&s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

// Upsert adds qty to the batch, creating it when absent. The conflict
// branch runs under the row lock, so concurrent restocks of one key add up.
func (r *stockRepoPG) Upsert(ctx context.Context, key StockKey, qty int64, meta BatchMetadata) (*StoreBatchStock, error) {
	s, err := scanStock(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO store_batch_stock AS s (id, store_id, item_id, batch_number, quantity_available,
			minimum_quantity, maximum_quantity, expiry_date, is_sterile, is_active, last_restocked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,COALESCE($9, FALSE),TRUE,NOW())
		ON CONFLICT (store_id, item_id, batch_number) DO UPDATE SET
			quantity_available = s.quantity_available + EXCLUDED.quantity_available,
			minimum_quantity = COALESCE(EXCLUDED.minimum_quantity, s.minimum_quantity),
			maximum_quantity = COALESCE(EXCLUDED.maximum_quantity, s.maximum_quantity),
			expiry_date = COALESCE(EXCLUDED.expiry_date, s.expiry_date),
			is_sterile = COALESCE($9, s.is_sterile),
			is_active = TRUE,
			last_restocked_at = NOW(),
			version = s.version + 1,
			updated_at = NOW()
		RETURNING `+stockCols,
		uuid.New(), key.StoreID, key.ItemID, key.BatchNumber, qty,
		meta.MinimumQuantity, meta.MaximumQuantity, meta.ExpiryDate, meta.IsSterile))
	if err != nil {
		return nil, fmt.Errorf("upsert batch %s: %w", key, err)
	}
	return s, nil
}

// DecrementIfAvailable is the indivisible check-and-decrement: the WHERE
// clause and the SET run under one row lock.
func (r *stockRepoPG) DecrementIfAvailable(ctx context.Context, key StockKey, qty int64) (*StoreBatchStock, bool, error) {
	s, err := scanStock(r.conn(ctx).QueryRow(ctx, `
		UPDATE store_batch_stock SET
			quantity_available = quantity_available - $4,
			version = version + 1,
			updated_at = NOW()
		WHERE store_id = $1 AND item_id = $2 AND batch_number = $3
			AND is_active AND quantity_available >= $4
		RETURNING `+stockCols,
		key.StoreID, key.ItemID, key.BatchNumber, qty))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("decrement batch %s: %w", key, err)
	}
	return s, true, nil
}

func (r *stockRepoPG) Get(ctx context.Context, key StockKey) (*StoreBatchStock, error) {
	s, err := scanStock(r.conn(ctx).QueryRow(ctx, `SELECT `+stockCols+` FROM store_batch_stock
		WHERE store_id = $1 AND item_id = $2 AND batch_number = $3`,
		key.StoreID, key.ItemID, key.BatchNumber))
	if err != nil {
		return nil, noRows(err, "batch", key)
	}
	return s, nil
}

func (r *stockRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*StoreBatchStock, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	var out []*StoreBatchStock
	for rows.Next() {
		s, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *stockRepoPG) ListByStoreItem(ctx context.Context, storeID, itemID uuid.UUID) ([]*StoreBatchStock, error) {
	return r.list(ctx, `SELECT `+stockCols+` FROM store_batch_stock
		WHERE store_id = $1 AND item_id = $2
		ORDER BY created_at, batch_number`, storeID, itemID)
}

func (r *stockRepoPG) ListByStore(ctx context.Context, storeID uuid.UUID, lowOnly bool) ([]*StoreBatchStock, error) {
	sql := `SELECT ` + stockCols + ` FROM store_batch_stock WHERE store_id = $1`
	if lowOnly {
		sql += ` AND is_active AND minimum_quantity IS NOT NULL AND quantity_available <= minimum_quantity`
	}
	return r.list(ctx, sql+` ORDER BY item_id, created_at, batch_number`, storeID)
}

func (r *stockRepoPG) DeactivateIfEmpty(ctx context.Context, key StockKey) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE store_batch_stock SET is_active = FALSE, version = version + 1, updated_at = NOW()
		WHERE store_id = $1 AND item_id = $2 AND batch_number = $3 AND quantity_available = 0`,
		key.StoreID, key.ItemID, key.BatchNumber)
	if err != nil {
		return false, fmt.Errorf("close batch %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *stockRepoPG) AppendMovement(ctx context.Context, m *StockMovement) error {
	m.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO stock_movement (id, store_id, item_id, batch_number, delta, balance_after,
			reason, reference_id, actor)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at`,
		m.ID, m.StoreID, m.ItemID, m.BatchNumber, m.Delta, m.BalanceAfter,
		m.Reason, m.ReferenceID, m.Actor).Scan(&m.CreatedAt)
}

func (r *stockRepoPG) ListMovements(ctx context.Context, key StockKey, limit, offset int) ([]*StockMovement, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM stock_movement
		WHERE store_id = $1 AND item_id = $2 AND batch_number = $3`,
		key.StoreID, key.ItemID, key.BatchNumber).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count movements: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+movementCols+` FROM stock_movement
		WHERE store_id = $1 AND item_id = $2 AND batch_number = $3
		ORDER BY created_at DESC LIMIT $4 OFFSET $5`,
		key.StoreID, key.ItemID, key.BatchNumber, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()
	var out []*StockMovement
	for rows.Next() {
		var m StockMovement
		if err := rows.Scan(&m.ID, &m.StoreID, &m.ItemID, &m.BatchNumber, &m.Delta, &m.BalanceAfter,
			&m.Reason, &m.ReferenceID, &m.Actor, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &m)
	}
	return out, total, rows.Err()
}

// ---- Usage Repo ----

type usageRepoPG struct{ pool *pgxpool.Pool }

func NewUsageRepoPG(pool *pgxpool.Pool) UsageRepository {
	return &usageRepoPG{pool: pool}
}

func (r *usageRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const usageCols = `id, procedure_id, item_id, store_id, batch_number, quantity, used_by, used_at, purpose, notes`

func scanUsage(row pgx.Row) (*ProcedureUsage, error) {
	var u ProcedureUsage
	err := row.Scan(&u.ID, &u.ProcedureID, &u.ItemID, &u.StoreID, &u.BatchNumber, &u.Quantity,
		&u.UsedBy, &u.UsedAt, &u.Purpose, &u.Notes)
	return &u, err
}

func (r *usageRepoPG) Create(ctx context.Context, u *ProcedureUsage) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO procedure_usage (id, procedure_id, item_id, store_id, batch_number, quantity,
			used_by, used_at, purpose, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		u.ID, u.ProcedureID, u.ItemID, u.StoreID, u.BatchNumber, u.Quantity,
		u.UsedBy, u.UsedAt, u.Purpose, u.Notes)
	if err != nil {
		return fmt.Errorf("insert procedure usage: %w", err)
	}
	return nil
}

func (r *usageRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ProcedureUsage, error) {
	u, err := scanUsage(r.conn(ctx).QueryRow(ctx, `SELECT `+usageCols+` FROM procedure_usage WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "usage", id)
	}
	return u, nil
}

func (r *usageRepoPG) List(ctx context.Context, f UsageFilter, limit, offset int) ([]*ProcedureUsage, int, error) {
	q := search.NewQuery("procedure_usage", usageCols)
	if f.ProcedureID != nil {
		q.Add(fmt.Sprintf("procedure_id = $%d", q.Idx()), *f.ProcedureID)
	}
	if f.ItemID != nil {
		q.Add(fmt.Sprintf("item_id = $%d", q.Idx()), *f.ItemID)
	}
	if f.StoreID != nil {
		q.Add(fmt.Sprintf("store_id = $%d", q.Idx()), *f.StoreID)
	}
	if f.UsedBy != "" {
		q.Add(fmt.Sprintf("used_by = $%d", q.Idx()), f.UsedBy)
	}
	if f.From != nil {
		q.Add(fmt.Sprintf("used_at >= $%d", q.Idx()), *f.From)
	}
	if f.To != nil {
		q.Add(fmt.Sprintf("used_at < $%d", q.Idx()), *f.To)
	}
	q.OrderBy("used_at DESC")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count usage: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()
	var out []*ProcedureUsage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

// ---- Theatre Store Repo ----

type storeRepoPG struct{ pool *pgxpool.Pool }

func NewStoreRepoPG(pool *pgxpool.Pool) StoreRepository {
	return &storeRepoPG{pool: pool}
}

func (r *storeRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const storeCols = `id, name, description, location, store_type, capacity, managed_by, is_active, created_at, updated_at`

func scanStore(row pgx.Row) (*TheatreStore, error) {
	var s TheatreStore
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Location, &s.StoreType, &s.Capacity,
		&s.ManagedBy, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *storeRepoPG) Create(ctx context.Context, s *TheatreStore) error {
	s.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO theatre_store (id, name, description, location, store_type, capacity, managed_by, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		s.ID, s.Name, s.Description, s.Location, s.StoreType, s.Capacity, s.ManagedBy, s.IsActive).
		Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *storeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TheatreStore, error) {
	s, err := scanStore(r.conn(ctx).QueryRow(ctx, `SELECT `+storeCols+` FROM theatre_store WHERE id = $1`, id))
	if err != nil {
		return nil, noRows(err, "theatre store", id)
	}
	return s, nil
}

func (r *storeRepoPG) Update(ctx context.Context, s *TheatreStore) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE theatre_store SET name=$2, description=$3, location=$4, store_type=$5, capacity=$6,
			managed_by=$7, is_active=$8, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.Name, s.Description, s.Location, s.StoreType, s.Capacity, s.ManagedBy, s.IsActive).
		Scan(&s.UpdatedAt)
	return noRows(err, "theatre store", s.ID)
}

func (r *storeRepoPG) List(ctx context.Context, f StoreFilter, limit, offset int) ([]*TheatreStore, int, error) {
	q := search.NewQuery("theatre_store", storeCols)
	if f.ActiveOnly {
		q.Add("is_active")
	}
	if f.StoreType != "" {
		q.Add(fmt.Sprintf("store_type = $%d", q.Idx()), f.StoreType)
	}
	if f.Location != "" {
		q.Add(fmt.Sprintf("location ILIKE $%d", q.Idx()), "%"+f.Location+"%")
	}
	if f.ManagedBy != "" {
		q.Add(fmt.Sprintf("managed_by = $%d", q.Idx()), f.ManagedBy)
	}
	q.OrderBy("name")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count theatre stores: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list theatre stores: %w", err)
	}
	defer rows.Close()
	var out []*TheatreStore
	for rows.Next() {
		s, err := scanStore(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}
