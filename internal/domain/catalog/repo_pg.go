package catalog

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

type itemRepoPG struct{ pool *pgxpool.Pool }

func NewItemRepoPG(pool *pgxpool.Pool) ItemRepository {
	return &itemRepoPG{pool: pool}
}

const itemCols = `id, code, name, description, category, unit_of_measure,
	unit_cost, reorder_level, is_sterile, is_active, created_at, updated_at`

var itemSearchParams = map[string]search.ParamConfig{
	"code":     {Type: search.ParamToken, Column: "code"},
	"name":     {Type: search.ParamString, Column: "name"},
	"category": {Type: search.ParamToken, Column: "category"},
	"active":   {Type: search.ParamBool, Column: "is_active"},
	"sterile":  {Type: search.ParamBool, Column: "is_sterile"},
}

func (r *itemRepoPG) scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.Code, &it.Name, &it.Description, &it.Category, &it.UnitOfMeasure,
		&it.UnitCost, &it.ReorderLevel, &it.IsSterile, &it.Active, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *itemRepoPG) Create(ctx context.Context, it *Item) error {
	it.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO consumable_item (id, code, name, description, category, unit_of_measure,
			unit_cost, reorder_level, is_sterile, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		it.ID, it.Code, it.Name, it.Description, it.Category, it.UnitOfMeasure,
		it.UnitCost, it.ReorderLevel, it.IsSterile, it.Active).Scan(&it.CreatedAt, &it.UpdatedAt)
}

func (r *itemRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Item, error) {
	return r.scanItem(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+itemCols+` FROM consumable_item WHERE id = $1`, id))
}

func (r *itemRepoPG) GetByCode(ctx context.Context, code string) (*Item, error) {
	return r.scanItem(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+itemCols+` FROM consumable_item WHERE code = $1`, code))
}

func (r *itemRepoPG) Update(ctx context.Context, it *Item) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE consumable_item SET name=$2, description=$3, category=$4, unit_of_measure=$5,
			unit_cost=$6, reorder_level=$7, is_sterile=$8, is_active=$9, updated_at=NOW()
		WHERE id = $1`,
		it.ID, it.Name, it.Description, it.Category, it.UnitOfMeasure,
		it.UnitCost, it.ReorderLevel, it.IsSterile, it.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *itemRepoPG) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consumable_item WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

func (r *itemRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Item, int, error) {
	q := search.NewQuery("consumable_item", itemCols)
	q.ApplyParams(params, itemSearchParams)
	if err := q.Err(); err != nil {
		return nil, 0, err
	}
	q.ApplySort(params["_sort"], "name ASC", itemSearchParams)

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}

	rows, err := conn.Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search items: %w", err)
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := r.scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}
