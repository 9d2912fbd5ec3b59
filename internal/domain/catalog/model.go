package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Item maps to the consumable_item table.
type Item struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	Code          string          `db:"code" json:"code"`
	Name          string          `db:"name" json:"name"`
	Description   *string         `db:"description" json:"description,omitempty"`
	Category      *string         `db:"category" json:"category,omitempty"`
	UnitOfMeasure string          `db:"unit_of_measure" json:"unit_of_measure"`
	UnitCost      decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	ReorderLevel  int64           `db:"reorder_level" json:"reorder_level"`
	IsSterile     bool            `db:"is_sterile" json:"is_sterile"`
	Active        bool            `db:"is_active" json:"active"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}
