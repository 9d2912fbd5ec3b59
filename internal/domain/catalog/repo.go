package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrItemNotFound = errors.New("consumable item not found")

type ItemRepository interface {
	Create(ctx context.Context, it *Item) error
	GetByID(ctx context.Context, id uuid.UUID) (*Item, error)
	GetByCode(ctx context.Context, code string) (*Item, error)
	Update(ctx context.Context, it *Item) error
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Item, int, error)
}
