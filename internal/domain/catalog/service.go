package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the read side the supply workflow consumes, plus the small
// amount of maintenance needed to keep the catalog populated.
type Service struct {
	items  ItemRepository
	logger zerolog.Logger
}

func NewService(items ItemRepository, logger zerolog.Logger) *Service {
	return &Service{items: items, logger: logger.With().Str("component", "catalog").Logger()}
}

func (s *Service) CreateItem(ctx context.Context, it *Item) error {
	it.Code = strings.TrimSpace(it.Code)
	it.Name = strings.TrimSpace(it.Name)
	if it.Code == "" {
		return fmt.Errorf("code is required")
	}
	if it.Name == "" {
		return fmt.Errorf("name is required")
	}
	if it.UnitCost.IsNegative() {
		return fmt.Errorf("unit_cost must not be negative")
	}
	if it.ReorderLevel < 0 {
		return fmt.Errorf("reorder_level must not be negative")
	}
	if it.UnitOfMeasure == "" {
		it.UnitOfMeasure = "unit"
	}
	it.Active = true
	if err := s.items.Create(ctx, it); err != nil {
		return fmt.Errorf("create item %s: %w", it.Code, err)
	}
	s.logger.Info().Str("item_id", it.ID.String()).Str("code", it.Code).Msg("consumable item created")
	return nil
}

func (s *Service) UpdateItem(ctx context.Context, it *Item) error {
	if strings.TrimSpace(it.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if it.UnitCost.IsNegative() {
		return fmt.Errorf("unit_cost must not be negative")
	}
	return s.items.Update(ctx, it)
}

// GetItem returns ErrItemNotFound for unknown ids.
func (s *Service) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	return s.items.GetByID(ctx, id)
}

func (s *Service) GetItemByCode(ctx context.Context, code string) (*Item, error) {
	return s.items.GetByCode(ctx, code)
}

func (s *Service) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.items.Exists(ctx, id)
}

func (s *Service) DeactivateItem(ctx context.Context, id uuid.UUID) error {
	it, err := s.items.GetByID(ctx, id)
	if err != nil {
		return err
	}
	it.Active = false
	return s.items.Update(ctx, it)
}

func (s *Service) SearchItems(ctx context.Context, params map[string]string, limit, offset int) ([]*Item, int, error) {
	return s.items.Search(ctx, params, limit, offset)
}
