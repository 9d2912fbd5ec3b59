package theatre

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultStoreType = "SURGICAL"

type StoreInput struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	Location    *string `json:"location,omitempty"`
	StoreType   string  `json:"store_type,omitempty"`
	Capacity    *int    `json:"capacity,omitempty"`
	ManagedBy   *string `json:"managed_by,omitempty"`
}

func (in StoreInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return validationf("store name is required")
	}
	if in.Capacity != nil && *in.Capacity < 0 {
		return validationf("capacity must not be negative")
	}
	return nil
}

func (in StoreInput) apply(s *TheatreStore) {
	s.Name = strings.TrimSpace(in.Name)
	s.Description = in.Description
	s.Location = in.Location
	s.StoreType = strings.ToUpper(strings.TrimSpace(in.StoreType))
	if s.StoreType == "" {
		s.StoreType = DefaultStoreType
	}
	s.Capacity = in.Capacity
	s.ManagedBy = in.ManagedBy
}

// StoreService manages the theatre stores that transfers stock into.
type StoreService struct {
	stores StoreRepository
	logger zerolog.Logger
}

func NewStoreService(stores StoreRepository, opts Options) *StoreService {
	return &StoreService{
		stores: stores,
		logger: opts.Logger.With().Str("component", "theatre_stores").Logger(),
	}
}

func (s *StoreService) Create(ctx context.Context, in StoreInput) (*TheatreStore, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	st := &TheatreStore{IsActive: true}
	in.apply(st)
	if err := s.stores.Create(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info().Str("store", st.ID.String()).Str("name", st.Name).Msg("theatre store created")
	return st, nil
}

func (s *StoreService) Get(ctx context.Context, id uuid.UUID) (*TheatreStore, error) {
	return s.stores.GetByID(ctx, id)
}

func (s *StoreService) Update(ctx context.Context, id uuid.UUID, in StoreInput) (*TheatreStore, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	st, err := s.stores.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	in.apply(st)
	if err := s.stores.Update(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Deactivate stops a store from receiving transfers. Stock already held
// stays consumable.
func (s *StoreService) Deactivate(ctx context.Context, id uuid.UUID) (*TheatreStore, error) {
	st, err := s.stores.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !st.IsActive {
		return st, nil
	}
	st.IsActive = false
	if err := s.stores.Update(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info().Str("store", st.ID.String()).Msg("theatre store deactivated")
	return st, nil
}

func (s *StoreService) List(ctx context.Context, f StoreFilter, limit, offset int) ([]*TheatreStore, int, error) {
	f.StoreType = strings.ToUpper(strings.TrimSpace(f.StoreType))
	f.Location = strings.TrimSpace(f.Location)
	f.ManagedBy = strings.TrimSpace(f.ManagedBy)
	return s.stores.List(ctx, f, limit, offset)
}
