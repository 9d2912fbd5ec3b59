package theatre

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/supply/internal/domain/catalog"
	"github.com/clinic/supply/internal/platform/telemetry"
)

const (
	DefaultRequisitionPrefix = "TR-"
	DefaultCentralStore      = "Central Store"

	requisitionSequence = "requisition_number"
)

// ItemCatalog is the read-only view of consumable reference data.
type ItemCatalog interface {
	GetItem(ctx context.Context, id uuid.UUID) (*catalog.Item, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Options are shared by every service in the package. Zero values fall
// back to the package defaults.
type Options struct {
	RequisitionPrefix string
	CentralStoreName  string
	Metrics           *telemetry.SupplyMetrics
	Logger            zerolog.Logger
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RequisitionPrefix == "" {
		o.RequisitionPrefix = DefaultRequisitionPrefix
	}
	if o.CentralStoreName == "" {
		o.CentralStoreName = DefaultCentralStore
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func lookupItem(ctx context.Context, items ItemCatalog, id uuid.UUID) (*catalog.Item, error) {
	it, err := items.GetItem(ctx, id)
	if errors.Is(err, catalog.ErrItemNotFound) {
		return nil, notFoundf("consumable item %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load consumable item %s: %w", id, err)
	}
	return it, nil
}

func requireActor(actor string) error {
	if actor == "" {
		return validationf("acting user is required")
	}
	return nil
}
