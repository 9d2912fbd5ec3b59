package theatre

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/supply/internal/platform/db"
	"github.com/clinic/supply/internal/platform/telemetry"
)

type LineInput struct {
	ItemID   uuid.UUID `json:"item_id"`
	Quantity int64     `json:"quantity_requested"`
	Purpose  *string   `json:"purpose,omitempty"`
	Notes    *string   `json:"notes,omitempty"`
}

type RequisitionInput struct {
	Title        string      `json:"title"`
	Description  *string     `json:"description,omitempty"`
	RequiredBy   *time.Time  `json:"required_by,omitempty"`
	Priority     Priority    `json:"priority,omitempty"`
	DepartmentID *uuid.UUID  `json:"department_id,omitempty"`
	ProcedureID  *uuid.UUID  `json:"procedure_id,omitempty"`
	Notes        *string     `json:"notes,omitempty"`
	Lines        []LineInput `json:"lines"`
}

type ApprovalAction string

const (
	ActionApprove ApprovalAction = "APPROVE"
	ActionReject  ApprovalAction = "REJECT"
)

type LineApproval struct {
	LineID   uuid.UUID `json:"line_id"`
	Quantity int64     `json:"quantity_approved"`
}

// ApprovalDecision approves listed lines at the given quantities (unlisted
// lines are approved at zero) or rejects the whole requisition with a
// reason.
type ApprovalDecision struct {
	Action ApprovalAction `json:"action"`
	Lines  []LineApproval `json:"lines,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Workflow drives the requisition state machine. Every transition locks
// the requisition row, so concurrent transitions of one requisition are
// serialized and only the first of two conflicting calls can succeed.
type Workflow struct {
	repo    RequisitionRepository
	items   ItemCatalog
	seq     db.Sequence
	tx      db.TxRunner
	prefix  string
	metrics *telemetry.SupplyMetrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewWorkflow(repo RequisitionRepository, items ItemCatalog, seq db.Sequence, tx db.TxRunner, opts Options) *Workflow {
	opts = opts.withDefaults()
	return &Workflow{
		repo:    repo,
		items:   items,
		seq:     seq,
		tx:      tx,
		prefix:  opts.RequisitionPrefix,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "requisition_workflow").Logger(),
		now:     opts.Now,
	}
}

// FormatNumber renders a requisition number from a sequence value.
func FormatNumber(prefix string, n int64) string {
	return fmt.Sprintf("%s%06d", prefix, n)
}

func (w *Workflow) validateHeader(in *RequisitionInput) error {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return validationf("title is required")
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !in.Priority.Valid() {
		return validationf("invalid priority %q", in.Priority)
	}
	return nil
}

// buildLines checks every line against the catalog and prices it. The
// same item requested twice with the same quantity is treated as an
// accidental duplicate.
func (w *Workflow) buildLines(ctx context.Context, in []LineInput) ([]*RequisitionLine, error) {
	type dupKey struct {
		item uuid.UUID
		qty  int64
	}
	seen := make(map[dupKey]int, len(in))
	lines := make([]*RequisitionLine, 0, len(in))

	for i, li := range in {
		n := i + 1
		if li.Quantity <= 0 {
			return nil, validationf("line %d: quantity_requested must be positive", n)
		}
		if li.ItemID == uuid.Nil {
			return nil, validationf("line %d: item_id is required", n)
		}
		k := dupKey{li.ItemID, li.Quantity}
		if prev, ok := seen[k]; ok {
			return nil, validationf("line %d duplicates line %d", n, prev)
		}
		seen[k] = n

		item, err := lookupItem(ctx, w.items, li.ItemID)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if !item.Active {
			return nil, validationf("line %d: consumable item %s is inactive", n, item.Code)
		}

		lines = append(lines, &RequisitionLine{
			ItemID:            li.ItemID,
			QuantityRequested: li.Quantity,
			UnitCost:          item.UnitCost,
			TotalCost:         item.UnitCost.Mul(decimal.NewFromInt(li.Quantity)),
			Purpose:           li.Purpose,
			Notes:             li.Notes,
		})
	}
	return lines, nil
}

// Create stores a new DRAFT requisition with a freshly numbered header.
func (w *Workflow) Create(ctx context.Context, in RequisitionInput, actor string) (*Requisition, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := w.validateHeader(&in); err != nil {
		return nil, err
	}

	var req *Requisition
	err := w.tx.InTx(ctx, func(ctx context.Context) error {
		lines, err := w.buildLines(ctx, in.Lines)
		if err != nil {
			return err
		}
		n, err := w.seq.Next(ctx, requisitionSequence)
		if err != nil {
			return err
		}
		req = &Requisition{
			Number:       FormatNumber(w.prefix, n),
			Title:        in.Title,
			Description:  in.Description,
			RequestedBy:  actor,
			RequestedAt:  w.now(),
			RequiredBy:   in.RequiredBy,
			Status:       StatusDraft,
			Priority:     in.Priority,
			DepartmentID: in.DepartmentID,
			ProcedureID:  in.ProcedureID,
			Notes:        in.Notes,
			UpdatedBy:    &actor,
			Lines:        lines,
		}
		return w.repo.Create(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	db.AfterCommit(ctx, func() {
		w.logger.Info().Str("requisition", req.Number).Str("actor", actor).Int("lines", len(req.Lines)).Msg("requisition created")
	})
	return req, nil
}

// Update replaces the header fields and the whole line collection of a
// DRAFT requisition.
func (w *Workflow) Update(ctx context.Context, id uuid.UUID, in RequisitionInput, actor string) (*Requisition, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return w.transition(ctx, id, "updated", func(ctx context.Context, req *Requisition) error {
		if req.Status != StatusDraft {
			return invalidStatef("requisition %s is %s, only DRAFT can be edited", req.Number, req.Status)
		}
		if err := w.validateHeader(&in); err != nil {
			return err
		}
		lines, err := w.buildLines(ctx, in.Lines)
		if err != nil {
			return err
		}
		if err := w.repo.ReplaceLines(ctx, req.ID, lines); err != nil {
			return err
		}
		req.Title = in.Title
		req.Description = in.Description
		req.RequiredBy = in.RequiredBy
		req.Priority = in.Priority
		req.DepartmentID = in.DepartmentID
		req.ProcedureID = in.ProcedureID
		req.Notes = in.Notes
		req.UpdatedBy = &actor
		req.Lines = lines
		return w.repo.UpdateHeader(ctx, req)
	})
}

// Submit moves a DRAFT with at least one line to SUBMITTED.
func (w *Workflow) Submit(ctx context.Context, id uuid.UUID, actor string) (*Requisition, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return w.transition(ctx, id, "submitted", func(ctx context.Context, req *Requisition) error {
		if req.Status != StatusDraft {
			return invalidStatef("requisition %s is %s, only DRAFT can be submitted", req.Number, req.Status)
		}
		if len(req.Lines) == 0 {
			return fmt.Errorf("submit %s: %w", req.Number, ErrEmptyRequisition)
		}
		req.Status = StatusSubmitted
		req.UpdatedBy = &actor
		return w.repo.UpdateHeader(ctx, req)
	})
}

// Approve applies an approval decision to a SUBMITTED requisition. Every
// listed quantity is checked before any line is written, so a single
// out-of-range quantity leaves the requisition untouched.
func (w *Workflow) Approve(ctx context.Context, id uuid.UUID, d ApprovalDecision, approver string) (*Requisition, error) {
	if err := requireActor(approver); err != nil {
		return nil, err
	}
	if d.Action != ActionApprove && d.Action != ActionReject {
		return nil, validationf("action must be %s or %s", ActionApprove, ActionReject)
	}
	reason := strings.TrimSpace(d.Reason)
	if d.Action == ActionReject && reason == "" {
		return nil, validationf("a rejection reason is required")
	}

	verb := "approved"
	if d.Action == ActionReject {
		verb = "rejected"
	}
	return w.transition(ctx, id, verb, func(ctx context.Context, req *Requisition) error {
		if req.Status != StatusSubmitted {
			return invalidStatef("requisition %s is %s, only SUBMITTED can be decided", req.Number, req.Status)
		}
		if d.Action == ActionReject {
			req.Status = StatusRejected
			req.RejectionReason = &reason
			req.UpdatedBy = &approver
			return w.repo.UpdateHeader(ctx, req)
		}

		approved, err := approvedQuantities(req, d.Lines)
		if err != nil {
			return err
		}
		for _, l := range req.Lines {
			l.QuantityApproved = approved[l.ID]
			if err := w.repo.UpdateLineQuantities(ctx, l); err != nil {
				return err
			}
		}
		at := w.now()
		req.Status = StatusApproved
		req.ApprovedBy = &approver
		req.ApprovedAt = &at
		req.UpdatedBy = &approver
		return w.repo.UpdateHeader(ctx, req)
	})
}

func approvedQuantities(req *Requisition, in []LineApproval) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(req.Lines))
	for _, a := range in {
		l := req.Line(a.LineID)
		if l == nil {
			return nil, fmt.Errorf("%w: line %s is not part of requisition %s", ErrInvalidApprovalQuantity, a.LineID, req.Number)
		}
		if _, dup := out[a.LineID]; dup {
			return nil, fmt.Errorf("%w: line %s approved twice", ErrInvalidApprovalQuantity, a.LineID)
		}
		if a.Quantity < 0 || a.Quantity > l.QuantityRequested {
			return nil, fmt.Errorf("%w: line %d approved %d, requested %d",
				ErrInvalidApprovalQuantity, l.Position, a.Quantity, l.QuantityRequested)
		}
		out[a.LineID] = a.Quantity
	}
	return out, nil
}

// Cancel is allowed from DRAFT or SUBMITTED.
func (w *Workflow) Cancel(ctx context.Context, id uuid.UUID, actor string) (*Requisition, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return w.transition(ctx, id, "cancelled", func(ctx context.Context, req *Requisition) error {
		if req.Status != StatusDraft && req.Status != StatusSubmitted {
			return invalidStatef("requisition %s is %s and can no longer be cancelled", req.Number, req.Status)
		}
		req.Status = StatusCancelled
		req.UpdatedBy = &actor
		return w.repo.UpdateHeader(ctx, req)
	})
}

// Delete removes a DRAFT requisition and its lines.
func (w *Workflow) Delete(ctx context.Context, id uuid.UUID) error {
	var number string
	err := w.tx.InTx(ctx, func(ctx context.Context) error {
		req, err := w.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != StatusDraft {
			return invalidStatef("requisition %s is %s, only DRAFT can be deleted", req.Number, req.Status)
		}
		number = req.Number
		return w.repo.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	db.AfterCommit(ctx, func() {
		w.logger.Info().Str("requisition", number).Msg("requisition deleted")
	})
	return nil
}

func (w *Workflow) Get(ctx context.Context, id uuid.UUID) (*Requisition, error) {
	return w.repo.GetByID(ctx, id)
}

func (w *Workflow) List(ctx context.Context, f RequisitionFilter, limit, offset int) ([]*Requisition, int, error) {
	if f.Status != "" {
		switch f.Status {
		case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected, StatusFulfilled, StatusCancelled:
		default:
			return nil, 0, validationf("invalid status %q", f.Status)
		}
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, 0, validationf("invalid priority %q", f.Priority)
	}
	return w.repo.List(ctx, f, limit, offset)
}

// PendingApprovals lists SUBMITTED requisitions, most urgent and oldest
// first.
func (w *Workflow) PendingApprovals(ctx context.Context, limit, offset int) ([]*Requisition, int, error) {
	return w.repo.ListPending(ctx, limit, offset)
}

// transition locks the requisition, applies fn and logs the outcome.
func (w *Workflow) transition(ctx context.Context, id uuid.UUID, verb string, fn func(ctx context.Context, req *Requisition) error) (*Requisition, error) {
	var (
		req  *Requisition
		from RequisitionStatus
	)
	err := w.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		req, err = w.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = req.Status
		return fn(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	to := req.Status
	number := req.Number
	db.AfterCommit(ctx, func() {
		if to != from {
			w.metrics.RequisitionTransition(string(to))
		}
		w.logger.Info().
			Str("requisition", number).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("requisition " + verb)
	})
	return req, nil
}
