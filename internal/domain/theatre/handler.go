package theatre

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/supply/internal/platform/auth"
	"github.com/clinic/supply/pkg/pagination"
)

// Handler exposes the supply chain over HTTP. It only parses, authorizes
// and maps errors; every rule lives in the services.
type Handler struct {
	workflow  *Workflow
	transfers *TransferExecutor
	ledger    *Ledger
	usage     *ConsumptionRecorder
	stores    *StoreService
}

func NewHandler(workflow *Workflow, transfers *TransferExecutor, ledger *Ledger, usage *ConsumptionRecorder, stores *StoreService) *Handler {
	return &Handler{workflow: workflow, transfers: transfers, ledger: ledger, usage: usage, stores: stores}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("storekeeper", "theatre_manager", "surgeon", "nurse"))
	read.GET("/requisitions", h.ListRequisitions)
	read.GET("/requisitions/:id", h.GetRequisition)
	read.GET("/requisitions/:id/transfers", h.ListRequisitionTransfers)
	read.GET("/transfers/:id", h.GetTransfer)
	read.GET("/stores", h.ListStores)
	read.GET("/stores/:id", h.GetStore)
	read.GET("/stores/:id/stock", h.StoreStock)
	read.GET("/stores/:id/stock/low", h.LowStock)
	read.GET("/stores/:id/stock/fefo", h.RecommendFEFO)
	read.GET("/stock/movements", h.Movements)
	read.GET("/usage", h.ListUsage)
	read.GET("/usage/:id", h.GetUsage)

	request := api.Group("", auth.RequireRole("storekeeper", "theatre_manager", "surgeon", "nurse"))
	request.POST("/requisitions", h.CreateRequisition)
	request.PUT("/requisitions/:id", h.UpdateRequisition)
	request.DELETE("/requisitions/:id", h.DeleteRequisition)
	request.POST("/requisitions/:id/submit", h.SubmitRequisition)
	request.POST("/requisitions/:id/cancel", h.CancelRequisition)

	approve := api.Group("", auth.RequireRole("theatre_manager"))
	approve.GET("/requisitions/pending", h.PendingApprovals)
	approve.POST("/requisitions/:id/approve", h.ApproveRequisition)

	store := api.Group("", auth.RequireRole("storekeeper"))
	store.POST("/transfers", h.ExecuteTransfer)
	store.POST("/transfers/:id/complete", h.CompleteTransfer)
	store.POST("/transfers/:id/cancel", h.CancelTransfer)
	store.POST("/stores", h.CreateStore)
	store.PUT("/stores/:id", h.UpdateStore)
	store.DELETE("/stores/:id", h.DeactivateStore)
	store.POST("/stock/close", h.CloseBatch)

	use := api.Group("", auth.RequireRole("surgeon", "nurse", "storekeeper"))
	use.POST("/usage", h.RecordUsage)
	use.POST("/usage/batch", h.RecordBatch)
}

// -- Requisitions --

func (h *Handler) CreateRequisition(c echo.Context) error {
	var in RequisitionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.workflow.Create(c.Request().Context(), in, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) GetRequisition(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	req, err := h.workflow.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) ListRequisitions(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := RequisitionFilter{
		Status:      RequisitionStatus(c.QueryParam("status")),
		Priority:    Priority(c.QueryParam("priority")),
		RequestedBy: c.QueryParam("requested_by"),
	}
	var err error
	if f.ProcedureID, err = queryUUID(c, "procedure_id"); err != nil {
		return err
	}
	if f.From, err = queryTime(c, "from"); err != nil {
		return err
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		return err
	}
	reqs, total, err := h.workflow.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(reqs, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

func (h *Handler) PendingApprovals(c echo.Context) error {
	pg := pagination.FromContext(c)
	reqs, total, err := h.workflow.PendingApprovals(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(reqs, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

func (h *Handler) UpdateRequisition(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in RequisitionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.workflow.Update(c.Request().Context(), id, in, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) DeleteRequisition(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.workflow.Delete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SubmitRequisition(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	req, err := h.workflow.Submit(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) ApproveRequisition(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var d ApprovalDecision
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req, err := h.workflow.Approve(c.Request().Context(), id, d, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) CancelRequisition(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	req, err := h.workflow.Cancel(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) ListRequisitionTransfers(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	transfers, err := h.transfers.ListByRequisition(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, transfers)
}

// -- Transfers --

func (h *Handler) ExecuteTransfer(c echo.Context) error {
	var in TransferRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.transfers.Execute(c.Request().Context(), in, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTransfer(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	t, err := h.transfers.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CompleteTransfer(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	t, err := h.transfers.Complete(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CancelTransfer(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	t, err := h.transfers.Cancel(c.Request().Context(), id, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// -- Stores and stock --

func (h *Handler) CreateStore(c echo.Context) error {
	var in StoreInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.stores.Create(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) GetStore(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	s, err := h.stores.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListStores(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := StoreFilter{
		ActiveOnly: c.QueryParam("active") == "true",
		StoreType:  c.QueryParam("type"),
		Location:   c.QueryParam("location"),
		ManagedBy:  c.QueryParam("managed_by"),
	}
	stores, total, err := h.stores.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(stores, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

func (h *Handler) UpdateStore(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in StoreInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.stores.Update(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) DeactivateStore(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if _, err := h.stores.Deactivate(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// StoreStock lists the batches of a store, or of one item in it when
// item_id is given.
func (h *Handler) StoreStock(c echo.Context) error {
	storeID, err := pathID(c)
	if err != nil {
		return err
	}
	itemID, err := queryUUID(c, "item_id")
	if err != nil {
		return err
	}
	var batches []*StoreBatchStock
	if itemID != nil {
		batches, err = h.ledger.Query(c.Request().Context(), storeID, *itemID)
	} else {
		batches, err = h.ledger.StoreStock(c.Request().Context(), storeID)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, batches)
}

func (h *Handler) LowStock(c echo.Context) error {
	storeID, err := pathID(c)
	if err != nil {
		return err
	}
	batches, err := h.ledger.LowStock(c.Request().Context(), storeID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, batches)
}

type fefoResponse struct {
	Plan      []Allocation `json:"plan"`
	Shortfall int64        `json:"shortfall"`
}

func (h *Handler) RecommendFEFO(c echo.Context) error {
	storeID, err := pathID(c)
	if err != nil {
		return err
	}
	itemID, err := queryUUID(c, "item_id")
	if err != nil {
		return err
	}
	if itemID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "item_id is required")
	}
	qty, err := strconv.ParseInt(c.QueryParam("quantity"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "quantity must be an integer")
	}
	plan, shortfall, err := h.ledger.RecommendFEFO(c.Request().Context(), storeID, *itemID, qty)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, fefoResponse{Plan: plan, Shortfall: shortfall})
}

func (h *Handler) CloseBatch(c echo.Context) error {
	var key StockKey
	if err := c.Bind(&key); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.ledger.Close(c.Request().Context(), key, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) Movements(c echo.Context) error {
	pg := pagination.FromContext(c)
	key := StockKey{BatchNumber: c.QueryParam("batch_number")}
	for name, dst := range map[string]*uuid.UUID{"store_id": &key.StoreID, "item_id": &key.ItemID} {
		id, err := queryUUID(c, name)
		if err != nil {
			return err
		}
		if id != nil {
			*dst = *id
		}
	}
	moves, total, err := h.ledger.Movements(c.Request().Context(), key, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(moves, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

// -- Usage --

func (h *Handler) RecordUsage(c echo.Context) error {
	var in UsageRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, err := h.usage.RecordUsage(c.Request().Context(), in, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, u)
}

type usageBatchRequest struct {
	ProcedureID uuid.UUID   `json:"procedure_id"`
	Lines       []UsageLine `json:"lines"`
}

type usageBatchResult struct {
	Index int             `json:"index"`
	Usage *ProcedureUsage `json:"usage,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  int             `json:"code"`
}

// RecordBatch answers 207 when some lines failed and 201 when none did.
func (h *Handler) RecordBatch(c echo.Context) error {
	var in usageBatchRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(in.Lines) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "lines are required")
	}
	results := h.usage.RecordBatch(c.Request().Context(), in.ProcedureID, in.Lines, actor(c))

	status := http.StatusCreated
	out := make([]usageBatchResult, len(results))
	for i, r := range results {
		out[i] = usageBatchResult{Index: r.Index, Usage: r.Usage, Code: http.StatusCreated}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
			out[i].Code = statusFor(r.Err)
			status = http.StatusMultiStatus
		}
	}
	return c.JSON(status, out)
}

func (h *Handler) GetUsage(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	u, err := h.usage.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ListUsage(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := UsageFilter{UsedBy: c.QueryParam("used_by")}
	var err error
	if f.ProcedureID, err = queryUUID(c, "procedure_id"); err != nil {
		return err
	}
	if f.ItemID, err = queryUUID(c, "item_id"); err != nil {
		return err
	}
	if f.StoreID, err = queryUUID(c, "store_id"); err != nil {
		return err
	}
	if f.From, err = queryTime(c, "from"); err != nil {
		return err
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		return err
	}
	usage, total, err := h.usage.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(usage, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

// -- helpers --

func actor(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates.
func queryTime(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidApprovalQuantity),
		errors.Is(err, ErrOverFulfillment),
		errors.Is(err, ErrInsufficientStock):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func httpError(err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error())
}
