package catalog

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/supply/internal/platform/auth"
	"github.com/clinic/supply/internal/platform/search"
	"github.com/clinic/supply/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "storekeeper", "surgeon", "nurse"))
	read.GET("/items", h.ListItems)
	read.GET("/items/:id", h.GetItem)

	write := api.Group("", auth.RequireRole("admin", "storekeeper"))
	write.POST("/items", h.CreateItem)
	write.PUT("/items/:id", h.UpdateItem)
	write.DELETE("/items/:id", h.DeactivateItem)
}

func (h *Handler) CreateItem(c echo.Context) error {
	var it Item
	if err := c.Bind(&it); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateItem(c.Request().Context(), &it); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, it)
}

func (h *Handler) GetItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	it, err := h.svc.GetItem(c.Request().Context(), id)
	if err != nil {
		return itemError(err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) ListItems(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := search.ExtractParams(c)
	params["_sort"] = c.QueryParam("_sort")
	items, total, err := h.svc.SearchItems(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

func (h *Handler) UpdateItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	// Fields missing from the body keep their stored values.
	it, err := h.svc.GetItem(c.Request().Context(), id)
	if err != nil {
		return itemError(err)
	}
	if err := c.Bind(it); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	it.ID = id
	if err := h.svc.UpdateItem(c.Request().Context(), it); err != nil {
		return itemError(err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) DeactivateItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeactivateItem(c.Request().Context(), id); err != nil {
		return itemError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func itemError(err error) error {
	if errors.Is(err, ErrItemNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "consumable item not found")
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
