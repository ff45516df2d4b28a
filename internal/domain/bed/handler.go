package bed

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/envelope"
	"github.com/ehr/rcm/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := auth.RequireRole(auth.RoleProvider, auth.RoleStaff)

	g := api.Group("/beds")
	g.GET("", h.GetAllBeds, read)
	g.POST("/:id/assign", h.AssignBed, read)
	g.POST("/:id/release", h.ReleaseBed, read)
	g.GET("/:id/assignments", h.GetAssignments, read)
}

func bedID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid bed id")
	}
	return id, nil
}

func (h *Handler) GetAllBeds(c echo.Context) error {
	page, err := h.svc.List(c.Request().Context(),
		ListFilter{Ward: c.QueryParam("ward"), Status: c.QueryParam("status")}, pagination.FromContext(c))
	if err != nil {
		return err
	}
	return envelope.OK(c, page)
}

func (h *Handler) AssignBed(c echo.Context) error {
	id, err := bedID(c)
	if err != nil {
		return err
	}
	var req AssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Assign(c.Request().Context(), id, &req)
	if err != nil {
		return err
	}
	return envelope.OK(c, res)
}

func (h *Handler) ReleaseBed(c echo.Context) error {
	id, err := bedID(c)
	if err != nil {
		return err
	}
	bed, err := h.svc.Release(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, bed)
}

func (h *Handler) GetAssignments(c echo.Context) error {
	id, err := bedID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, out)
}
