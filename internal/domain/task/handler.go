package task

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
	read := auth.RequireRole(auth.RoleProvider, auth.RoleStaff, auth.RoleBilling)
	write := auth.RequireRole(auth.RoleProvider, auth.RoleStaff)

	g := api.Group("/patient")
	g.POST("/addPatientTask", h.AddPatientTask, write)
	g.POST("/editPatientTask", h.EditPatientTask, write)
	g.GET("/getAllPatientTasks", h.GetAllPatientTasks, read)
}

func (h *Handler) AddPatientTask(c echo.Context) error {
	var req AddRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := h.svc.Add(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return envelope.Created(c, "task created", t)
}

func (h *Handler) EditPatientTask(c echo.Context) error {
	var req EditRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := h.svc.Edit(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return envelope.OK(c, t)
}

func (h *Handler) GetAllPatientTasks(c echo.Context) error {
	patientID, err := strconv.ParseInt(c.QueryParam("patientId"), 10, 64)
	if err != nil || patientID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	page, err := h.svc.List(c.Request().Context(), patientID, c.QueryParam("status"),
		c.QueryParam("date"), pagination.FromContext(c))
	if err != nil {
		return err
	}
	return envelope.OK(c, page)
}
