package timing

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/envelope"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/patient", auth.RequireRole(auth.RoleProvider, auth.RoleBilling, auth.RoleStaff))
	g.GET("/getPatientTimings", h.GetPatientTimings)
	g.GET("/:patientId/summary", h.GetSummary)
	g.GET("/:patientId/summary/ccm", h.GetCCMSummary)
}

func (h *Handler) GetPatientTimings(c echo.Context) error {
	patientID, err := parsePatientID(c.QueryParam("patientId"))
	if err != nil {
		return err
	}
	date, err := h.svc.ParseDate(c.QueryParam("date"))
	if err != nil {
		return err
	}
	t, err := h.svc.Timings(c.Request().Context(), patientID, date)
	if err != nil {
		return err
	}
	return envelope.OK(c, t)
}

func (h *Handler) GetSummary(c echo.Context) error {
	return h.summary(c, nil)
}

func (h *Handler) GetCCMSummary(c echo.Context) error {
	p := ProgramCCM
	return h.summary(c, &p)
}

func (h *Handler) summary(c echo.Context, program *Program) error {
	patientID, err := parsePatientID(c.Param("patientId"))
	if err != nil {
		return err
	}
	date, err := h.svc.ParseDate(c.QueryParam("date"))
	if err != nil {
		return err
	}
	s, err := h.svc.Summary(c.Request().Context(), patientID, date, program)
	if err != nil {
		return err
	}
	return envelope.OK(c, s)
}

func parsePatientID(raw string) (int64, error) {
	if raw == "" {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "patientId is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	return id, nil
}
