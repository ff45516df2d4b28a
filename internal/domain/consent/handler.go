package consent

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

// RegisterRoutes mounts the staff endpoints and the patient-facing consent
// form endpoints. The latter are listed in auth.publicPaths.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := auth.RequireRole(auth.RoleProvider, auth.RoleStaff)
	api.GET("/patient/sendConsentEmail", h.SendConsentEmail, staff)
	api.GET("/consents", h.ListConsents, auth.RequireRole(auth.RoleProvider, auth.RoleStaff, auth.RoleBilling))

	form := api.Group("/ehr/consent-form")
	form.GET("", h.GetConsentDetails)
	form.POST("/submit", h.SubmitConsentForm)
	form.GET("/status", h.GetSubmissionStatus)
}

func (h *Handler) SendConsentEmail(c echo.Context) error {
	patientID, err := strconv.ParseInt(c.QueryParam("patientId"), 10, 64)
	if err != nil || patientID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	res, err := h.svc.Send(c.Request().Context(), patientID)
	if err != nil {
		return err
	}
	return envelope.Created(c, "consent email sent", res)
}

func (h *Handler) GetConsentDetails(c echo.Context) error {
	d, err := h.svc.Details(c.Request().Context(), c.QueryParam("token"))
	if err != nil {
		return err
	}
	return envelope.OK(c, d)
}

func (h *Handler) SubmitConsentForm(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return envelope.Accepted(c, "consent form received", res)
}

func (h *Handler) GetSubmissionStatus(c echo.Context) error {
	res, err := h.svc.Status(c.Request().Context(), c.QueryParam("token"))
	if err != nil {
		return err
	}
	return envelope.OK(c, res)
}

func (h *Handler) ListConsents(c echo.Context) error {
	page, err := h.svc.List(c.Request().Context(), ListFilter{
		Status: c.QueryParam("status"),
		Search: c.QueryParam("search"),
	}, pagination.FromContext(c))
	if err != nil {
		return err
	}
	return envelope.OK(c, page)
}
