package patient

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/envelope"
	"github.com/ehr/rcm/internal/platform/mio"
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
	g.POST("/addPatient", h.AddPatient, write)
	g.GET("/getPatientDataById", h.GetPatientDataByID, read)
	g.GET("/getAllPatients", h.GetAllPatients, read)
	g.GET("/searchPatient", h.SearchPatient, read)

	g.PUT("/:patientId/profile", h.UpdateProfile, write)
	g.POST("/:patientId/medications", h.AddMedication, write)
	g.POST("/:patientId/diagnoses", h.AddDiagnosis, write)
	g.POST("/:patientId/allergies", h.AddAllergy, write)
	g.POST("/:patientId/insurances", h.AddInsurance, auth.RequireRole(auth.RoleProvider, auth.RoleStaff, auth.RoleBilling))
	g.POST("/:patientId/vitals", h.AddVital, write)
	g.POST("/:patientId/vitals/sync", h.SyncVitals, write)
	g.POST("/:patientId/notes", h.AddNote, write)
	g.GET("/:patientId/notes", h.GetNotes, read)
	g.POST("/:patientId/cpt-billing", h.AddCPTBilling, auth.RequireRole(auth.RoleProvider, auth.RoleBilling))
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func (h *Handler) AddPatient(c echo.Context) error {
	var req AddPatientRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.AddPatient(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return envelope.Created(c, "patient created", rec)
}

func (h *Handler) GetPatientDataByID(c echo.Context) error {
	id, err := parseID(c.QueryParam("patientId"))
	if err != nil {
		return err
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, rec)
}

func (h *Handler) GetAllPatients(c echo.Context) error {
	filter := ListFilter{Search: c.QueryParam("search")}
	if raw := c.QueryParam("service_type"); raw != "" {
		st, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid service_type")
		}
		filter.ServiceType = st
	}
	page, err := h.svc.List(c.Request().Context(), filter, pagination.FromContext(c))
	if err != nil {
		return err
	}
	return envelope.OK(c, page)
}

func (h *Handler) SearchPatient(c echo.Context) error {
	items, err := h.svc.Search(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return err
	}
	return envelope.OK(c, items)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	id, err := parseID(c.Param("patientId"))
	if err != nil {
		return err
	}
	var req UpdateProfileRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := h.svc.UpdateProfile(c.Request().Context(), id, &req)
	if err != nil {
		return err
	}
	return envelope.OK(c, p)
}

// addChild binds a child record and stores it under the route's patient.
func addChild[T any](c echo.Context, msg string, add func(id int64, item *T) error) error {
	id, err := parseID(c.Param("patientId"))
	if err != nil {
		return err
	}
	item := new(T)
	if err := bind(c, item); err != nil {
		return err
	}
	if err := add(id, item); err != nil {
		return err
	}
	return envelope.Created(c, msg, item)
}

func (h *Handler) AddMedication(c echo.Context) error {
	return addChild(c, "medication added", func(id int64, m *Medication) error {
		return h.svc.AddMedication(c.Request().Context(), id, m)
	})
}

func (h *Handler) AddDiagnosis(c echo.Context) error {
	return addChild(c, "diagnosis added", func(id int64, d *Diagnosis) error {
		return h.svc.AddDiagnosis(c.Request().Context(), id, d)
	})
}

func (h *Handler) AddAllergy(c echo.Context) error {
	return addChild(c, "allergy added", func(id int64, a *Allergy) error {
		return h.svc.AddAllergy(c.Request().Context(), id, a)
	})
}

func (h *Handler) AddInsurance(c echo.Context) error {
	return addChild(c, "insurance added", func(id int64, i *Insurance) error {
		return h.svc.AddInsurance(c.Request().Context(), id, i)
	})
}

func (h *Handler) AddVital(c echo.Context) error {
	return addChild(c, "vital added", func(id int64, v *Vital) error {
		return h.svc.AddVital(c.Request().Context(), id, v)
	})
}

func (h *Handler) AddNote(c echo.Context) error {
	return addChild(c, "note added", func(id int64, n *Note) error {
		return h.svc.AddNote(c.Request().Context(), id, n)
	})
}

func (h *Handler) AddCPTBilling(c echo.Context) error {
	return addChild(c, "cpt billing added", func(id int64, b *CPTBilling) error {
		return h.svc.AddCPTBilling(c.Request().Context(), id, b)
	})
}

func (h *Handler) GetNotes(c echo.Context) error {
	id, err := parseID(c.Param("patientId"))
	if err != nil {
		return err
	}
	page, err := h.svc.Notes(c.Request().Context(), id, pagination.FromContext(c))
	if err != nil {
		return err
	}
	return envelope.OK(c, page)
}

func (h *Handler) SyncVitals(c echo.Context) error {
	id, err := parseID(c.Param("patientId"))
	if err != nil {
		return err
	}
	res, err := h.svc.SyncVitals(c.Request().Context(), id)
	if errors.Is(err, mio.ErrNotConfigured) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "device integration is not configured")
	}
	if err != nil {
		return err
	}
	return envelope.OK(c, res)
}
