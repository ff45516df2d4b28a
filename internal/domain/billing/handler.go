package billing

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/envelope"
	"github.com/ehr/rcm/pkg/pagination"
)

type Handler struct {
	svc        *Service
	statements *Statements
}

func NewHandler(svc *Service, statements *Statements) *Handler {
	return &Handler{svc: svc, statements: statements}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	billing := auth.RequireRole(auth.RoleBilling)
	read := auth.RequireRole(auth.RoleBilling, auth.RoleProvider)

	g := api.Group("/account")

	// Claims
	g.POST("/claims", h.CreateClaim, billing)
	g.GET("/claims", h.ListClaims, read)
	g.GET("/claims/:id", h.GetClaim, read)
	g.POST("/claims/submit", h.SubmitClaim, billing)
	g.POST("/claims/void", h.VoidClaim, billing)
	g.POST("/claims/adjudicate", h.AdjudicateClaim, billing)
	g.POST("/claims/correct", h.CorrectClaim, billing)
	g.POST("/claims/comment", h.AddComment, read)
	g.GET("/claims/:id/comments", h.ListComments, read)
	g.GET("/claims/:id/history", h.ClaimHistory, read)

	// Payments
	g.POST("/payments", h.RecordPayment, billing)
	g.GET("/payments", h.ListPayments, read)

	// Statements
	g.POST("/statements/generate", h.GenerateStatement, billing)
	g.GET("/statements", h.ListStatements, read)
	g.GET("/statements/:id", h.GetStatement, read)
	g.GET("/statements/:id/download", h.DownloadStatement, read)
	g.POST("/statements/resend", h.ResendStatement, billing)
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func patientQuery(c echo.Context, required bool) (int64, error) {
	raw := c.QueryParam("patientId")
	if raw == "" && !required {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}
	return id, nil
}

// -- Claims --

func (h *Handler) CreateClaim(c echo.Context) error {
	var req CreateClaimRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := h.svc.CreateClaim(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return envelope.Created(c, "claim created", claim)
}

func (h *Handler) ListClaims(c echo.Context) error {
	patientID, err := patientQuery(c, false)
	if err != nil {
		return err
	}
	page, err := h.svc.ListClaims(c.Request().Context(),
		ClaimFilter{PatientID: patientID, Status: c.QueryParam("status")}, pagination.FromContext(c))
	if err != nil {
		return err
	}
	return envelope.OK(c, page)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	claim, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, claim)
}

func (h *Handler) claimAction(c echo.Context, fn func(*ClaimActionRequest) (*Claim, error)) error {
	var req ClaimActionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	claim, err := fn(&req)
	if err != nil {
		return err
	}
	return envelope.OK(c, claim)
}

func (h *Handler) SubmitClaim(c echo.Context) error {
	return h.claimAction(c, func(req *ClaimActionRequest) (*Claim, error) {
		return h.svc.Submit(c.Request().Context(), req)
	})
}

func (h *Handler) VoidClaim(c echo.Context) error {
	return h.claimAction(c, func(req *ClaimActionRequest) (*Claim, error) {
		return h.svc.Void(c.Request().Context(), req)
	})
}

func (h *Handler) AdjudicateClaim(c echo.Context) error {
	return h.claimAction(c, func(req *ClaimActionRequest) (*Claim, error) {
		return h.svc.Adjudicate(c.Request().Context(), req)
	})
}

func (h *Handler) CorrectClaim(c echo.Context) error {
	var req CorrectClaimRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.Correct(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return envelope.Created(c, "claim corrected", res)
}

func (h *Handler) AddComment(c echo.Context) error {
	var req CommentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	comment, err := h.svc.AddComment(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return envelope.Created(c, "comment added", comment)
}

func (h *Handler) ListComments(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	comments, err := h.svc.Comments(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, comments)
}

func (h *Handler) ClaimHistory(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	history, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, history)
}

// -- Payments --

func (h *Handler) RecordPayment(c echo.Context) error {
	var req PaymentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := h.svc.RecordPayment(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return envelope.Created(c, "payment recorded", p)
}

func (h *Handler) ListPayments(c echo.Context) error {
	patientID, err := patientQuery(c, true)
	if err != nil {
		return err
	}
	page, err := h.svc.ListPayments(c.Request().Context(), patientID, pagination.FromContext(c))
	if err != nil {
		return err
	}
	return envelope.OK(c, page)
}

// -- Statements --

func (h *Handler) GenerateStatement(c echo.Context) error {
	var req GenerateStatementRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	st, err := h.statements.Generate(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return envelope.Accepted(c, "statement queued", st)
}

func (h *Handler) ListStatements(c echo.Context) error {
	patientID, err := patientQuery(c, true)
	if err != nil {
		return err
	}
	page, err := h.statements.List(c.Request().Context(), patientID, pagination.FromContext(c))
	if err != nil {
		return err
	}
	return envelope.OK(c, page)
}

func (h *Handler) GetStatement(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	st, err := h.statements.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return envelope.OK(c, st)
}

func (h *Handler) DownloadStatement(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	body, st, err := h.statements.Download(c.Request().Context(), id)
	if err != nil {
		return err
	}
	defer body.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="statement-%d-%s.pdf"`, st.ID, st.PeriodStart.Format("2006-01")))
	return c.Stream(http.StatusOK, "application/pdf", body)
}

func (h *Handler) ResendStatement(c echo.Context) error {
	var req ResendStatementRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	st, err := h.statements.Resend(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return envelope.OK(c, st)
}
