package session

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ortho/clinical/pkg/pagination"
)

// ClinicianHeader carries the verified clinician identifier set by the
// identity gateway in front of this service.
const ClinicianHeader = "X-Clinician-ID"

type Handler struct {
	svc  *Service
	gate *ReviewGate
}

func NewHandler(svc *Service, gate *ReviewGate) *Handler {
	return &Handler{svc: svc, gate: gate}
}

// RegisterRoutes mounts the patient surface under /sessions and the
// clinician surface under /review. The two never share a route.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := api.Group("/sessions")
	patient.POST("", h.CreateSession)
	patient.GET("/:id", h.GetSession)
	patient.POST("/:id/start", h.StartSession)
	patient.POST("/:id/answers", h.SubmitAnswer)
	patient.POST("/:id/complete", h.CompleteAssessment)

	review := api.Group("/review")
	review.GET("/queue", h.ListPending)
	review.GET("/stats", h.Stats)
	review.GET("/sessions/:id", h.GetForReview)
	review.POST("/sessions/:id/accept", h.Accept)
	review.POST("/sessions/:id/reject", h.Reject)
}

type createSessionRequest struct {
	ChiefComplaint string `json:"chief_complaint"`
}

type answerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

type acceptRequest struct {
	Notes string `json:"notes"`
}

type rejectRequest struct {
	ReplacementCode string `json:"replacement_code"`
	Reason          string `json:"reason"`
}

// -- Patient surface --

func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	s, err := h.svc.CreateSession(c.Request().Context(), req.ChiefComplaint)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, ProjectPatient(s))
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.PatientView(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) StartSession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.svc.StartSession(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, ProjectPatient(s))
}

func (h *Handler) SubmitAnswer(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req answerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	s, err := h.svc.SubmitAnswer(c.Request().Context(), id, req.QuestionID, req.Answer)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, ProjectPatient(s))
}

func (h *Handler) CompleteAssessment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.svc.CompleteAssessment(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, ProjectPatient(s))
}

// -- Clinician surface --

func (h *Handler) ListPending(c echo.Context) error {
	pg := pagination.FromContext(c)
	cursor, err := ParseCursor(pg.Cursor)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid cursor")
	}
	// One extra element tells whether another page exists.
	items, err := h.gate.ListPending(cursor).Collect(c.Request().Context(), pg.Limit+1)
	if err != nil {
		return errorResponse(c, err)
	}
	hasMore := len(items) > pg.Limit
	if hasMore {
		items = items[:pg.Limit]
	}
	if items == nil {
		items = []ClinicianView{}
	}
	next := ""
	if len(items) > 0 {
		next = items[len(items)-1].Cursor().String()
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, len(items), pg.Limit, next, hasMore))
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.gate.Stats(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetForReview(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.gate.GetForReview(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Accept(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req acceptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := h.gate.Accept(c.Request().Context(), id, c.Request().Header.Get(ClinicianHeader), req.Notes)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	v, err := h.gate.Reject(c.Request().Context(), id, c.Request().Header.Get(ClinicianHeader), req.ReplacementCode, req.Reason)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// ErrorBody is the JSON shape of every session error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// errorResponse translates a session error into an HTTP response. Errors
// outside the taxonomy are returned to echo's error handler as 500s.
// Transient errors carry only their sentinel text and a Retry-After.
func errorResponse(c echo.Context, err error) error {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		return err
	}
	msg := err.Error()
	if Transient(err) {
		c.Response().Header().Set("Retry-After", strconv.Itoa(1))
		msg = ErrVersionConflict.Error()
		if errors.Is(err, ErrEngineUnavailable) {
			msg = ErrEngineUnavailable.Error()
		}
	}
	return c.JSON(status, ErrorBody{Error: Code(err), Message: msg})
}

// StatusFor maps a session error to an HTTP status code.
func StatusFor(err error) int {
	switch Code(err) {
	case "not_found":
		return http.StatusNotFound
	case "invalid_state", "stale_answer", "assessment_incomplete", "version_conflict":
		return http.StatusConflict
	case "invalid_answer", "missing_clinician", "missing_replacement", "invalid_code",
		"same_code_rejected", "missing_complaint":
		return http.StatusUnprocessableEntity
	case "engine_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
