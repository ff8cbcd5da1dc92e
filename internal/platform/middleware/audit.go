package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Access surfaces. Patient and clinician routes never overlap.
const (
	SurfacePatient   = "patient"
	SurfaceClinician = "clinician"
)

// AccessEntry is one audited request against a session route.
type AccessEntry struct {
	Surface     string
	Action      string
	SessionID   string
	ClinicianID string
	Method      string
	Route       string
	StatusCode  int
	RequestID   string
	IPAddress   string
	Timestamp   time.Time
}

// Audit logs every request that touches a session. Clinician routes (those
// containing /review/) produce a review_access line carrying the clinician
// identifier from clinicianHeader; patient routes produce session_access.
// Other routes, such as health checks, are not audited.
func Audit(logger zerolog.Logger, clinicianHeader string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			surface := surfaceOf(route)
			if surface == "" {
				return next(c)
			}

			err := next(c)

			req := c.Request()
			entry := AccessEntry{
				Surface:    surface,
				Action:     actionOf(req.Method, route),
				SessionID:  c.Param("id"),
				Method:     req.Method,
				Route:      route,
				StatusCode: c.Response().Status,
				IPAddress:  c.RealIP(),
				Timestamp:  time.Now().UTC(),
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					entry.StatusCode = he.Code
				} else {
					entry.StatusCode = http.StatusInternalServerError
				}
			}
			entry.RequestID = requestID(c)
			if surface == SurfaceClinician {
				entry.ClinicianID = strings.TrimSpace(req.Header.Get(clinicianHeader))
			}

			logAccess(logger, entry)
			return err
		}
	}
}

func logAccess(logger zerolog.Logger, e AccessEntry) {
	evt := logger.Info().
		Str("type", "audit").
		Str("surface", e.Surface).
		Str("action", e.Action).
		Str("session_id", e.SessionID).
		Str("method", e.Method).
		Str("route", e.Route).
		Int("status", e.StatusCode).
		Str("request_id", e.RequestID).
		Str("remote_ip", e.IPAddress).
		Time("at", e.Timestamp)
	if e.Surface == SurfaceClinician {
		evt.Str("clinician_id", e.ClinicianID).Msg("review_access")
		return
	}
	evt.Msg("session_access")
}

func surfaceOf(route string) string {
	switch {
	case strings.Contains(route, "/review/"):
		return SurfaceClinician
	case strings.Contains(route, "/sessions"):
		return SurfacePatient
	default:
		return ""
	}
}

// actionOf names the operation from the route template:
//
//	POST /api/v1/sessions              -> create
//	GET  /api/v1/sessions/:id          -> view
//	POST /api/v1/sessions/:id/answers  -> answers
//	GET  /api/v1/review/queue          -> queue
func actionOf(method, route string) string {
	segments := strings.Split(strings.Trim(route, "/"), "/")
	last := segments[len(segments)-1]
	switch {
	case last == "sessions" && method == http.MethodPost:
		return "create"
	case strings.HasPrefix(last, ":") && method == http.MethodGet:
		return "view"
	default:
		return last
	}
}
