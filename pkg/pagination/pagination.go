package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds keyset pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Cursor string
}

// FromContext extracts pagination parameters from the echo context.
// "limit" is clamped to [1, MaxLimit]; "cursor" is passed through opaque.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return Params{Limit: limit, Cursor: c.QueryParam("cursor")}
}

// Response wraps a page of results. NextCursor resumes right after the last
// element of Data.
type Response struct {
	Data       interface{} `json:"data"`
	Count      int         `json:"count"`
	Limit      int         `json:"limit"`
	NextCursor string      `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
}

func NewResponse(data interface{}, count, limit int, nextCursor string, hasMore bool) *Response {
	return &Response{
		Data:       data,
		Count:      count,
		Limit:      limit,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}
}
