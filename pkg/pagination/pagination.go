package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset query parameters, clamping limit to
// [1, MaxLimit] and offset to >= 0.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset of the following page, or nil on the last one.
func (p Params) NextOffset(total int) *int {
	if !p.HasNext(total) {
		return nil
	}
	next := p.Offset + p.Limit
	return &next
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	HasMore    bool        `json:"has_more"`
	NextOffset *int        `json:"next_offset,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	p := Params{Limit: limit, Offset: offset}
	return &Response{
		Data:       data,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		HasMore:    p.HasNext(total),
		NextOffset: p.NextOffset(total),
	}
}
