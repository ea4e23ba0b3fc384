// Package errors renders API failures as RFC 7807 problem details so review
// tooling gets a machine-readable reason alongside the status code.
package errors

import (
	"errors"
	"net/http"
)

// Re-exported so callers need a single errors import.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// New mirrors the standard constructor.
func New(text string) error { return errors.New(text) }

// ContentType is the media type for problem responses.
const ContentType = "application/problem+json"

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *Problem) Error() string {
	if p.Detail != "" {
		return p.Title + ": " + p.Detail
	}
	return p.Title
}

// NewProblem builds a problem for the given status with a free-form detail.
func NewProblem(status int, detail string) *Problem {
	return &Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// Common API problems.
func BadRequest(detail string) *Problem { return NewProblem(http.StatusBadRequest, detail) }
func NotFound(detail string) *Problem   { return NewProblem(http.StatusNotFound, detail) }
func Conflict(detail string) *Problem   { return NewProblem(http.StatusConflict, detail) }
func Internal(detail string) *Problem   { return NewProblem(http.StatusInternalServerError, detail) }

// WithInstance tags the problem with the request path it occurred on.
func (p *Problem) WithInstance(path string) *Problem {
	p.Instance = path
	return p
}
