package apperrors

import (
	"errors"
	"net/http"

	"eventbroker/internal/resources"

	"github.com/google/uuid"
)

// Problem type URIs written to status.stream.fault.
const (
	ProblemTypeValidation  = "https://eventbroker.dev/problems/validation"
	ProblemTypeNotFound    = "https://eventbroker.dev/problems/not-found"
	ProblemTypeUnavailable = "https://eventbroker.dev/problems/unavailable"
	ProblemTypeInternal    = "https://eventbroker.dev/problems/internal"
)

// Problem converts err into RFC 7807 problem details for a consumer fault.
func Problem(err error) *resources.ProblemDetails {
	status := HTTPStatus(err)
	p := &resources.ProblemDetails{
		Type:     problemType(err),
		Title:    http.StatusText(status),
		Status:   status,
		Instance: "urn:uuid:" + uuid.NewString(),
	}
	if err != nil {
		p.Detail = err.Error()
	}

	var appErr *Error
	if errors.As(err, &appErr) && appErr.Field != "" {
		p.Title = "Invalid " + appErr.Field
	}
	return p
}

func problemType(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return ProblemTypeValidation
	case errors.Is(err, ErrNotFound):
		return ProblemTypeNotFound
	case errors.Is(err, ErrUnavailable):
		return ProblemTypeUnavailable
	default:
		return ProblemTypeInternal
	}
}

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
