package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-stock/internal/shared"
)

// StatusFor maps an error code to the HTTP status returned to callers.
func StatusFor(code shared.Code) int {
	switch code {
	case shared.CodeValidation:
		return http.StatusBadRequest
	case shared.CodeNotFound:
		return http.StatusNotFound
	case shared.CodeInsufficientStock, shared.CodeInsufficientReserved:
		return http.StatusConflict
	case shared.CodeImmutableField:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	code := shared.CodeOf(err)
	status := StatusFor(code)
	detail := ""
	var se *shared.Error
	if errors.As(err, &se) && code != shared.CodeInternal {
		detail = se.Message
	}
	JSON(w, status, ProblemDetail{
		Type:   string(code),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}
