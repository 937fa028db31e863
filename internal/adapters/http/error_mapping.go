package httpadapter

import (
	"net/http"

	"github.com/medevidence/ingest-service/internal/core/domain"
)

// statusForError maps a domain sentinel error to the HTTP status code the
// router should respond with. Errors that match no known kind fall back to
// 500, since they represent a bug or an unclassified infrastructure failure.
func statusForError(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrSubmissionNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrBusy):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrStorage):
		return http.StatusInternalServerError
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
