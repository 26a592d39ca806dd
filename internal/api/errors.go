package api

import (
	"errors"
	"net/http"

	"github.com/ericksa/contractlens/internal/domain"
)

// AppError is an error with the HTTP status and stable code a client sees.
type AppError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// MapError maps domain errors to client-facing errors. The cause text never
// reaches the client.
func MapError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return &AppError{http.StatusBadRequest, "invalid_input", "invalid request", err}
	case errors.Is(err, domain.ErrNotFound):
		return &AppError{http.StatusNotFound, "not_found", "resource not found", err}
	case errors.Is(err, domain.ErrUnreadableDocument):
		return &AppError{http.StatusUnprocessableEntity, string(domain.ReasonUnreadableDocument), "the document could not be read", err}
	case errors.Is(err, domain.ErrClassificationFailed):
		return &AppError{http.StatusBadGateway, string(domain.ReasonClassificationFailed), "the document could not be analyzed", err}
	case errors.Is(err, domain.ErrAlreadyAnalyzing):
		return &AppError{http.StatusConflict, "already_analyzing", "the document is already being analyzed", err}
	case errors.Is(err, domain.ErrAlreadyFinalized):
		return &AppError{http.StatusConflict, "already_finalized", "the document analysis is already finalized", err}
	case errors.Is(err, domain.ErrAssistantUnavailable):
		return &AppError{http.StatusServiceUnavailable, "assistant_unavailable", "the assistant is unavailable, please try again", err}
	case errors.Is(err, domain.ErrTimeout):
		return &AppError{http.StatusGatewayTimeout, string(domain.ReasonTimeout), "the request timed out", err}
	}
	return &AppError{http.StatusInternalServerError, string(domain.ReasonInternal), "internal server error", err}
}
