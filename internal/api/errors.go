package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-teamchat/internal/database"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func newApiError(code int) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    strings.ToLower(http.StatusText(code)),
	}
}

func NewBadRequestError() *ApiError { return newApiError(http.StatusBadRequest) }

func NewNotFoundError() *ApiError { return newApiError(http.StatusNotFound) }

func NewUnauthorizedError() *ApiError { return newApiError(http.StatusUnauthorized) }

func NewForbiddenError() *ApiError { return newApiError(http.StatusForbidden) }

func NewConflictError() *ApiError { return newApiError(http.StatusConflict) }

func NewMethodNotAllowedError() *ApiError { return newApiError(http.StatusMethodNotAllowed) }

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

// dbError maps a repository error to its API error.
func dbError(err error) *ApiError {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, database.ErrForbidden):
		return NewForbiddenError()
	case database.IsUniqueViolation(err):
		return NewConflictError()
	default:
		return NewInternalServerError(err)
	}
}
