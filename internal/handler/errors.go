package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/repository"
)

var kindStatus = map[autherr.Kind]int{
	autherr.KindInvalidCredentials: http.StatusUnauthorized,
	autherr.KindSignatureMismatch:  http.StatusUnauthorized,
	autherr.KindExpired:            http.StatusUnauthorized,
	autherr.KindSessionNotFound:    http.StatusUnauthorized,
	autherr.KindSessionArchived:    http.StatusUnauthorized,
	autherr.KindSessionSuperseded:  http.StatusUnauthorized,
	autherr.KindIncorrectCode:      http.StatusUnauthorized,
	autherr.KindStepUpRequired:     http.StatusForbidden,
	autherr.KindForbidden:          http.StatusForbidden,
	autherr.KindInvalidCode:        http.StatusBadRequest,
	autherr.KindInvalidParameter:   http.StatusBadRequest,
	autherr.KindAlreadyConsumed:    http.StatusConflict,
	autherr.KindSecondFactorState:  http.StatusConflict,
	autherr.KindBlocked:            http.StatusLocked,
	autherr.KindTimeout:            http.StatusLocked,
	autherr.KindTooManySessions:    http.StatusTooManyRequests,
}

// errorBody maps err to a status and JSON body.  Integrity failures are
// reported with a generic message; the details go to the log only.
func errorBody(err error) (int, echo.Map) {
	if errors.Is(err, repository.ErrConflict) {
		return http.StatusConflict, echo.Map{"error": "username already exists", "code": "CONFLICT"}
	}
	kind := autherr.KindOf(err)
	switch kind.Class() {
	case autherr.ClassIntegrity:
		log.Printf("integrity failure: %v", err)
		return http.StatusUnauthorized, echo.Map{"error": "unauthorized", "code": "UNAUTHORIZED"}
	case autherr.ClassConfiguration, autherr.ClassInternal:
		log.Printf("internal error: %v", err)
		return http.StatusInternalServerError, echo.Map{"error": "internal error", "code": string(autherr.KindInternal)}
	}

	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusBadRequest
	}
	var e *autherr.Error
	errors.As(err, &e)
	body := echo.Map{"error": e.Message, "code": string(kind)}
	if e.Param != "" {
		body["param"] = e.Param
	}
	if kind.Retryable() {
		body["retryable"] = true
	}
	return status, body
}

// WriteError renders err as JSON.  It is also the error renderer of the
// session middleware.
func WriteError(c echo.Context, err error) error {
	status, body := errorBody(err)
	return c.JSON(status, body)
}
