package handler

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/repository"
)

func TestErrorBody(t *testing.T) {
	status, body := errorBody(autherr.WithParam(autherr.KindTimeout, "7_totp_controller", "resource busy: wait timed out"))
	require.Equal(t, http.StatusLocked, status)
	require.Equal(t, true, body["retryable"])

	status, body = errorBody(fmt.Errorf("load: %w", autherr.WithParam(autherr.KindOwnershipMismatch, "credentials", "sealed credentials belongs to 1, want 2")))
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "unauthorized", body["error"])
	require.NotContains(t, body, "param")

	status, _ = errorBody(fmt.Errorf("create: %w", repository.ErrConflict))
	require.Equal(t, http.StatusConflict, status)

	status, body = errorBody(fmt.Errorf("boom"))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "internal error", body["error"])

	status, body = errorBody(autherr.ErrStepUpRequired)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "STEP_UP_REQUIRED", body["code"])
}
