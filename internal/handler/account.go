package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/account-guard/internal/middleware"
	"github.com/iliyamo/account-guard/internal/service"
)

// AccountHandler serves the endpoints of the signed-in account and the
// account listing.
type AccountHandler struct {
	Svc *service.AccountService
}

func NewAccountHandler(svc *service.AccountService) *AccountHandler {
	return &AccountHandler{Svc: svc}
}

type enableTOTPReq struct {
	Secret string `json:"secret"`
	TOTP   string `json:"totp"`
}

type passwordReq struct {
	Password    string `json:"password"`
	NewPassword string `json:"new_password"`
	TOTP        string `json:"totp"`
}

// Me returns the account and permissions behind the calling session.
func (h *AccountHandler) Me(c echo.Context) error {
	auth := middleware.Auth(c)
	perms, err := h.Svc.Permissions(auth.Account)
	if err != nil {
		return WriteError(c, err)
	}
	if perms.Permissions == nil {
		perms.Permissions = []string{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"account":     accountOf(auth.Account),
		"permissions": perms.Permissions,
		"session": echo.Map{
			"kind":      auth.Session.Kind,
			"issued_on": auth.Session.IssuedOn,
		},
	})
}

// EnableTOTP starts enrollment when no secret is given and completes it when
// the secret comes back with a valid code.
func (h *AccountHandler) EnableTOTP(c echo.Context) error {
	var req enableTOTPReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	auth := middleware.Auth(c)
	if req.Secret == "" {
		key, err := h.Svc.BeginTOTP(auth)
		if err != nil {
			return WriteError(c, err)
		}
		return c.JSON(http.StatusOK, echo.Map{"secret": key.Secret(), "otpauth_url": key.URL()})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	if err := h.Svc.EnableTOTP(ctx, auth, req.Secret, req.TOTP); err != nil {
		return WriteError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// DisableTOTP removes the second factor.
func (h *AccountHandler) DisableTOTP(c echo.Context) error {
	var req codeReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	if err := h.Svc.DisableTOTP(ctx, middleware.Auth(c), req.TOTP); err != nil {
		return WriteError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ChangePassword replaces the password of the calling account.
func (h *AccountHandler) ChangePassword(c echo.Context) error {
	var req passwordReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	if err := h.Svc.ChangePassword(ctx, middleware.Auth(c), req.Password, req.NewPassword, req.TOTP); err != nil {
		return WriteError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListAccounts returns a page of accounts with a per-row untrusted flag.
func (h *AccountHandler) ListAccounts(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	views, err := h.Svc.ListAccounts(ctx, limit, offset)
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"accounts": views})
}

type createAccountReq struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Role        string   `json:"role"` // ADMIN | OPERATOR
	Permissions []string `json:"permissions"`
}

// CreateAccount registers a new account.
func (h *AccountHandler) CreateAccount(c echo.Context) error {
	var req createAccountReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	a, err := h.Svc.CreateAccount(ctx, service.NewAccount{
		Username:    req.Username,
		Password:    req.Password,
		Role:        req.Role,
		Permissions: req.Permissions,
	})
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusCreated, accountOf(a))
}
