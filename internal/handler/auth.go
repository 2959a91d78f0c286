package handler

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/account-guard/internal/middleware"
	"github.com/iliyamo/account-guard/internal/model"
	"github.com/iliyamo/account-guard/internal/service"
)

// requestTimeout covers the lock wait of second-factor operations.
const requestTimeout = 15 * time.Second

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Svc *service.AccountService
}

func NewAuthHandler(svc *service.AccountService) *AuthHandler {
	return &AuthHandler{Svc: svc}
}

// ----- DTOs -----

type signInReq struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Kind      string `json:"kind"` // web | app
	TOTP      string `json:"totp"`
	Challenge string `json:"challenge"`
}

type codeReq struct {
	TOTP string `json:"totp"`
}

type accountPart struct {
	ID          uint64 `json:"id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	TOTPEnabled bool   `json:"totp_enabled"`
}

type sessionPart struct {
	Token    string `json:"token"`  // 64 hex characters
	Secret   string `json:"secret"` // HMAC key for X-Hmac-* headers
	Kind     string `json:"kind"`
	IssuedOn uint32 `json:"issued_on"`
}

type signInResp struct {
	Account accountPart `json:"account"`
	Session sessionPart `json:"session"`
}

func accountOf(a *model.Account) accountPart {
	return accountPart{ID: a.ID, Username: a.Username, Role: a.Role, TOTPEnabled: a.TOTPEnabled}
}

// SignIn: verify the password and issue a session.  Accounts with a second
// factor get a challenge first and call again with challenge and totp.
func (h *AuthHandler) SignIn(c echo.Context) error {
	var req signInReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Challenge == "" && (req.Username == "" || req.Password == "") {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "username/password required"})
	}
	if req.Kind == "" {
		req.Kind = string(model.DeviceWeb)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	res, err := h.Svc.SignIn(ctx, service.SignInRequest{
		Username:  req.Username,
		Password:  req.Password,
		Kind:      model.DeviceKind(req.Kind),
		IP:        c.RealIP(),
		Code:      req.TOTP,
		Challenge: req.Challenge,
	})
	if err != nil {
		var ce *service.ChallengeError
		if errors.As(err, &ce) {
			status, body := errorBody(err)
			body["challenge"] = ce.Challenge
			body["expires"] = ce.Expires
			return c.JSON(status, body)
		}
		return WriteError(c, err)
	}

	s := res.Issued.Session
	return c.JSON(http.StatusOK, signInResp{
		Account: accountOf(res.Account),
		Session: sessionPart{
			Token:    hex.EncodeToString(res.Issued.Token),
			Secret:   res.Issued.Secret,
			Kind:     string(s.Kind),
			IssuedOn: s.IssuedOn,
		},
	})
}

// SignOut: archive the calling session.
func (h *AuthHandler) SignOut(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := h.Svc.SignOut(ctx, middleware.Auth(c)); err != nil {
		return WriteError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// VerifyTOTP: consume a code on the calling session to refresh step-up.
func (h *AuthHandler) VerifyTOTP(c echo.Context) error {
	var req codeReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	if err := h.Svc.VerifyTOTP(ctx, middleware.Auth(c), req.TOTP); err != nil {
		return WriteError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
