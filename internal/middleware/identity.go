package middleware

// identity.go holds the context accessors shared across middleware and
// handlers.  SessionAuth stores the authenticated session; rate limiting
// keys on the account id when one is present.

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/account-guard/internal/session"
)

const (
	ctxAuth      = "auth"
	ctxAccountID = "account_id"
)

// Auth returns the session authenticated by SessionAuth, or nil.
func Auth(c echo.Context) *session.Authenticated {
	a, _ := c.Get(ctxAuth).(*session.Authenticated)
	return a
}

// accountID returns the authenticated account id, or "guest".
func accountID(c echo.Context) string {
	if v, ok := c.Get(ctxAccountID).(string); ok && v != "" {
		return v
	}
	return "guest"
}
