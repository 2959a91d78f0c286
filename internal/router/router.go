package router // package router defines how HTTP routes are registered for the API

import (
	"database/sql"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/account-guard/internal/config"
	"github.com/iliyamo/account-guard/internal/handler"
	"github.com/iliyamo/account-guard/internal/middleware"
	"github.com/iliyamo/account-guard/internal/service"
)

// RegisterRoutes registers routes that do not require authentication.
// Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo, db *sql.DB) {
	e.GET("/healthz", handler.Health(db))
}

// RegisterAuth registers the session and account routes.  Sign-in is the
// only unsigned route; everything else passes SessionAuth, which checks the
// bearer session and the request HMAC.  rdb may be nil, which disables rate
// limiting.
func RegisterAuth(e *echo.Echo, svc *service.AccountService, rl config.RateLimitConfig, rdb *redis.Client) {
	a := handler.NewAuthHandler(svc)
	acc := handler.NewAccountHandler(svc)

	e.POST("/v1/auth/signin", a.SignIn, middleware.NewTokenBucket(rl.SignInLimit(), rdb))

	// Step-up itself must be reachable by a session whose verification is stale.
	e.POST("/v1/auth/totp", a.VerifyTOTP,
		middleware.SessionAuth(svc, middleware.SessionAuthConfig{AllowStepUp: true, OnError: handler.WriteError}),
		middleware.NewTokenBucket(rl, rdb))

	g := e.Group("/v1",
		middleware.SessionAuth(svc, middleware.SessionAuthConfig{OnError: handler.WriteError}),
		middleware.NewTokenBucket(rl, rdb))
	g.POST("/auth/signout", a.SignOut)
	g.GET("/me", acc.Me)
	g.POST("/account/totp/enable", acc.EnableTOTP)
	g.POST("/account/totp/disable", acc.DisableTOTP)
	g.POST("/account/password", acc.ChangePassword)
	g.GET("/accounts", acc.ListAccounts, middleware.RequirePermission(svc, service.PermAccountsRead))
	g.POST("/accounts", acc.CreateAccount, middleware.RequirePermission(svc, service.PermAccountsWrite))
}
