package middleware

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/account-guard/internal/model"
)

// PermissionSource opens the sealed permission set of an account.
type PermissionSource interface {
	Permissions(acct *model.Account) (model.PermissionSet, error)
}

// RequirePermission rejects requests whose account lacks any of perms.  It
// must run after SessionAuth.  A permission set that cannot be opened is
// treated as empty.
func RequirePermission(src PermissionSource, perms ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := Auth(c)
			if auth == nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
			}
			set, err := src.Permissions(auth.Account)
			if err != nil {
				log.Printf("permissions: account %d: %v", auth.Account.ID, err)
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
			}
			for _, p := range perms {
				if !set.Has(p) {
					return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
				}
			}
			return next(c)
		}
	}
}
