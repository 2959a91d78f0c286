package middleware

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/config"
	"github.com/iliyamo/account-guard/internal/model"
	"github.com/iliyamo/account-guard/internal/service"
	"github.com/iliyamo/account-guard/internal/session"
)

type fakeAuth struct {
	got service.SignedRequest
	err error
}

func (f *fakeAuth) Authenticate(_ context.Context, req service.SignedRequest) (*session.Authenticated, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &session.Authenticated{
		Account: &model.Account{ID: 42, Username: "alice"},
		Session: &model.Session{ID: 7, Kind: req.Kind},
	}, nil
}

var token = strings.Repeat("ab", 32)

func serve(t *testing.T, mw echo.MiddlewareFunc, req *http.Request, h echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, mw(h)(c))
	return rec
}

func TestSessionAuthJSONBody(t *testing.T) {
	fa := &fakeAuth{}
	body := `{"timeStamp":1700000000,"note":"hi there","enabled":true,"tags":["a", "b"],"gone":null}`
	req := httptest.NewRequest(http.MethodPost, "/v1/account/password?page=2", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	req.Header.Set(HeaderHMACApp, "deadbeef")

	var rebound string
	rec := serve(t, SessionAuth(fa, SessionAuthConfig{Exclude: []string{"note"}, AllowStepUp: true}), req, func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		require.NoError(t, err)
		rebound = string(b)
		require.Equal(t, uint64(42), Auth(c).Account.ID)
		require.Equal(t, "42", accountID(c))
		return c.NoContent(http.StatusNoContent)
	})

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, body, rebound)
	want, _ := hex.DecodeString(token)
	require.Equal(t, want, fa.got.Token)
	require.Equal(t, model.DeviceApp, fa.got.Kind)
	require.Equal(t, "deadbeef", fa.got.HMAC)
	require.Equal(t, int64(1700000000), fa.got.Timestamp)
	require.True(t, fa.got.AllowStepUp)
	require.Equal(t, []string{"note"}, fa.got.Exclude)
	require.Equal(t, "hi there", fa.got.Params.Get("note"))
	require.Equal(t, "true", fa.got.Params.Get("enabled"))
	require.Equal(t, `["a","b"]`, fa.got.Params.Get("tags"))
	require.Equal(t, "", fa.got.Params.Get("gone"))
	require.Equal(t, "2", fa.got.Params.Get("page"))
}

func TestSessionAuthQueryOnly(t *testing.T) {
	fa := &fakeAuth{}
	req := httptest.NewRequest(http.MethodGet, "/v1/me?timeStamp=1700000000", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	req.Header.Set(HeaderHMACWeb, "cafe")

	rec := serve(t, SessionAuth(fa, SessionAuthConfig{}), req, func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, model.DeviceWeb, fa.got.Kind)
}

func TestSessionAuthRejects(t *testing.T) {
	cases := map[string]func(r *http.Request){
		"no bearer":     func(r *http.Request) { r.Header.Del(echo.HeaderAuthorization) },
		"short token":   func(r *http.Request) { r.Header.Set(echo.HeaderAuthorization, "Bearer abcd") },
		"both headers":  func(r *http.Request) { r.Header.Set(HeaderHMACApp, "x") },
		"no header":     func(r *http.Request) { r.Header.Del(HeaderHMACWeb) },
		"bad timestamp": func(r *http.Request) { r.URL.RawQuery = "timeStamp=soon" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			fa := &fakeAuth{}
			req := httptest.NewRequest(http.MethodGet, "/v1/me?timeStamp=1700000000", nil)
			req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
			req.Header.Set(HeaderHMACWeb, "cafe")
			mutate(req)

			rec := serve(t, SessionAuth(fa, SessionAuthConfig{}), req, func(c echo.Context) error {
				t.Fatal("handler must not run")
				return nil
			})
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Nil(t, fa.got.Token)
		})
	}
}

func TestSessionAuthOnError(t *testing.T) {
	fa := &fakeAuth{err: autherr.ErrExpired}
	req := httptest.NewRequest(http.MethodGet, "/v1/me?timeStamp=1", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	req.Header.Set(HeaderHMACWeb, "cafe")

	var seen error
	rec := serve(t, SessionAuth(fa, SessionAuthConfig{OnError: func(c echo.Context, err error) error {
		seen = err
		return c.NoContent(http.StatusTeapot)
	}}), req, func(c echo.Context) error { return nil })
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.True(t, errors.Is(seen, autherr.ErrExpired))
}

type fakePerms struct {
	set model.PermissionSet
	err error
}

func (f fakePerms) Permissions(*model.Account) (model.PermissionSet, error) { return f.set, f.err }

func TestRequirePermission(t *testing.T) {
	run := func(src PermissionSource, authed bool) int {
		e := echo.New()
		rec := httptest.NewRecorder()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/accounts", nil), rec)
		if authed {
			c.Set(ctxAuth, &session.Authenticated{Account: &model.Account{ID: 1}})
		}
		require.NoError(t, RequirePermission(src, "accounts.read")(func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		})(c))
		return rec.Code
	}

	granted := fakePerms{set: model.PermissionSet{Permissions: []string{"accounts.read"}}}
	require.Equal(t, http.StatusOK, run(granted, true))
	require.Equal(t, http.StatusUnauthorized, run(granted, false))
	require.Equal(t, http.StatusForbidden, run(fakePerms{}, true))
	require.Equal(t, http.StatusForbidden, run(fakePerms{err: autherr.ErrOwnershipMismatch}, true))
}

func TestRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/signin", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/auth/signin")

	cfg := config.RateLimitConfig{Prefix: "rl", KeyStrategy: "ip_route"}
	require.Equal(t, "rl:ip:203.0.113.9:route:POST /v1/auth/signin", rateKey(cfg, c))

	cfg.KeyStrategy = "account"
	require.Equal(t, "rl:account:guest", rateKey(cfg, c))
	c.Set(ctxAccountID, "42")
	require.Equal(t, "rl:account:42", rateKey(cfg, c))

	cfg.KeyStrategy = "whatever"
	require.Equal(t, "rl:ip:203.0.113.9:account:42:route:POST /v1/auth/signin", rateKey(cfg, c))
}

func TestTokenBucketDisabledPassesThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := serve(t, NewTokenBucket(config.RateLimitConfig{Enabled: true}, nil), req, func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	require.Equal(t, http.StatusOK, rec.Code)
}
