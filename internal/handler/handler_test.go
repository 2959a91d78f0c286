package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/account-guard/internal/config"
	"github.com/iliyamo/account-guard/internal/lock"
	"github.com/iliyamo/account-guard/internal/middleware"
	"github.com/iliyamo/account-guard/internal/router"
	"github.com/iliyamo/account-guard/internal/service"
	"github.com/iliyamo/account-guard/internal/signature"
	"github.com/iliyamo/account-guard/internal/testutil"
	"github.com/iliyamo/account-guard/internal/totp"
)

type api struct {
	e   *echo.Echo
	svc *service.AccountService
	now time.Time
}

func newAPI(t *testing.T) *api {
	t.Helper()
	db := testutil.OpenSQLite(t)
	ring := testutil.Ring(t)
	svc, err := service.New(db, ring, testutil.Checker(t, ring), lock.New(lock.NewMemoryBackend(), 0), nil, service.Options{BcryptCost: 4})
	require.NoError(t, err)

	a := &api{e: echo.New(), svc: svc, now: time.Unix(1_700_000_000, 0)}
	svc.SetClock(func() time.Time { return a.now })
	router.RegisterRoutes(a.e, db)
	router.RegisterAuth(a.e, svc, config.RateLimitConfig{}, nil)
	return a
}

type signedIn struct {
	Account struct {
		ID uint64 `json:"id"`
	} `json:"account"`
	Session struct {
		Token  string `json:"token"`
		Secret string `json:"secret"`
		Kind   string `json:"kind"`
	} `json:"session"`
}

func (a *api) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func (a *api) signIn(t *testing.T, username, ip string) signedIn {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/signin",
		strings.NewReader(`{"username":"`+username+`","password":"correct horse","kind":"web"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.RemoteAddr = ip + ":40000"
	rec := a.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out signedIn
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// signedGet builds a GET request signed at the API clock.
func (a *api) signedGet(s signedIn, path string) *http.Request {
	params := url.Values{signature.TimestampParam: {strconv.FormatInt(a.now.Unix(), 10)}}
	req := httptest.NewRequest(http.MethodGet, path+"?"+params.Encode(), nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+s.Session.Token)
	req.Header.Set(middleware.HeaderHMACWeb, signature.Sign([]byte(s.Session.Secret), signature.Canonical(params, nil)))
	return req
}

// signedPost builds a JSON POST whose fields are all strings.
func (a *api) signedPost(s signedIn, path string, fields map[string]string) *http.Request {
	params := url.Values{signature.TimestampParam: {strconv.FormatInt(a.now.Unix(), 10)}}
	for k, v := range fields {
		params.Set(k, v)
	}
	body := map[string]string{}
	for k := range params {
		body[k] = params.Get(k)
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(raw)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+s.Session.Token)
	req.Header.Set(middleware.HeaderHMACWeb, signature.Sign([]byte(s.Session.Secret), signature.Canonical(params, nil)))
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestSignInAndSignedRequests(t *testing.T) {
	a := newAPI(t)
	_, err := a.svc.CreateAccount(context.Background(), service.NewAccount{
		Username: "alice", Password: "correct horse", Permissions: []string{"accounts.read"},
	})
	require.NoError(t, err)

	s := a.signIn(t, "alice", "192.0.2.1")
	require.Len(t, s.Session.Token, 64)
	require.Len(t, s.Session.Secret, 16)

	rec := a.do(a.signedGet(s, "/v1/me"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, []any{"accounts.read"}, decode(t, rec)["permissions"])

	rec = a.do(a.signedGet(s, "/v1/accounts"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["accounts"], 1)

	// Replayed an hour later.
	stale := a.signedGet(s, "/v1/me")
	a.now = a.now.Add(time.Hour)
	rec = a.do(stale)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "EXPIRED", body["code"])
	require.Equal(t, "timeStamp", body["param"])

	rec = a.do(a.signedPost(s, "/v1/auth/signout", nil))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = a.do(a.signedGet(s, "/v1/me"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "SESSION_ARCHIVED", decode(t, rec)["code"])
}

func TestSignInErrors(t *testing.T) {
	a := newAPI(t)
	_, err := a.svc.CreateAccount(context.Background(), service.NewAccount{Username: "bob", Password: "correct horse"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/signin", strings.NewReader(`{"username":"bob","password":"nope"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := a.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "invalid credentials", decode(t, rec)["error"])

	a.signIn(t, "bob", "192.0.2.2")
	req = httptest.NewRequest(http.MethodPost, "/v1/auth/signin", strings.NewReader(`{"username":"bob","password":"correct horse"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.RemoteAddr = "192.0.2.2:40001"
	rec = a.do(req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "TOO_MANY_SESSIONS", decode(t, rec)["code"])
}

func TestPermissionAndSignatureChecks(t *testing.T) {
	a := newAPI(t)
	_, err := a.svc.CreateAccount(context.Background(), service.NewAccount{Username: "carol", Password: "correct horse"})
	require.NoError(t, err)
	s := a.signIn(t, "carol", "192.0.2.3")

	rec := a.do(a.signedGet(s, "/v1/accounts"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := a.signedGet(s, "/v1/me")
	req.Header.Set(middleware.HeaderHMACWeb, strings.Repeat("0", 128))
	rec = a.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "SIGNATURE_MISMATCH", decode(t, rec)["code"])

	rec = a.do(a.signedPost(s, "/v1/account/totp/disable", map[string]string{"totp": "123456"}))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "SECOND_FACTOR_STATE", decode(t, rec)["code"])

	rec = a.do(a.signedPost(s, "/v1/account/totp/enable", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, decode(t, rec)["secret"])
}

func TestSecondFactorChallenge(t *testing.T) {
	a := newAPI(t)
	_, err := a.svc.CreateAccount(context.Background(), service.NewAccount{Username: "dave", Password: "correct horse"})
	require.NoError(t, err)
	s := a.signIn(t, "dave", "192.0.2.4")

	rec := a.do(a.signedPost(s, "/v1/account/totp/enable", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	secret, _ := decode(t, rec)["secret"].(string)
	code, err := totp.Code(secret, a.now)
	require.NoError(t, err)
	rec = a.do(a.signedPost(s, "/v1/account/totp/enable", map[string]string{"secret": secret, "totp": code}))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	signIn := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/signin", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.RemoteAddr = "192.0.2.5:40000"
		return a.do(req)
	}
	rec = signIn(`{"username":"dave","password":"correct horse"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "STEP_UP_REQUIRED", body["code"])
	challenge, _ := body["challenge"].(string)
	require.NotEmpty(t, challenge)

	a.now = a.now.Add(30 * time.Second)
	code, err = totp.Code(secret, a.now)
	require.NoError(t, err)
	rec = signIn(`{"challenge":"` + challenge + `","totp":"` + code + `"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	rec := a.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}
