package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/model"
	"github.com/iliyamo/account-guard/internal/service"
	"github.com/iliyamo/account-guard/internal/session"
	"github.com/iliyamo/account-guard/internal/signature"
)

// Signature headers.  The header used names the device kind of the session.
const (
	HeaderHMACWeb = "X-Hmac-Web"
	HeaderHMACApp = "X-Hmac-App"
)

// maxSignedBody bounds the body read for signature verification.
const maxSignedBody = 1 << 20

// Authenticator validates a signed request.
type Authenticator interface {
	Authenticate(ctx context.Context, req service.SignedRequest) (*session.Authenticated, error)
}

// SessionAuthConfig tunes SessionAuth for a route group.
type SessionAuthConfig struct {
	// Exclude lists parameters hashed with an empty value.
	Exclude []string
	// AllowStepUp lets long-lived sessions through when their second-factor
	// verification is stale; used by the route that performs it.
	AllowStepUp bool
	// OnError renders failures.  Defaults to a generic 401.
	OnError func(c echo.Context, err error) error
}

// SessionAuth validates the bearer session and the request HMAC, then stores
// the authenticated session in the context for Auth.  The body is restored
// so handlers can bind it again.
func SessionAuth(a Authenticator, cfg SessionAuthConfig) echo.MiddlewareFunc {
	onError := cfg.OnError
	if onError == nil {
		onError = func(c echo.Context, _ error) error {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req, err := signedRequest(c)
			if err != nil {
				return onError(c, err)
			}
			req.Exclude = cfg.Exclude
			req.AllowStepUp = cfg.AllowStepUp

			auth, err := a.Authenticate(c.Request().Context(), req)
			if err != nil {
				return onError(c, err)
			}
			c.Set(ctxAuth, auth)
			c.Set(ctxAccountID, strconv.FormatUint(auth.Account.ID, 10))
			return next(c)
		}
	}
}

// signedRequest extracts token, kind, HMAC and parameters from c.
func signedRequest(c echo.Context) (service.SignedRequest, error) {
	var req service.SignedRequest

	h := c.Request().Header
	raw := h.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(raw, "Bearer ") {
		return req, autherr.ErrSessionNotFound
	}
	token, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(raw, "Bearer ")))
	if err != nil || len(token) != session.TokenSize {
		return req, autherr.ErrSessionNotFound
	}
	req.Token = token

	web, app := h.Get(HeaderHMACWeb), h.Get(HeaderHMACApp)
	switch {
	case web != "" && app == "":
		req.Kind, req.HMAC = model.DeviceWeb, web
	case app != "" && web == "":
		req.Kind, req.HMAC = model.DeviceApp, app
	default:
		return req, autherr.WithParam(autherr.KindInvalidParameter, HeaderHMACWeb, "exactly one signature header is required")
	}

	params, err := requestParams(c)
	if err != nil {
		return req, err
	}
	req.Params = params

	ts, err := strconv.ParseInt(params.Get(signature.TimestampParam), 10, 64)
	if err != nil {
		return req, autherr.WithParam(autherr.KindInvalidParameter, signature.TimestampParam, "timeStamp must be Unix seconds")
	}
	req.Timestamp = ts
	return req, nil
}

// requestParams merges query parameters with a form or JSON object body.
// JSON values are rendered as their literal text; nested values as compact
// JSON.
func requestParams(c echo.Context) (url.Values, error) {
	r := c.Request()
	params := url.Values{}
	for k, v := range r.URL.Query() {
		params[k] = append([]string(nil), v...)
	}
	if r.Body == nil || r.ContentLength == 0 {
		return params, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
	if err != nil {
		return nil, autherr.WithParam(autherr.KindInvalidParameter, "body", "unreadable body")
	}
	if len(body) > maxSignedBody {
		return nil, autherr.WithParam(autherr.KindInvalidParameter, "body", "body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(bytes.TrimSpace(body)) == 0 {
		return params, nil
	}

	ctype := r.Header.Get(echo.HeaderContentType)
	switch {
	case strings.HasPrefix(ctype, echo.MIMEApplicationForm):
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, autherr.WithParam(autherr.KindInvalidParameter, "body", "invalid form body")
		}
		for k, v := range form {
			params[k] = append(params[k], v...)
		}
	default:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, autherr.WithParam(autherr.KindInvalidParameter, "body", "body must be a JSON object")
		}
		for k, v := range obj {
			params.Add(k, jsonText(v))
		}
	}
	return params, nil
}

func jsonText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	t := bytes.TrimSpace(v)
	if bytes.Equal(t, []byte("null")) {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, t); err != nil {
		return string(t)
	}
	return buf.String()
}
