// Package signature verifies the per-request HMAC that binds a single
// request to the session's secret, plus a tight replay window.
package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/iliyamo/account-guard/internal/autherr"
)

// DefaultWindow is the maximum distance between the claimed timestamp and
// server time.
const DefaultWindow = 4 * time.Second

// TimestampParam is the request field carrying the claimed Unix time.
const TimestampParam = "timeStamp"

// Canonical encodes params as a query string with sorted keys and RFC 3986
// escaping.  Keys listed in exclude keep their position with an empty value.
func Canonical(params url.Values, exclude []string) string {
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := params[k]
		if skip[k] {
			vals = []string{""}
		}
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(escape(k))
			b.WriteByte('=')
			b.WriteString(escape(v))
		}
	}
	return b.String()
}

// escape is url.QueryEscape with RFC 3986 spaces.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Sign returns the hex HMAC-SHA512 of canonical under secret.
func Sign(secret []byte, canonical string) string {
	mac := hmac.New(sha512.New, secret)
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks signed requests against a clock.
type Verifier struct {
	Window time.Duration
	Now    func() time.Time
}

// NewVerifier returns a verifier using the wall clock.
func NewVerifier(window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Verifier{Window: window, Now: time.Now}
}

// Verify checks the timestamp first and then the HMAC.  A stale timestamp is
// reported as Expired regardless of whether the HMAC is correct.
func (v *Verifier) Verify(secret []byte, params url.Values, exclude []string, claimedHMAC string, claimedTS int64) error {
	now := v.Now().Unix()
	// The distance is taken in uint64 so no claimed value can wrap it.
	var delta uint64
	if claimedTS >= now {
		delta = uint64(claimedTS) - uint64(now)
	} else {
		delta = uint64(now) - uint64(claimedTS)
	}
	if delta >= windowSeconds(v.Window) {
		return autherr.WithParam(autherr.KindExpired, TimestampParam, "request timestamp outside the accepted window")
	}
	expected := Sign(secret, Canonical(params, exclude))
	claimed := strings.ToLower(strings.TrimSpace(claimedHMAC))
	if !hmac.Equal([]byte(expected), []byte(claimed)) {
		return autherr.ErrSignatureMismatch
	}
	return nil
}

// windowSeconds rounds window up to whole seconds.
func windowSeconds(window time.Duration) uint64 {
	return uint64((window + time.Second - 1) / time.Second)
}
