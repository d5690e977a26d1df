package rest

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func requestWithHeaders(headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil)
	r.RemoteAddr = "10.0.0.5:33000"
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestExtractClientIP_HeaderPriority(t *testing.T) {
	r := requestWithHeaders(map[string]string{
		"CF-Connecting-IP": "203.0.113.1",
		"X-Forwarded-For":  "198.51.100.2",
		"X-Real-IP":        "198.51.100.3",
		"X-Client-IP":      "198.51.100.4",
	})
	assert.Equal(t, "203.0.113.1", ExtractClientIP(r))
}

func TestExtractClientIP_ForwardedForChainSkipsPrivateHops(t *testing.T) {
	r := requestWithHeaders(map[string]string{
		"X-Forwarded-For": "10.1.2.3, 192.168.0.9, 203.0.113.12, 198.51.100.1",
	})
	assert.Equal(t, "203.0.113.12", ExtractClientIP(r))
}

func TestExtractClientIP_SkipsUnusableValues(t *testing.T) {
	cases := map[string]string{
		"loopback":    "127.0.0.1",
		"private":     "192.168.1.10",
		"link-local":  "169.254.0.1",
		"unspecified": "0.0.0.0",
		"garbage":     "not-an-ip",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			r := requestWithHeaders(map[string]string{"X-Real-IP": value})
			// The private RemoteAddr host is all that is left.
			assert.Equal(t, "10.0.0.5", ExtractClientIP(r))
		})
	}
}

func TestExtractClientIP_FallsThroughToLaterHeaders(t *testing.T) {
	r := requestWithHeaders(map[string]string{
		"CF-Connecting-IP": "10.9.9.9", // internal, ignored
		"X-Client-IP":      "203.0.113.77",
	})
	assert.Equal(t, "203.0.113.77", ExtractClientIP(r))
}

func TestExtractClientIP_IPv6(t *testing.T) {
	r := requestWithHeaders(map[string]string{
		"X-Real-IP": "2001:db8::1",
	})
	assert.Equal(t, "2001:db8::1", ExtractClientIP(r))
}

func TestExtractClientIP_NoHeadersUsesPeer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil)
	r.RemoteAddr = "203.0.113.50:44321"
	assert.Equal(t, "203.0.113.50", ExtractClientIP(r))
}
