package realip

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMiddleware_ClientIP(t *testing.T) {
	trusted := []string{"10.0.0.0/8", "192.168.0.0/16", "172.16.0.9"}

	tests := []struct {
		name       string
		trustProxy bool
		remote     string
		xff        string
		xRealIP    string
		want       string
	}{
		{"proxy trust disabled", false, "10.0.0.1:4000", "203.0.113.50", "", "10.0.0.1"},
		{"trusted peer", true, "10.0.0.1:4000", "203.0.113.50, 10.0.0.5", "", "203.0.113.50"},
		{"untrusted peer", true, "198.51.100.7:4000", "203.0.113.50", "", "198.51.100.7"},
		{"single trusted address", true, "172.16.0.9:4000", "203.0.113.9", "", "203.0.113.9"},
		{"spoofed leftmost hop ignored", true, "10.0.0.1:4000", "1.1.1.1, 203.0.113.50, 192.168.1.1", "", "203.0.113.50"},
		{"all hops trusted", true, "10.0.0.1:4000", "10.1.1.1, 10.2.2.2", "", "10.1.1.1"},
		{"x-real-ip fallback", true, "10.0.0.1:4000", "", "203.0.113.77", "203.0.113.77"},
		{"no headers", true, "10.0.0.1:4000", "", "", "10.0.0.1"},
		{"ipv6 peer", false, "[2001:db8::1]:4000", "", "", "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := Middleware(Config{TrustProxy: tt.trustProxy, TrustedProxies: trusted})(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					got = GetClientIP(r)
				}))

			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetClientIP_WithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.1:9999"
	assert.Equal(t, "203.0.113.1", GetClientIP(req))
}

func TestResolver_Trusted(t *testing.T) {
	r := NewResolver(Config{TrustProxy: true, TrustedProxies: []string{"10.0.0.0/8", "::1", "not-an-ip"}})

	assert.True(t, r.Trusted("10.20.30.40"))
	assert.True(t, r.Trusted("::ffff:10.0.0.1"))
	assert.True(t, r.Trusted("::1"))
	assert.False(t, r.Trusted("11.0.0.1"))
	assert.False(t, r.Trusted("garbage"))
}
