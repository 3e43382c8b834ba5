package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/stationbook/internal/auth"
	"github.com/example/stationbook/internal/http/middleware"
)

func TestFingerprint(t *testing.T) {
	var got string
	h := middleware.Fingerprint(nil)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = middleware.FingerprintFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:5123"
	h.ServeHTTP(httptest.NewRecorder(), req)
	anon := got
	require.Equal(t, middleware.ComputeFingerprint("203.0.113.7", ""), anon)
	require.Len(t, anon, 32)

	// Source port does not change identity.
	req.RemoteAddr = "203.0.113.7:6000"
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, anon, got)

	req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, anon, got)

	claims := &auth.Claims{}
	claims.Subject = "user-9"
	req = req.WithContext(auth.WithClaims(req.Context(), claims))
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.NotEqual(t, anon, got)

	require.Equal(t, "anonymous", middleware.FingerprintFromContext(req.Context()))
}

func TestClientIPIgnoresHeadersFromUntrustedPeers(t *testing.T) {
	var trusted middleware.TrustedProxies
	require.NoError(t, trusted.Decode("10.0.0.0/8"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.20:4000"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	req.Header.Set("X-Real-IP", "5.6.7.8")
	req.Header.Set("True-Client-IP", "9.9.9.9")

	require.Equal(t, "198.51.100.20", trusted.ClientIP(req))
	require.Equal(t, "198.51.100.20", middleware.TrustedProxies(nil).ClientIP(req))
}

func TestClientIPFromTrustedProxy(t *testing.T) {
	var trusted middleware.TrustedProxies
	require.NoError(t, trusted.Decode("10.0.0.0/8, 192.168.1.4"))

	cases := []struct {
		name   string
		remote string
		xff    []string
		realIP string
		want   string
	}{
		{name: "single hop", remote: "10.1.1.1:80", xff: []string{"203.0.113.9"}, want: "203.0.113.9"},
		{name: "spoofed left entries", remote: "10.1.1.1:80", xff: []string{"1.1.1.1, 203.0.113.9"}, want: "203.0.113.9"},
		{name: "proxy chain", remote: "10.1.1.1:80", xff: []string{"203.0.113.9, 192.168.1.4", "10.2.2.2"}, want: "203.0.113.9"},
		{name: "garbage hop stops the walk", remote: "10.1.1.1:80", xff: []string{"203.0.113.9, junk"}, want: "10.1.1.1"},
		{name: "real ip header", remote: "192.168.1.4:80", realIP: "203.0.113.10", want: "203.0.113.10"},
		{name: "no headers", remote: "10.1.1.1:80", want: "10.1.1.1"},
		{name: "mapped peer", remote: "[::ffff:10.1.1.1]:80", xff: []string{"203.0.113.9"}, want: "203.0.113.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			require.Equal(t, tc.want, trusted.ClientIP(req))
		})
	}
}

func TestTrustedProxiesDecode(t *testing.T) {
	var trusted middleware.TrustedProxies
	require.NoError(t, trusted.Decode(""))
	require.Empty(t, trusted)

	require.NoError(t, trusted.Decode("10.0.0.0/8,2001:db8::/32,127.0.0.1"))
	require.Len(t, trusted, 3)

	require.Error(t, trusted.Decode("10.0.0.0/99"))
	require.Error(t, trusted.Decode("not-an-ip"))
}
