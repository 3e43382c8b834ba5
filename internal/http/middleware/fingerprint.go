package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/example/stationbook/internal/auth"
)

type fingerprintKey struct{}

// TrustedProxies lists the networks whose forwarding headers are believed.
// It satisfies envconfig.Decoder: "10.0.0.0/8,192.168.1.4".
type TrustedProxies []netip.Prefix

func (tp *TrustedProxies) Decode(value string) error {
	var out TrustedProxies
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return fmt.Errorf("decode trusted proxy %q: %w", part, err)
			}
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(part)
		if err != nil {
			return fmt.Errorf("decode trusted proxy %q: %w", part, err)
		}
		out = append(out, prefix.Masked())
	}
	*tp = out
	return nil
}

func (tp TrustedProxies) trusts(addr netip.Addr) bool {
	for _, prefix := range tp {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the connection peer unless the peer is a trusted proxy.
// Then X-Forwarded-For is walked from the right and the first hop outside
// the trusted networks wins; X-Real-IP is used when X-Forwarded-For is absent.
func (tp TrustedProxies) ClientIP(r *http.Request) string {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !tp.trusts(peer) {
		return peer.String()
	}

	client := peer
	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = addr.Unmap()
			if !tp.trusts(client) {
				break
			}
		}
		return client.String()
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		client = addr.Unmap()
	}
	return client.String()
}

func peerAddr(remote string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(host))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// Fingerprint derives the rate limiting identity of a request from the client
// address and, when authenticated, the token subject. Forwarding headers are
// honoured only from trusted proxies. Run it after auth.Optional.
func Fingerprint(trusted TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := ""
			if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
				subject = claims.Subject
			}
			fp := ComputeFingerprint(trusted.ClientIP(r), subject)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), fingerprintKey{}, fp)))
		})
	}
}

// FingerprintFromContext returns the fingerprint set by Fingerprint, or
// "anonymous".
func FingerprintFromContext(ctx context.Context) string {
	if fp, ok := ctx.Value(fingerprintKey{}).(string); ok && fp != "" {
		return fp
	}
	return "anonymous"
}

// ComputeFingerprint hashes so raw addresses never reach limiter keys.
func ComputeFingerprint(ip, subject string) string {
	sum := sha256.Sum256([]byte(ip + "|" + subject))
	return hex.EncodeToString(sum[:16])
}
