package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pawhero/backend/internal/apperr"
)

// KeyFunc derives the bucket key for a request. An empty key skips the check.
type KeyFunc func(r *http.Request) string

// Middleware applies p to every request and sets the standard rate-limit
// headers. Rejected requests get 429 with the typed rate_limited body.
func Middleware(l Limiter, p Policy, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			d := l.Check(r.Context(), p.Name+":"+k, p.Max, p.Window)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				apperr.WriteHTTP(w, apperr.RateLimited(d.ResetAt))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseTrustedProxies reads proxy addresses as CIDRs or bare IPs.
func ParseTrustedProxies(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: not an address or CIDR", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// ByIP keys on the connecting peer. X-Forwarded-For is read only when that
// peer is a trusted proxy, and then the key is the rightmost hop that is not
// itself trusted. Hops a client prepends are never reached.
func ByIP(trusted []netip.Prefix) KeyFunc {
	return func(r *http.Request) string {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		peer, err := netip.ParseAddr(host)
		if err != nil || !isTrusted(trusted, peer) {
			return "ip:" + host
		}
		hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !isTrusted(trusted, hop) {
				return "ip:" + hop.Unmap().String()
			}
		}
		return "ip:" + host
	}
}

func isTrusted(trusted []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
