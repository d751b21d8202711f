package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"net"
	"net/http"
	"strconv"

	"github.com/hyper-ai-inc/termbridge/internal/auth"
)

// Identity derives the rate-limit key for a request. When keyed is set the
// caller's token has already passed the auth gate, so callers presenting it
// are keyed by a digest of it. Everyone else is keyed by peer address plus a
// hash of the user agent so clients behind one NAT are told apart.
//
// An unverified token is ignored: rotating it would mint fresh buckets.
func Identity(r *http.Request, keyed bool) string {
	if keyed {
		if token := auth.TokenFromRequest(r); token != "" {
			sum := sha256.Sum256([]byte(token))
			return "key:" + hex.EncodeToString(sum[:8])
		}
	}
	return "ip:" + ClientIP(r) + ":" + userAgentHash(r.UserAgent())
}

// ClientIP returns the host part of RemoteAddr. Forwarding headers are not
// read here; behind a trusted proxy the server mounts middleware that
// rewrites RemoteAddr from them before admission runs.
func ClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

func userAgentHash(ua string) string {
	h := fnv.New32a()
	h.Write([]byte(ua))
	return strconv.FormatUint(uint64(h.Sum32()), 36)
}
