package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/onlyus/sync-server-go/internal/audit"
	apperrors "github.com/onlyus/sync-server-go/internal/errors"
	"github.com/onlyus/sync-server-go/internal/httputil"
	"github.com/onlyus/sync-server-go/internal/service"
)

// KeyFunc picks the bucket a request is counted against. An empty key
// skips limiting.
type KeyFunc func(r *http.Request) string

// KeyByUser buckets authenticated requests by user ID.
func KeyByUser(r *http.Request) string {
	return GetUserID(r.Context())
}

// KeyByIP buckets requests by client address. chi's RealIP middleware has
// already rewritten RemoteAddr when it runs first.
func KeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type RateLimitMiddleware struct {
	limiter service.Limiter
	limit   int
	window  time.Duration
	prefix  string
	keyFunc KeyFunc
	now     func() time.Time
}

func NewRateLimitMiddleware(limiter service.Limiter, limit int, window time.Duration, prefix string, keyFunc KeyFunc) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
		prefix:  prefix,
		keyFunc: keyFunc,
		now:     time.Now,
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.keyFunc(r)
		if id == "" || m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := fmt.Sprintf("%s:%s", m.prefix, id)
		allowed, resetAt := m.limiter.CheckLimit(r.Context(), key, m.limit, m.window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			secondsLeft := int(resetAt.Sub(m.now()).Seconds()) + 1
			if secondsLeft < 1 {
				secondsLeft = 1
			}
			log.Warn().Str("bucket", m.prefix).Str("key", id).Msg("rate limit exceeded")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				UserID:  GetUserID(r.Context()),
				Details: map[string]interface{}{"bucket": m.prefix},
			})
			w.Header().Set("Retry-After", strconv.Itoa(secondsLeft))
			httputil.WriteError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
