package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bring2life/bring2life-backend/api/responses"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
)

type rateLimiterStore interface {
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
}

// RateLimitPolicy throttles writes per authenticated caller and per client IP.
type RateLimitPolicy struct {
	name      string
	window    time.Duration
	userLimit int
	ipLimit   int
}

func NewRateLimitPolicy(name string, window time.Duration, userLimit, ipLimit int) RateLimitPolicy {
	return RateLimitPolicy{
		name:      strings.ToLower(strings.TrimSpace(name)),
		window:    window,
		userLimit: userLimit,
		ipLimit:   ipLimit,
	}
}

func (p RateLimitPolicy) enabled() bool {
	return p.window > 0 && (p.userLimit > 0 || p.ipLimit > 0)
}

func (p RateLimitPolicy) normalizedName() string {
	if p.name == "" {
		return "api"
	}
	return p.name
}

func (p RateLimitPolicy) key(scope, value string) string {
	if value == "" {
		return ""
	}
	return fmt.Sprintf("b2l:rate_limit:%s:%s:%s", p.normalizedName(), scope, value)
}

// RateLimit counts mutating requests. Reads pass through untouched.
func RateLimit(policy RateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || store == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			checks := []struct {
				scope string
				value string
				limit int
			}{
				{scope: "user", value: UserIDFromContext(ctx), limit: policy.userLimit},
				{scope: "ip", value: clientIP(r), limit: policy.ipLimit},
			}
			for _, check := range checks {
				if check.limit <= 0 {
					continue
				}
				key := policy.key(check.scope, check.value)
				if key == "" {
					continue
				}
				allowed, count, err := allow(ctx, store, key, policy.window, int64(check.limit))
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				}
				if !allowed {
					respondRateLimited(ctx, logg, w, policy, check.scope, count, check.limit)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func allow(ctx context.Context, store rateLimiterStore, key string, window time.Duration, limit int64) (bool, int64, error) {
	count, err := store.IncrWithTTL(ctx, key, window)
	if err != nil {
		return false, 0, err
	}
	return count <= limit, count, nil
}

func respondRateLimited(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy RateLimitPolicy, scope string, count int64, limit int) {
	if logg != nil {
		logCtx := logg.WithFields(ctx, map[string]any{
			"scope":          scope,
			"policy":         policy.normalizedName(),
			"attempts":       count,
			"limit":          limit,
			"window_seconds": int(policy.window.Seconds()),
		})
		logg.Warn(logCtx, "rate_limit.blocked")
	}
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := r.Header.Get("X-Forwarded-For"); header != "" {
		for _, part := range strings.Split(header, ",") {
			if ip := strings.TrimSpace(part); ip != "" {
				return ip
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
