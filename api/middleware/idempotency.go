package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bring2life/bring2life-backend/api/responses"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
	pkgredis "github.com/bring2life/bring2life-backend/pkg/redis"
)

const (
	defaultIdempotencyTTL  = 24 * time.Hour
	criticalIdempotencyTTL = 7 * 24 * time.Hour
	// inFlightTTL bounds how long a crashed request can hold its key.
	inFlightTTL = 2 * time.Minute

	idempotencyHeader = "Idempotency-Key"
)

// Routes that move money keep their outcome for a week.
var idempotentRoutes = compileRoutes(map[string]time.Duration{
	"POST /api/v1/commissions":                            defaultIdempotencyTTL,
	"POST /api/v1/commissions/{id}/bids":                  defaultIdempotencyTTL,
	"POST /api/v1/commissions/{id}/schedule":              defaultIdempotencyTTL,
	"POST /api/v1/commissions/{id}/dispute":               defaultIdempotencyTTL,
	"POST /api/v1/bids/{id}/withdraw":                     defaultIdempotencyTTL,
	"POST /api/v1/milestones/{id}/submit":                 defaultIdempotencyTTL,
	"POST /api/v1/notifications/{id}/read":                defaultIdempotencyTTL,
	"POST /api/v1/notifications/read-all":                 defaultIdempotencyTTL,
	"POST /api/v1/bids/{id}/accept":                       criticalIdempotencyTTL,
	"POST /api/v1/commissions/{id}/fund":                  criticalIdempotencyTTL,
	"POST /api/v1/commissions/{id}/cancel":                criticalIdempotencyTTL,
	"POST /api/v1/milestones/{id}/review":                 criticalIdempotencyTTL,
	"POST /api/v1/milestones/{id}/retry-release":          criticalIdempotencyTTL,
	"POST /api/admin/v1/commissions/{id}/dispute/resolve": criticalIdempotencyTTL,
})

type idempotentRoute struct {
	method   string
	segments []string
	ttl      time.Duration
}

func compileRoutes(specs map[string]time.Duration) []idempotentRoute {
	routes := make([]idempotentRoute, 0, len(specs))
	for spec, ttl := range specs {
		method, template, _ := strings.Cut(spec, " ")
		routes = append(routes, idempotentRoute{
			method:   method,
			segments: splitPath(template),
			ttl:      ttl,
		})
	}
	return routes
}

// matches compares path segments; a {param} segment matches any non-empty
// value.
func (rt idempotentRoute) matches(method string, segments []string) bool {
	if rt.method != method || len(rt.segments) != len(segments) {
		return false
	}
	for i, want := range rt.segments {
		got := segments[i]
		if strings.HasPrefix(want, "{") {
			if got == "" {
				return false
			}
		} else if got != want {
			return false
		}
	}
	return true
}

func routeTTL(method, path string) (time.Duration, bool) {
	segments := splitPath(path)
	for _, rt := range idempotentRoutes {
		if rt.matches(method, segments) {
			return rt.ttl, true
		}
	}
	return 0, false
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

const (
	entryInFlight = "in_flight"
	entryDone     = "done"
)

// replayEntry is what sits under an idempotency key: first an in-flight
// reservation, then the captured response.
type replayEntry struct {
	State       string `json:"state"`
	RequestHash string `json:"request_hash"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

func (e replayEntry) encode() string {
	raw, _ := json.Marshal(e)
	return string(raw)
}

// Idempotency requires an Idempotency-Key on the routes above. The first
// request with a key reserves it, runs, and stores its response for replay;
// a concurrent duplicate gets a conflict instead of running twice. Pending
// (202) and server-error outcomes release the key so the retry runs again.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, ok := routeTTL(r.Method, r.URL.Path)
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			id := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if id == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			hash := hashBody(body)
			key := store.IdempotencyKey(UserIDFromContext(ctx)+"|"+r.Method+"|"+r.URL.Path, id)

			reserved, err := store.SetNX(ctx, key, replayEntry{State: entryInFlight, RequestHash: hash}.encode(), inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !reserved {
				replayExisting(ctx, logg, w, store, key, hash)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)
			status := capture.statusCode()

			// The final entry replaces the reservation; Del then SetNX is not
			// atomic, so a duplicate landing in between runs the handler again.
			if err := store.Del(ctx, key); err != nil {
				logError(ctx, logg, "release idempotency key", err)
				return
			}
			if status == http.StatusAccepted || status >= http.StatusInternalServerError {
				return
			}
			entry := replayEntry{
				State:       entryDone,
				RequestHash: hash,
				Status:      status,
				ContentType: capture.Header().Get("Content-Type"),
				Body:        capture.body.Bytes(),
			}
			if _, err := store.SetNX(ctx, key, entry.encode(), ttl); err != nil {
				logError(ctx, logg, "persist idempotency record", err)
			}
		})
	}
}

func replayExisting(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, store pkgredis.IdempotencyStore, key, hash string) {
	raw, err := store.Get(ctx, key)
	switch {
	case errors.Is(err, redis.Nil):
		// The holder finished without a cacheable outcome a moment ago.
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key just completed; retry"))
		return
	case err != nil:
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
		return
	}

	var entry replayEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record"))
		return
	}
	if entry.RequestHash != hash {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
		return
	}
	if entry.State != entryDone {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key is still in progress"))
		return
	}

	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseCapture) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
