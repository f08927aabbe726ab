package controllers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/bring2life/bring2life-backend/api/responses"
	"github.com/bring2life/bring2life-backend/pkg/config"
	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
	"github.com/bring2life/bring2life-backend/pkg/logger"
)

const readyTimeout = 3 * time.Second

// Pinger is any dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Bring2Life-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every dependency and reports 503 when one is down.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name, dep := range deps {
		if dep != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Bring2Life-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		checks := make(map[string]string, len(names))
		var failed []string
		for _, name := range names {
			if err := deps[name].Ping(ctx); err != nil {
				checks[name] = err.Error()
				failed = append(failed, name)
				continue
			}
			checks[name] = "ok"
		}
		if len(failed) > 0 {
			err := pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("dependencies unavailable: %v", failed)).
				WithDetails(map[string]any{"checks": checks})
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
