package controllers

import (
	"context"
	"net/http"

	"github.com/irishbyblood/horizen-network-deploy/api/responses"
	"github.com/irishbyblood/horizen-network-deploy/pkg/config"
	pkgerrors "github.com/irishbyblood/horizen-network-deploy/pkg/errors"
	"github.com/irishbyblood/horizen-network-deploy/pkg/logger"
)

const envHeader = "X-Horizen-Env"

type pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports ready only when every wired dependency answers a ping.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbP, redisP pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		ctx := r.Context()

		checks := map[string]pinger{
			"db":    dbP,
			"redis": redisP,
		}
		for name, check := range checks {
			if check == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				responses.WriteError(ctx, logg, w,
					pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" not ready"))
				return
			}
		}

		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
