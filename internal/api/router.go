// Package api assembles the chi router: one mount point per protocol
// adapter plus the shared health check and metrics endpoints.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/pullcache/registry-proxy/internal/adapter/docker"
	"github.com/pullcache/registry-proxy/internal/adapter/gomod"
	"github.com/pullcache/registry-proxy/internal/adapter/maven"
	"github.com/pullcache/registry-proxy/internal/adapter/npm"
	"github.com/pullcache/registry-proxy/internal/adapter/nuget"
	"github.com/pullcache/registry-proxy/internal/adapter/pypi"
	"github.com/pullcache/registry-proxy/internal/api/middleware"
	"github.com/pullcache/registry-proxy/internal/api/response"
	"github.com/pullcache/registry-proxy/internal/worker"
)

// RouterDeps carries one handler per protocol adapter, each already bound
// to its logical cache.Target — a single repository or a named group,
// bound once at startup from config.TargetsConfig.
type RouterDeps struct {
	NPM    *npm.Handler
	PyPI   *pypi.Handler
	Docker *docker.Handler
	GoMod  *gomod.Handler
	Maven  *maven.Handler
	NuGet  *nuget.Handler
	Pool   *worker.Pool
	Logger *slog.Logger

	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	metrics := middleware.NewMetrics()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(metrics.Middleware())
	r.Use(middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", metrics.Handler())

	if deps.NPM != nil {
		r.Route("/npm", deps.NPM.Mount)
	}
	if deps.PyPI != nil {
		r.Route("/pypi", deps.PyPI.Mount)
	}
	if deps.Docker != nil {
		r.Route("/", deps.Docker.Mount)
	}
	if deps.GoMod != nil {
		r.Route("/go", deps.GoMod.Mount)
	}
	if deps.Maven != nil {
		r.Route("/maven", deps.Maven.Mount)
	}
	if deps.NuGet != nil {
		r.Route("/nuget", deps.NuGet.Mount)
	}

	return r
}
