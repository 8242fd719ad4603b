// Package httpapi wires the REST surface of spec.md §6.3/§6.4 onto an
// echo.Echo instance, grounded on the teacher's internal/api/router.go
// construction shape (global middleware, grouped routes, handlers as Server
// methods).
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/reflexive-dev/reflexive/internal/appstate"
	"github.com/reflexive-dev/reflexive/internal/config"
	"github.com/reflexive-dev/reflexive/internal/metrics"
	"github.com/reflexive-dev/reflexive/internal/process"
	"github.com/reflexive-dev/reflexive/internal/sandbox"
	"github.com/reflexive-dev/reflexive/internal/toolplane"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

// Deps holds the dependencies a Server routes against. Exactly one of
// (Process, Sandboxes) is expected to be populated depending on cfg.Mode:
// local mode drives the dashboard routes against a single supervised
// Process, sandbox/hosted mode drives the REST API against a
// MultiSandboxManager.
type Deps struct {
	Config       *config.Config
	App          *appstate.AppState
	Process      *process.Manager
	Plane        *toolplane.Plane
	Capabilities types.Capabilities // local mode only; mutated by POST /permissions
	Sandboxes    *sandbox.MultiSandboxManager
	RateLimiter  *RateLimiter
}

// Server is the HTTP front end: an echo.Echo instance plus the dependencies
// its handlers route through.
type Server struct {
	echo *echo.Echo
	deps Deps

	planeMu sync.RWMutex
	plane   *toolplane.Plane
	caps    types.Capabilities
}

// getPlane returns the tool plane currently bound to this server, reflecting
// the most recent capability toggle from POST /permissions in local mode.
func (s *Server) getPlane() *toolplane.Plane {
	s.planeMu.RLock()
	defer s.planeMu.RUnlock()
	return s.plane
}

func (s *Server) setPlane(p *toolplane.Plane, caps types.Capabilities) {
	s.planeMu.Lock()
	defer s.planeMu.Unlock()
	s.plane = p
	s.caps = caps
}

func (s *Server) getCapabilities() types.Capabilities {
	s.planeMu.RLock()
	defer s.planeMu.RUnlock()
	return s.caps
}

// NewServer builds a Server with the global middleware stack and the route
// group matching deps.Config.Mode mounted.
func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	s := &Server{echo: e, deps: deps}
	s.setPlane(deps.Plane, deps.Capabilities)

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiBase := deps.Config.APIBase
	if apiBase == "" {
		apiBase = "/api"
	}

	api := e.Group(apiBase)
	api.Use(AuthMiddleware(deps.Config))
	if deps.RateLimiter != nil {
		api.Use(RateLimitMiddleware(deps.RateLimiter))
	}

	switch deps.Config.Mode {
	case "local":
		s.mountDashboardRoutes(api)
	default: // "sandbox", "hosted"
		s.mountSandboxRoutes(api)
	}

	return s
}

// Echo exposes the underlying echo.Echo, e.g. for tests driving ServeHTTP
// directly.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) health(c echo.Context) error {
	resp := map[string]interface{}{"status": "ok"}
	if s.deps.Sandboxes != nil {
		resp["sandboxes"] = s.deps.Sandboxes.Count()
		resp["running"] = s.deps.Sandboxes.RunningCount()
	}
	return c.JSON(http.StatusOK, resp)
}

// Start binds the server to addr and serves until ctx is cancelled,
// mirroring the teacher's findAvailablePort/http.Server lifecycle but
// delegated to the caller for the retry loop (internal/runtimeregistry
// already owns findAvailablePort).
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.echo}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
