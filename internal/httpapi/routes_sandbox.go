package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/reflexive-dev/reflexive/internal/chat"
	"github.com/reflexive-dev/reflexive/internal/sandbox"
	"github.com/reflexive-dev/reflexive/pkg/types"
)

// mountSandboxRoutes registers the sandbox/hosted-mode REST API of spec.md
// §6.3 under g. Handler bodies follow the teacher's internal/api/sandbox.go
// shape: bind request body, route through the manager, translate the error
// (if any) to a status code, respond JSON.
func (s *Server) mountSandboxRoutes(g *echo.Group) {
	g.POST("/sandboxes", s.createSandbox)
	g.GET("/sandboxes", s.listSandboxes)
	g.GET("/sandboxes/:id", s.getSandbox)
	g.POST("/sandboxes/:id/start", s.startSandbox)
	g.POST("/sandboxes/:id/stop", s.stopSandbox)
	g.DELETE("/sandboxes/:id", s.destroySandbox)
	g.POST("/sandboxes/:id/snapshot", s.snapshotSandbox)
	g.GET("/snapshots", s.listSnapshots)
	g.GET("/snapshots/:id", s.getSnapshot)
	g.POST("/snapshots/:id/resume", s.resumeSnapshot)
	g.DELETE("/snapshots/:id", s.deleteSnapshot)
	g.GET("/sandboxes/:id/logs", s.sandboxLogs)
	g.GET("/sandboxes/:id/state", s.sandboxState)
	g.GET("/sandboxes/:id/files/*", s.readSandboxFile)
	g.PUT("/sandboxes/:id/files/*", s.writeSandboxFile)
	g.POST("/sandboxes/:id/chat", s.sandboxChat)
}

func (s *Server) mgr() *sandbox.MultiSandboxManager {
	return s.deps.Sandboxes
}

func errJSON(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func (s *Server) createSandbox(c echo.Context) error {
	var body struct {
		ID     string              `json:"id"`
		Config types.SandboxConfig `json:"config"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	if body.ID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id is required"})
	}

	instance, err := s.mgr().Create(c.Request().Context(), body.ID, body.Config)
	if err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusCreated, instance)
}

func (s *Server) listSandboxes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"sandboxes": s.mgr().List()})
}

func (s *Server) getSandbox(c echo.Context) error {
	mgr := s.mgr().Get(c.Param("id"))
	if mgr == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown sandbox id " + c.Param("id")})
	}
	return c.JSON(http.StatusOK, mgr.Instance())
}

func (s *Server) startSandbox(c echo.Context) error {
	var body struct {
		EntryFile string   `json:"entryFile"`
		Args      []string `json:"args"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	if err := s.mgr().Start(c.Request().Context(), c.Param("id"), body.EntryFile, body.Args); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) stopSandbox(c echo.Context) error {
	if err := s.mgr().Stop(c.Request().Context(), c.Param("id")); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) destroySandbox(c echo.Context) error {
	if err := s.mgr().Destroy(c.Request().Context(), c.Param("id")); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "destroyed"})
}

func (s *Server) snapshotSandbox(c echo.Context) error {
	var body struct {
		Files []string `json:"files"`
	}
	_ = c.Bind(&body)

	snapID, err := s.mgr().Snapshot(c.Request().Context(), c.Param("id"), sandbox.SnapshotOptions{Files: body.Files})
	if err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"snapshotId": snapID})
}

func (s *Server) listSnapshots(c echo.Context) error {
	snaps, err := s.mgr().ListSnapshots()
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"snapshots": snaps})
}

func (s *Server) getSnapshot(c echo.Context) error {
	snaps, err := s.mgr().ListSnapshots()
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	for _, snap := range snaps {
		if snap.ID == c.Param("id") {
			return c.JSON(http.StatusOK, snap)
		}
	}
	return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown snapshot id " + c.Param("id")})
}

func (s *Server) resumeSnapshot(c echo.Context) error {
	var body struct {
		NewID string `json:"newId"`
	}
	_ = c.Bind(&body)

	newID, err := s.mgr().Resume(c.Request().Context(), c.Param("id"), sandbox.ResumeOptions{NewID: body.NewID}, types.SandboxConfig{})
	if err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": newID})
}

func (s *Server) deleteSnapshot(c echo.Context) error {
	ok, err := s.mgr().DeleteSnapshot(c.Param("id"))
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown snapshot id " + c.Param("id")})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) sandboxLogs(c echo.Context) error {
	var (
		logs []types.LogEntry
		err  error
	)
	if query := c.QueryParam("query"); query != "" {
		logs, err = s.mgr().SearchLogs(c.Param("id"), query)
	} else {
		logs, err = s.mgr().GetLogs(c.Param("id"), queryInt(c, "count", 0), "")
	}
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"logs": logs})
}

// queryInt parses a query parameter as an int, returning def on a missing
// or malformed value.
func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) sandboxState(c echo.Context) error {
	state, err := s.mgr().GetCustomState(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	if key := c.QueryParam("key"); key != "" {
		return c.JSON(http.StatusOK, map[string]interface{}{"state": state[key]})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"state": state})
}

func (s *Server) readSandboxFile(c echo.Context) error {
	path := c.Param("*")
	content, err := s.mgr().ReadFile(c.Request().Context(), c.Param("id"), path)
	if err != nil {
		return errJSON(c, http.StatusNotFound, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"path": path, "content": content})
}

func (s *Server) writeSandboxFile(c echo.Context) error {
	var body struct {
		Content string `json:"content"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	path := c.Param("*")
	if err := s.mgr().WriteFile(c.Request().Context(), c.Param("id"), path, body.Content); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "written", "path": path})
}

// sandboxChat streams a chat turn scoped to one sandbox as SSE, per
// spec.md §6.5. The hosted tool plane is shared across sandboxes (every
// tool takes an explicit id argument), so the system prompt pins the model
// to this request's sandbox id instead of rebuilding a plane per request.
func (s *Server) sandboxChat(c echo.Context) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}

	id := c.Param("id")
	summary := s.sandboxContextSummary(id)
	opts := chat.Options{
		SystemPrompt: "You are supervising sandbox \"" + id + "\". Pass id=\"" + id + "\" to every tool call.",
		Plane:        s.getPlane(),
	}
	return streamChat(c, summary, body.Message, opts)
}

func (s *Server) sandboxContextSummary(id string) string {
	logs, err := s.mgr().GetLogs(id, 10, "")
	if err != nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("recent logs:\n")
	for _, l := range logs {
		fmt.Fprintf(&b, "[%s] %s\n", l.Type, l.Message)
	}
	return b.String()
}
