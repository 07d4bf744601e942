package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/condsched/internal/history"
	"github.com/loykin/condsched/internal/metrics"
	"github.com/loykin/condsched/internal/scheduler"
)

// Scheduler is the part of *scheduler.Scheduler the router needs.
type Scheduler interface {
	Phase() scheduler.Phase
	Cycles() int64
	Uptime() time.Duration
	NAliveTotal() int
	HasFreeCapacity() bool
	Snapshot() []scheduler.TaskStatus
	Task(name string) (scheduler.TaskStatus, bool)
	History() *history.Log
	SetDisabled(name string, disabled bool) error
	Stop()
}

// Router provides embeddable HTTP handlers for inspecting a scheduler.
// Endpoints:
//
//	GET  {basePath}/status                 scheduler summary and all tasks
//	GET  {basePath}/tasks/:name            one task
//	POST {basePath}/tasks/:name/disable    stop launching a task
//	POST {basePath}/tasks/:name/enable
//	GET  {basePath}/history                query: task, action (comma list), offset, limit
//	GET  {basePath}/healthz                503 when no process capacity is free
//	POST {basePath}/stop                   begin shutdown
//	GET  {basePath}/metrics                when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sched    Scheduler
	basePath string
	metrics  bool
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(s Scheduler, basePath string, withMetrics bool) *Router {
	return &Router{sched: s, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/tasks/:name", r.handleTask)
	group.POST("/tasks/:name/disable", r.handleToggle(true))
	group.POST("/tasks/:name/enable", r.handleToggle(false))
	group.GET("/history", r.handleHistory)
	group.GET("/healthz", r.handleHealth)
	group.POST("/stop", r.handleStop)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds addr and serves the router in the background. Bind
// errors are returned; the caller shuts the server down.
func NewServer(addr, basePath string, s Scheduler, withMetrics bool) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(s, basePath, withMetrics).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	Phase           string                 `json:"phase"`
	Cycles          int64                  `json:"cycles"`
	Uptime          string                 `json:"uptime"`
	NAlive          int                    `json:"n_alive"`
	HasFreeCapacity bool                   `json:"has_free_capacity"`
	Tasks           []scheduler.TaskStatus `json:"tasks"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, statusResp{
		Phase:           r.sched.Phase().String(),
		Cycles:          r.sched.Cycles(),
		Uptime:          r.sched.Uptime().Round(time.Millisecond).String(),
		NAlive:          r.sched.NAliveTotal(),
		HasFreeCapacity: r.sched.HasFreeCapacity(),
		Tasks:           r.sched.Snapshot(),
	})
}

func (r *Router) handleTask(c *gin.Context) {
	st, ok := r.sched.Task(c.Param("name"))
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown task: " + c.Param("name")})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleToggle(disabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := r.sched.SetDisabled(c.Param("name"), disabled); err != nil {
			code := http.StatusBadRequest
			if errors.Is(err, scheduler.ErrUnknownTask) {
				code = http.StatusNotFound
			}
			writeJSON(c, code, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleHistory(c *gin.Context) {
	actions, err := parseActions(c.Query("action"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	page, err := parsePagination(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	recs := r.sched.History().FilterBy(history.Filter{Task: c.Query("task"), Actions: actions})
	writeJSON(c, http.StatusOK, page.apply(recs))
}

func (r *Router) handleHealth(c *gin.Context) {
	free := r.sched.HasFreeCapacity()
	code := http.StatusOK
	if !free {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, gin.H{"ok": free, "phase": r.sched.Phase().String()})
}

func (r *Router) handleStop(c *gin.Context) {
	r.sched.Stop()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}
