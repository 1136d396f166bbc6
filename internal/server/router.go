package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/couchctl/internal/command"
	"github.com/loykin/couchctl/internal/history"
	"github.com/loykin/couchctl/internal/metrics"
	"github.com/loykin/couchctl/internal/orchestrator"
)

// Service is what the router drives. The couchctl facade implements it.
type Service interface {
	Status(ctx context.Context) orchestrator.ServiceState
	StartAll(ctx context.Context, tunnelName string, onProgress orchestrator.ProgressFunc) command.Result
	StopAll(ctx context.Context) command.Result
	StartDatabase(ctx context.Context, override DatabaseOverride) command.Result
	StopDatabase(ctx context.Context) command.Result
	Detect(ctx context.Context) orchestrator.Detection
	Install(ctx context.Context) command.Result
	Configure(ctx context.Context, req ConfigureRequest) command.Result
	Execute(ctx context.Context, force bool) command.Result
	History() []history.Event
	Resources() []metrics.Sample
}

// DatabaseOverride replaces configured values for one start call.
type DatabaseOverride struct {
	Port    int    `json:"port,omitempty"`
	DataDir string `json:"data_dir,omitempty"`
}

// ConfigureRequest overrides the configured autoconfig target.
type ConfigureRequest struct {
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// StartRequest is the optional body of POST /start.
type StartRequest struct {
	Tunnel string `json:"tunnel,omitempty"`
}

// StartResponse carries the aggregate result and the progress lines.
type StartResponse struct {
	command.Result
	Progress []string `json:"progress"`
}

// Router provides embeddable HTTP handlers for the couchctl service.
// Endpoints:
//
//	GET  {basePath}/status
//	POST {basePath}/start              body: {"tunnel": "..."} (optional)
//	POST {basePath}/stop
//	POST {basePath}/database/start     body: {"port": 5984, "data_dir": "/abs"} (optional)
//	POST {basePath}/database/stop
//	GET  {basePath}/database/resources
//	GET  {basePath}/detect
//	POST {basePath}/install
//	POST {basePath}/configure          body: {"url", "username", "password"} (optional)
//	POST {basePath}/exec               query: force=true
//	GET  {basePath}/history
//	GET  /metrics                      when metrics are enabled
//
// Operation failures are reported in the body with 422; malformed requests get 400.
type Router struct {
	svc      Service
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(svc Service, basePath string) *Router {
	return &Router{svc: svc, basePath: sanitizeBase(basePath)}
}

// WithMetrics mounts h at /metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/database/start", r.handleDatabaseStart)
	group.POST("/database/stop", r.handleDatabaseStop)
	group.GET("/database/resources", r.handleResources)
	group.GET("/detect", r.handleDetect)
	group.POST("/install", r.handleInstall)
	group.POST("/configure", r.handleConfigure)
	group.POST("/exec", r.handleExec)
	group.GET("/history", r.handleHistory)
	return g
}

// NewServer builds the HTTP server for r. The caller runs ListenAndServe
// and Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// install and start can outlast a short write timeout
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

func writeResult(c *gin.Context, res command.Result) {
	code := http.StatusOK
	if !res.Success {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(c, code, res)
}

// bindOptional decodes a JSON body into v when one is present.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Status(c.Request.Context()))
}

func (r *Router) handleStart(c *gin.Context) {
	var req StartRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Tunnel != "" && !isSafeName(req.Tunnel) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid tunnel: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	var progress []string
	res := r.svc.StartAll(c.Request.Context(), req.Tunnel, func(m string) { progress = append(progress, m) })
	code := http.StatusOK
	if !res.Success {
		code = http.StatusUnprocessableEntity
	}
	if progress == nil {
		progress = []string{}
	}
	writeJSON(c, code, StartResponse{Result: res, Progress: progress})
}

func (r *Router) handleStop(c *gin.Context) {
	writeResult(c, r.svc.StopAll(c.Request.Context()))
}

func (r *Router) handleDatabaseStart(c *gin.Context) {
	var o DatabaseOverride
	if !bindOptional(c, &o) {
		return
	}
	if o.Port < 0 || o.Port > 65535 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port"})
		return
	}
	if !isSafeAbsPath(o.DataDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid data_dir: must be absolute path without traversal"})
		return
	}
	writeResult(c, r.svc.StartDatabase(c.Request.Context(), o))
}

func (r *Router) handleDatabaseStop(c *gin.Context) {
	writeResult(c, r.svc.StopDatabase(c.Request.Context()))
}

func (r *Router) handleResources(c *gin.Context) {
	samples := r.svc.Resources()
	if samples == nil {
		samples = []metrics.Sample{}
	}
	writeJSON(c, http.StatusOK, samples)
}

func (r *Router) handleDetect(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.Detect(c.Request.Context()))
}

func (r *Router) handleInstall(c *gin.Context) {
	writeResult(c, r.svc.Install(c.Request.Context()))
}

func (r *Router) handleConfigure(c *gin.Context) {
	var req ConfigureRequest
	if !bindOptional(c, &req) {
		return
	}
	writeResult(c, r.svc.Configure(c.Request.Context(), req))
}

func (r *Router) handleExec(c *gin.Context) {
	force := false
	if s := c.Query("force"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid force: " + s})
			return
		}
		force = b
	}
	writeResult(c, r.svc.Execute(c.Request.Context(), force))
}

func (r *Router) handleHistory(c *gin.Context) {
	events := r.svc.History()
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
