// Package api exposes a read-only status surface for the running
// daemon: queue and worker state, the job registry, the execution log
// and prometheus metrics. All mutation happens through the CLI against
// the store, never through HTTP.
package api

import (
	"context"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	hzServer "github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/groupcast/groupcast/internal/config"
	"github.com/groupcast/groupcast/internal/pkg/logs"
	internalprom "github.com/groupcast/groupcast/internal/pkg/prometheus"
	"github.com/groupcast/groupcast/internal/scheduler"
	"github.com/groupcast/groupcast/internal/template"
)

const defaultLogLimit = 50

type Server struct {
	httpServer *hzServer.Hertz
	sched      *scheduler.Scheduler
	templates  *template.Manager
}

// New builds the status server. Routes are registered here; listening
// starts with Start.
func New(cfg config.APIConfig, sched *scheduler.Scheduler, templates *template.Manager) *Server {
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	hlog.SetLogger(logs.NewHlogLogger(logs.DefaultLogger()))

	hzSvr := hzServer.Default(
		hzServer.WithHostPorts(cfg.Bind),
		hzServer.WithReadTimeout(timeout),
		hzServer.WithWriteTimeout(timeout),
		hzServer.WithExitWaitTime(5*time.Second),
	)

	s := &Server{
		httpServer: hzSvr,
		sched:      sched,
		templates:  templates,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.httpServer.GET("/health", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})

	s.httpServer.GET("/status", s.handleStatus)
	s.httpServer.GET("/jobs", s.handleJobs)
	s.httpServer.GET("/logs", s.handleLogs)
	s.httpServer.GET("/templates", s.handleTemplates)
	s.httpServer.GET("/metrics", s.handleMetrics)
}

func (s *Server) Start(ctx context.Context) {
	go s.httpServer.Spin()
	logs.CtxInfo(ctx, "[api] status server listening")
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logs.CtxWarn(ctx, "[api] shutdown error: %v", err)
	}
}

func (s *Server) handleStatus(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, s.sched.Status())
}

func (s *Server) handleJobs(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, s.sched.Jobs())
}

func (s *Server) handleLogs(ctx context.Context, c *app.RequestContext) {
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(consts.StatusBadRequest, utils.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	recs, err := s.sched.RecentExecutions(limit)
	if err != nil {
		logs.CtxError(ctx, "[api] load execution log: %v", err)
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "failed to load execution log"})
		return
	}
	if recs == nil {
		recs = []scheduler.ExecutionRecord{}
	}
	c.JSON(consts.StatusOK, recs)
}

func (s *Server) handleTemplates(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, s.templates.List())
}

// handleMetrics bridges the prometheus text handler onto hertz.
func (s *Server) handleMetrics(ctx context.Context, c *app.RequestContext) {
	req, err := adaptor.GetCompatRequest(&c.Request)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "bad request conversion"})
		return
	}
	w := adaptor.GetCompatResponseWriter(&c.Response)
	promhttp.HandlerFor(internalprom.GetRegistry(), promhttp.HandlerOpts{}).ServeHTTP(w, req)
}
