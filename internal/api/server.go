package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var ErrNoManager = errors.New("download manager is required")

type Server struct {
	router *gin.Engine

	httpSrv *http.Server
}

type ServerOptions struct {
	Manager downloadManager
	Remote  remoteHealth
	Logger  *zap.Logger
	Addr    string

	// Mode selects gin's mode (debug, release, test). Empty keeps the
	// process-wide mode as is.
	Mode string

	// RunContext is handed to downloads started over the API so they
	// stop on shutdown, not when the HTTP request ends.
	RunContext context.Context
}

func NewServer(opts *ServerOptions) (*Server, error) {
	if opts.Manager == nil {
		return nil, ErrNoManager
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	runCtx := opts.RunContext
	if runCtx == nil {
		runCtx = context.Background()
	}
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}

	router := gin.New()
	router.Use(
		RecoveryMiddleware(opts.Logger),
		RequestIDMiddleware(),
		LoggingMiddleware(opts.Logger),
	)

	h := NewHandler(runCtx, opts.Manager, opts.Remote, opts.Logger)
	setupRouter(router, h)

	return &Server{
		router: router,
		httpSrv: &http.Server{
			Addr:    opts.Addr,
			Handler: router,
		}}, nil
}

func (s *Server) Run() error {
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) Router() http.Handler {
	return s.router
}

func setupRouter(router *gin.Engine, h *handler) {
	group := router.Group("/")
	group.GET("/healthz", h.healthz)
	group.POST("/tasks", h.createTask)
	group.GET("/tasks", h.listTasks)
	group.GET("/tasks/:id", h.getTask)
	group.DELETE("/tasks/:id", h.cancelTask)
}
