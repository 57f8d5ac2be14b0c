package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/portwatch"
)

// Server exposes the engine over HTTP.
type Server struct {
	engine *portwatch.Engine
	router *gin.Engine
	srv    *http.Server
	log    zerolog.Logger
}

func NewServer(engine *portwatch.Engine, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(RequestID(), Logger(), gin.Recovery())

	s := &Server{
		engine: engine,
		router: router,
		srv:    &http.Server{Addr: addr, Handler: router},
		log:    log.With().Str("component", "web").Logger(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	h := NewHandler(s.engine)

	s.router.GET("/healthz", h.Healthz)

	api := s.router.Group("/api")
	api.GET("/status", h.Status)
	api.POST("/refresh", h.Refresh)

	services := api.Group("/services")
	services.GET("", h.ListServices)
	services.POST("", h.CreateService)
	services.GET("/:id", h.GetService)
	services.PUT("/:id", h.UpdateService)
	services.DELETE("/:id", h.DeleteService)
	services.GET("/:id/history", h.History)
	services.POST("/:id/check", h.CheckService)
	services.POST("/:id/detect", h.DetectService)
	services.PUT("/:id/credentials", h.SetCredentials)
	services.Any("/:id/proxy", h.Proxy)
}

// Router exposes the mux so tests can drive it directly.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run blocks serving requests until the listener closes.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("listening")

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "web server failed")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
