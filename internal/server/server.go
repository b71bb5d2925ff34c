// Package server is the agent's admin plane: health, metrics, and run
// control over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/danmuck/convergectl/internal/auth"
	"github.com/danmuck/convergectl/internal/observability"
	"github.com/danmuck/convergectl/internal/resource"
)

// Runs is the part of the agent the admin plane drives.
type Runs interface {
	Start(ctx context.Context) error
	Busy() bool
	Last() (resource.Report, bool)
	Ready() bool
}

type Config struct {
	Host        string
	Addr        string
	CorsOrigins []string
	// Validator guards POST /runs. Nil disables the route.
	Validator auth.Validator
	TLS       *tls.Config
	Runs      Runs
}

type Server struct {
	host      string
	addr      string
	runs      Runs
	validator auth.Validator
	tls       *tls.Config
	router    *gin.Engine
	started   time.Time
	// runCtx outlives the request that starts a run.
	runCtx context.Context
}

func New(cfg Config) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.Component("http", cfg.Host)))
	r.Use(observability.RequestMetricsMiddleware(cfg.Host))
	if origins := normalizeOrigins(cfg.CorsOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		host:      cfg.Host,
		addr:      cfg.Addr,
		runs:      cfg.Runs,
		validator: cfg.Validator,
		tls:       cfg.TLS,
		router:    r,
		started:   time.Now(),
		runCtx:    context.Background(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens until ctx is done, then shuts down gracefully. Runs started
// over HTTP are tied to ctx.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.runCtx = ctx
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         s.tls,
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger := observability.Component("http", s.host)
	logger.Info().Str("addr", ln.Addr().String()).Bool("tls", s.tls != nil).Msg("admin plane listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
