// Package api is the inbound serving layer: a gin engine that adapts
// inbound requests to the forwarder contract, plus the management
// endpoints (destination health report, Prometheus metrics).
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/RelayCore/internal/config"
	"github.com/router-for-me/RelayCore/internal/forwarder"
	"github.com/router-for-me/RelayCore/internal/health"
	"github.com/router-for-me/RelayCore/internal/logging"
	"github.com/router-for-me/RelayCore/internal/telemetry"
	"github.com/router-for-me/RelayCore/internal/transforms"
)

// runtimeRoute is one configured route, resolved for serving.
type runtimeRoute struct {
	prefix   string
	dest     *forwarder.Destination
	pipeline *transforms.Pipeline
}

// Server hosts the proxy. Routes are swappable at runtime so config
// reloads do not interrupt in-flight requests.
type Server struct {
	fwd    *forwarder.Forwarder
	prober *health.Prober
	tel    telemetry.Consumer

	mu     sync.RWMutex
	routes []*runtimeRoute

	engine *gin.Engine
	srv    *http.Server
}

// NewServer wires the engine, middleware, and management endpoints.
func NewServer(cfg *config.Config, fwd *forwarder.Forwarder, prober *health.Prober, tel telemetry.Consumer) (*Server, error) {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if tel == nil {
		tel = telemetry.Nop{}
	}

	s := &Server{fwd: fwd, prober: prober, tel: tel}
	if err := s.UpdateRoutes(cfg); err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(logging.GinRecovery(), logging.GinLogrusLogger())
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/health/destinations", s.handleHealthReport)
	engine.NoRoute(s.handleProxy)
	s.engine = engine

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s, nil
}

// UpdateRoutes swaps the route table from cfg. Longest prefixes win so
// nested routes behave predictably.
func (s *Server) UpdateRoutes(cfg *config.Config) error {
	routes := make([]*runtimeRoute, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		prefix, err := url.Parse(rc.Destination)
		if err != nil {
			return fmt.Errorf("api: route %q destination: %w", rc.PathPrefix, err)
		}
		routes = append(routes, &runtimeRoute{
			prefix:   strings.TrimSuffix(rc.PathPrefix, "/"),
			dest:     &forwarder.Destination{ID: rc.Destination, Prefix: prefix},
			pipeline: buildPipeline(cfg),
		})
	}
	sort.Slice(routes, func(i, j int) bool {
		return len(routes[i].prefix) > len(routes[j].prefix)
	})

	s.mu.Lock()
	s.routes = routes
	s.mu.Unlock()
	return nil
}

// buildPipeline assembles the transform chain configured for every
// route: the X-Forwarded-* defaults and optional response decompression.
func buildPipeline(cfg *config.Config) *transforms.Pipeline {
	p := transforms.NewPipeline()
	p.AddRequest(transforms.DefaultForwarded(
		cfg.Forwarded.For, cfg.Forwarded.Host, cfg.Forwarded.Proto, cfg.Forwarded.Prefix)...)
	if cfg.ResponseDecompress {
		p.AddResponse(transforms.ResponseDecompress{})
	}
	return p
}

func (s *Server) match(path string) *runtimeRoute {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, route := range s.routes {
		if route.prefix == "" {
			return route
		}
		if strings.HasPrefix(path, route.prefix) {
			rest := path[len(route.prefix):]
			if rest == "" || strings.HasPrefix(rest, "/") {
				return route
			}
		}
	}
	return nil
}

// handleProxy adapts a gin request to the forwarder.
func (s *Server) handleProxy(c *gin.Context) {
	route := s.match(c.Request.URL.Path)
	if route == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no route for path"})
		return
	}

	ctx, slot := forwarder.WithErrorSlot(c.Request.Context())
	r := c.Request.WithContext(ctx)

	s.tel.ProxyInvoke(ctx, "default", route.prefix, route.dest.ID)
	if perr := s.fwd.Forward(c.Writer, r, route.dest, route.prefix, route.pipeline); perr != nil {
		_ = c.Error(perr)
		return
	}
	if perr := slot.Get(); perr != nil {
		_ = c.Error(perr)
	}
}

func (s *Server) handleHealthReport(c *gin.Context) {
	if s.prober == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "health probing disabled"})
		return
	}
	c.Data(http.StatusOK, "application/json", s.prober.Report())
}

// Run serves until ctx is canceled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
