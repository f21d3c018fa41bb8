// Package api is the HTTP surface of mpvserve: directory browsing, range
// streaming of media files and a few management endpoints.
package api

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/mpvserve/mpvserve/internal/listing"
	"github.com/mpvserve/mpvserve/internal/progress"
)

// Options holds the dependencies of the server
type Options struct {
	// RootDir is the absolute media root.
	RootDir       string
	Fs            afero.Fs
	Lister        *listing.Lister
	Persister     *progress.Persister
	StreamTracker *StreamTracker
	// Gatherer backs /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server wires the fiber app to the listing and streaming components
type Server struct {
	app           *fiber.App
	rootDir       string
	fs            afero.Fs
	lister        *listing.Lister
	persister     *progress.Persister
	streamTracker *StreamTracker
	logger        *slog.Logger
	templates     *template.Template
	ready         atomic.Bool
}

// NewServer creates the server and registers its routes
func NewServer(opts Options) (*Server, error) {
	if opts.Fs == nil || opts.Lister == nil || opts.Persister == nil {
		return nil, errors.New("api: filesystem, lister and persister are required")
	}
	if opts.StreamTracker == nil {
		opts.StreamTracker = NewStreamTracker()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "api")
	}

	tmpl, err := parseTemplates()
	if err != nil {
		return nil, err
	}

	s := &Server{
		rootDir:       opts.RootDir,
		fs:            opts.Fs,
		lister:        opts.Lister,
		persister:     opts.Persister,
		streamTracker: opts.StreamTracker,
		logger:        opts.Logger,
		templates:     tmpl,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "mpvserve",
		DisableStartupMessage: true,
		// Handler values outlive the request in the stream registry.
		Immutable:    true,
		UnescapePath: true,
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger)
	s.setupRoutes(opts.Gatherer)

	return s, nil
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.app.Get("/", func(c *fiber.Ctx) error {
		return c.Redirect("/browse/", fiber.StatusFound)
	})
	s.app.Get("/browse/*", s.handleBrowse)
	s.app.Get("/files/*", s.handleFiles)

	api := s.app.Group("/api")
	api.Get("/browse/*", s.handleAPIBrowse)
	api.Get("/streams", s.handleListStreams)
	api.Delete("/streams/:id", s.handleKillStream)
	api.Get("/health", s.handleHealth)

	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.DebugContext(c.UserContext(), "HTTP request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start),
		"error", err)
	return err
}

// App exposes the fiber app, mostly for tests
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown is called
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for open ones until ctx is
// done. Streams cut short are closed, which still records their progress.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) IsReady() bool {
	return s.ready.Load()
}

func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// handleHealth reports readiness and the number of open streams
func (s *Server) handleHealth(c *fiber.Ctx) error {
	if !s.IsReady() {
		return RespondServiceUnavailable(c, "Server is starting", "Storage is not ready yet")
	}
	return RespondSuccess(c, fiber.Map{
		"status":         "ok",
		"active_streams": len(s.streamTracker.GetAll()),
	})
}

func (s *Server) handleListStreams(c *fiber.Ctx) error {
	return RespondSuccess(c, fiber.Map{
		"active":  s.streamTracker.GetAll(),
		"history": s.streamTracker.GetHistory(),
	})
}

func (s *Server) handleKillStream(c *fiber.Ctx) error {
	id := c.Params("id")
	if !s.streamTracker.KillStream(id) {
		return RespondNotFound(c, "Stream", id)
	}
	return RespondMessage(c, "Stream closed")
}
