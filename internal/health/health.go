// Package health exposes liveness and readiness over both gRPC (the
// standard health-checking protocol) and a small Fiber HTTP server, so
// every binary can be probed the same way regardless of its own
// domain-specific protocol.
package health

import (
	"context"
	"sync"

	"github.com/gofiber/fiber/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Checker reports whether a dependency (KV store, bus connection) is
// currently reachable. A binary registers one Checker per dependency it
// cannot run without.
type Checker func(ctx context.Context) error

// Server tracks liveness (the process is up) and readiness (every
// registered Checker currently succeeds) and serves both over gRPC's
// standard health protocol and a Fiber HTTP server.
type Server struct {
	mu       sync.RWMutex
	checkers map[string]Checker

	grpcHealth *health.Server
}

// NewServer constructs a Server with no registered checkers; it reports
// SERVING until a checker is registered and fails.
func NewServer() *Server {
	return &Server{
		checkers:   make(map[string]Checker),
		grpcHealth: health.NewServer(),
	}
}

// Register adds a named readiness dependency.
func (s *Server) Register(name string, checker Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// RegisterGRPC wires this Server's health reporting into a grpc.Server
// using the standard grpc_health_v1 service.
func (s *Server) RegisterGRPC(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, s.grpcHealth)
	s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

// Ready runs every registered checker and reports the first failure, if
// any. A binary with no registered checkers is always ready.
func (s *Server) Ready(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, check := range s.checkers {
		if err := check(ctx); err != nil {
			s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return readinessError{dependency: name, cause: err}
		}
	}
	s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return nil
}

type readinessError struct {
	dependency string
	cause      error
}

func (e readinessError) Error() string {
	return e.dependency + ": " + e.cause.Error()
}

func (e readinessError) Unwrap() error { return e.cause }

// HTTPApp builds the Fiber app serving /healthz (liveness, always 200 once
// the process is up) and /readyz (200 only when every checker passes).
func (s *Server) HTTPApp() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/readyz", func(c *fiber.Ctx) error {
		if err := s.Ready(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not_ready",
				"reason": err.Error(),
			})
		}
		return c.JSON(fiber.Map{"status": "ready"})
	})

	return app
}
