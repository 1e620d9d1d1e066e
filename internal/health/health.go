// Package health exposes component health through the standard gRPC health
// service so operators and orchestrators can probe either node.
package health

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/sentinel/internal/monitoring"
)

// Services reported by sentinel nodes.
const (
	ServiceDetector = "sentinel.detector"
	ServiceBuffer   = "sentinel.buffer"
	ServiceLink     = "sentinel.link"
)

// Setter is implemented by anything that can record a component's health.
// Components depend on this rather than on Server.
type Setter interface {
	Set(service string, serving bool)
}

// Nop discards health updates.
type Nop struct{}

func (Nop) Set(string, bool) {}

// Server wraps the gRPC health server and its listener lifecycle.
type Server struct {
	addr   string
	logger *zap.Logger
	hs     *health.Server
	server *grpc.Server

	mu       sync.Mutex
	status   map[string]bool
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates a health server for addr (e.g. ":50051"). Every
// service in services starts SERVING.
func NewServer(addr string, logger *zap.Logger, services ...string) *Server {
	s := &Server{
		addr:   addr,
		logger: monitoring.OrNop(logger),
		hs:     health.NewServer(),
		status: make(map[string]bool),
	}
	for _, svc := range services {
		s.Set(svc, true)
	}
	return s
}

// Set records the status of one service. The overall ("") status is
// SERVING only while every registered service is.
func (s *Server) Set(service string, serving bool) {
	s.mu.Lock()
	prev, known := s.status[service]
	s.status[service] = serving
	all := true
	for _, ok := range s.status {
		all = all && ok
	}
	s.mu.Unlock()

	s.hs.SetServingStatus(service, toStatus(serving))
	s.hs.SetServingStatus("", toStatus(all))
	if known && prev != serving {
		s.logger.Info("health changed", zap.String("service", service), zap.Bool("serving", serving))
	}
}

// Serving reports the last status recorded for service.
func (s *Server) Serving(service string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[service]
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.hs)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			s.logger.Error("gRPC health server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, useful when addr used port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	s.hs.Shutdown()
	s.server.GracefulStop()
	s.wg.Wait()
}

func toStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
