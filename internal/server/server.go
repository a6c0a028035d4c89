package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chatty-Inc/chatty2-backend/internal/ban"
	"github.com/Chatty-Inc/chatty2-backend/internal/config"
	"github.com/Chatty-Inc/chatty2-backend/internal/keydir"
	"github.com/Chatty-Inc/chatty2-backend/internal/mailbox"
	"github.com/Chatty-Inc/chatty2-backend/internal/registry"
	"github.com/Chatty-Inc/chatty2-backend/internal/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// RelayServer wires dependencies and hosts the client listener plus the
// operational endpoints.
type RelayServer struct {
	cfg    config.Config
	log    *zap.Logger
	store  mailbox.Store
	gate   *ban.Gate
	sealer mailbox.Sealer

	relay      *Relay
	clientHTTP *http.Server
	adminHTTP  *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	metrics    *relayMetrics
	ready      atomic.Bool

	mu       sync.Mutex
	addr     net.Addr
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewRelayServer constructs a server. sealer may be nil.
func NewRelayServer(cfg config.Config, logger *zap.Logger, store mailbox.Store, gate *ban.Gate, sealer mailbox.Sealer) *RelayServer {
	if gate == nil {
		gate = ban.NewGate()
	}
	return &RelayServer{
		cfg:     cfg,
		log:     logger,
		store:   store,
		gate:    gate,
		sealer:  sealer,
		stopped: make(chan struct{}),
	}
}

// Addr returns the bound client listener address once Start is listening.
func (s *RelayServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready reports whether the client listener is serving.
func (s *RelayServer) Ready() bool {
	return s.ready.Load()
}

// Start boots the relay and blocks until ctx is cancelled or the listener fails.
func (s *RelayServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.mu.Lock()
	s.addr = lis.Addr()
	s.mu.Unlock()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newRelayMetrics(reg)
	s.startAdminServer(reg)
	if err := s.startHealthServer(); err != nil {
		_ = lis.Close()
		return err
	}

	presence := registry.NewPresence()
	mb := mailbox.New(s.store, mailbox.Options{
		Sealer:        s.sealer,
		RetryAttempts: s.cfg.Store.RetryAttempts,
		RetryBackoff:  s.cfg.Store.RetryBackoff,
		Log:           s.log.Named("mailbox"),
		OnStoreError:  func(op string, _ error) { s.metrics.recordStoreError(op) },
	})
	s.relay = NewRelay(RelayOptions{
		Log:               s.log.Named("relay"),
		Gate:              s.gate,
		Presence:          presence,
		Keys:              keydir.New(),
		Router:            router.New(presence, mb, s.log.Named("router")),
		Mailbox:           mb,
		Metrics:           s.metrics,
		Session:           s.cfg.Session,
		TrustForwardedFor: s.cfg.TrustForwardedFor,
	})

	s.clientHTTP = &http.Server{
		Handler:           s.relay,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.setReady(true)
	if s.cfg.Debug() {
		s.log.Info("relay listening (plaintext)", zap.String("address", lis.Addr().String()))
		err = s.clientHTTP.Serve(lis)
	} else {
		s.log.Info("relay listening (tls)", zap.String("address", lis.Addr().String()),
			zap.String("cert", s.cfg.TLS.CertPath))
		err = s.clientHTTP.ServeTLS(lis, s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.setReady(false)
		return fmt.Errorf("serve relay: %w", err)
	}
	<-s.stopped
	return nil
}

func (s *RelayServer) setReady(ready bool) {
	s.ready.Store(ready)
	if s.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.Admin.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

func (s *RelayServer) startHealthServer() error {
	if s.cfg.Admin.GRPCAddress == "" {
		return nil
	}
	lis, err := net.Listen("tcp", s.cfg.Admin.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Admin.GRPCAddress, err)
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Minute,
			PermitWithoutStream: true,
		}),
	)
	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Warn("health server stopped", zap.Error(err))
		}
	}()
	s.log.Info("gRPC health server listening", zap.String("address", s.cfg.Admin.GRPCAddress))
	return nil
}

// Shutdown stops accepting clients, closes live sessions and stops the
// operational endpoints, forcing termination when ctx expires.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.setReady(false)

		if s.clientHTTP != nil {
			if err := s.clientHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("relay listener shutdown", zap.Error(err))
			}
		}
		if s.relay != nil {
			if err := s.relay.Close(ctx); err != nil {
				s.log.Warn("sessions still open at shutdown deadline", zap.Error(err))
			}
		}
		if s.adminHTTP != nil {
			if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("admin server shutdown", zap.Error(err))
			}
		}
		if s.grpcServer != nil {
			s.health.Shutdown()
			done := make(chan struct{})
			go func() {
				s.grpcServer.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				s.log.Warn("graceful shutdown timed out; forcing stop")
				s.grpcServer.Stop()
			}
		}
		s.log.Info("relay stopped")
		close(s.stopped)
	})
}
