// Package server assembles a grid server: storage, the channel engine,
// federation over gRPC and the admin HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"grid/pkg/channel"
	"grid/pkg/config"
	"grid/pkg/event"
	"grid/pkg/federation"
	"grid/pkg/metrics"
	"grid/pkg/signing"
	"grid/pkg/store"
	"grid/pkg/stream"
)

// Server is one running grid server
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	signer   *signing.Service
	store    store.Store
	notifier *stream.Notifier
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	health   *metrics.HealthMonitor

	resolver *federation.PeerResolver
	pool     *federation.ConnectionPool
	client   *federation.Client
	pusher   *federation.Pusher
	manager  *channel.Manager

	grpcServer   *grpc.Server
	grpcListener net.Listener
	httpServer   *http.Server
	httpListener net.Listener

	stopOnce sync.Once
}

// New builds a server from cfg. It opens the store, loads the signing key
// and restores every persisted channel, but listens on nothing until Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("domain", cfg.Domain))

	signer, err := signing.LoadKeyFile(cfg.SigningKey, cfg.GenerateKey)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	maxEventSize, err := cfg.MaxEventSize()
	if err != nil {
		return nil, err
	}
	peers, err := peersFromConfig(cfg.Federation.Peers)
	if err != nil {
		return nil, err
	}

	if cfg.Store.Backend != store.BackendMemory && cfg.Store.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	st, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	pos, err := st.StreamPosition(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("read stream position: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		signer:   signer,
		store:    st,
		notifier: stream.New(pos),
		registry: prometheus.NewRegistry(),
	}
	s.metrics = metrics.New(s.registry)

	s.resolver = federation.NewPeerResolver(cfg.Domain, peers, federation.ResolverConfig{
		BackoffBase: cfg.Federation.BackoffBase,
		BackoffMax:  cfg.Federation.BackoffMax,
	}, s.metrics, logger.Named("peers"))
	s.pool = federation.NewConnectionPool(5*time.Minute, logger.Named("pool"))
	s.client = federation.NewClient(cfg.Domain, s.resolver, s.pool, cfg.Federation.RequestTimeout, logger.Named("client"))
	s.pusher = federation.NewPusher(cfg.Domain, s.client, federation.VersionFunc(s.channelVersion),
		cfg.Federation.PushWorkers, s.metrics, logger.Named("pusher"))

	fetcher := federation.NewFetcher(cfg.Domain, s.client, s.resolver, logger.Named("fetcher"))
	events, err := event.NewService(cfg.Domain, signer)
	if err != nil {
		s.closeBackends()
		return nil, err
	}
	s.manager, err = channel.NewManager(channel.Deps{
		Domain:    cfg.Domain,
		Store:     st,
		Events:    events,
		Fetcher:   fetcher,
		Publisher: s.pusher,
		Notifier:  s.notifier,
		Observer:  s.metrics,
		Logger:    logger.Named("channels"),
	}, cfg.DefaultChannelVersion)
	if err != nil {
		s.closeBackends()
		return nil, err
	}
	if err := s.manager.Load(ctx); err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("load channels: %w", err)
	}

	fed := federation.NewServer(s.manager, st, s.resolver, s.metrics, maxEventSize, logger.Named("federation"))
	s.grpcServer = grpc.NewServer(grpc.MaxRecvMsgSize(int(maxEventSize) + 4096))
	federation.RegisterFederationServer(s.grpcServer, fed)

	s.health = metrics.NewHealthMonitor(s.metrics, s.resolver, s.manager, s.notifier, logger.Named("health"))
	router := mux.NewRouter()
	joiner := federation.NewJoiner(s.manager, s.client, fetcher, logger.Named("join"))
	NewAPI(s.manager, st, s.notifier, joiner, cfg.Sync.MaxWait, logger.Named("api")).RegisterRoutes(router)
	metrics.NewHealthEndpoint(s.health, s.registry, logger).RegisterHandlers(router)
	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server initialized",
		zap.String("key_id", signer.KeyID()),
		zap.String("store", cfg.Store.Backend),
		zap.Int("channels", len(s.manager.List())),
		zap.Int("peers", len(peers)),
		zap.Int64("stream_position", pos))
	return s, nil
}

// Start listens on the federation and HTTP addresses and serves in the
// background
func (s *Server) Start() error {
	grpcLis, err := net.Listen("tcp", s.cfg.Federation.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Federation.Listen, err)
	}
	httpLis, err := net.Listen("tcp", s.cfg.HTTP.Listen)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTP.Listen, err)
	}
	s.grpcListener = grpcLis
	s.httpListener = httpLis

	go func() {
		if err := s.grpcServer.Serve(grpcLis); err != nil {
			s.logger.Error("Federation server failed", zap.Error(err))
		}
	}()
	go func() {
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	s.health.Start()

	s.logger.Info("Server started",
		zap.String("federation", grpcLis.Addr().String()),
		zap.String("http", httpLis.Addr().String()))
	return nil
}

// Stop shuts the listeners down, releases waiting sync calls, drains
// queued pushes and closes the store
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.health.Stop()
		s.notifier.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.httpListener != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
			}
		}
		if s.grpcListener != nil {
			s.grpcServer.GracefulStop()
		}

		s.closeBackends()
		s.logger.Info("Server stopped")
	})
}

func (s *Server) closeBackends() {
	s.pusher.Close()
	s.pool.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("Failed to close store", zap.Error(err))
	}
}

// FederationAddr returns the bound federation address once started
func (s *Server) FederationAddr() string {
	if s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// HTTPAddr returns the bound admin address once started
func (s *Server) HTTPAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Manager returns the channel manager
func (s *Server) Manager() *channel.Manager {
	return s.manager
}

// Resolver returns the peer resolver
func (s *Server) Resolver() *federation.PeerResolver {
	return s.resolver
}

// Signer returns the server signing key
func (s *Server) Signer() *signing.Service {
	return s.signer
}

func (s *Server) channelVersion(channelID string) (string, error) {
	if s.manager == nil {
		return "", channel.ErrUnknownChannel
	}
	return s.manager.Version(channelID)
}

func peersFromConfig(in []config.PeerConfig) ([]federation.Peer, error) {
	out := make([]federation.Peer, 0, len(in))
	for _, p := range in {
		peer := federation.Peer{Domain: p.Domain, Address: p.Address}
		if p.PublicKey != "" {
			pub, err := signing.ParsePublicKey(p.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("public key of %s: %w", p.Domain, err)
			}
			peer.PublicKey = pub
		}
		out = append(out, peer)
	}
	return out, nil
}
