package federation

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// ConnectionPool keeps one gRPC connection per peer domain
type ConnectionPool struct {
	mu          sync.Mutex
	connections map[string]*pooledConnection
	logger      *zap.Logger

	dialOptions     []grpc.DialOption
	idleTimeout     time.Duration
	cleanupInterval time.Duration

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

type pooledConnection struct {
	conn     *grpc.ClientConn
	address  string
	created  time.Time
	lastUsed time.Time
	useCount int64
}

// NewConnectionPool creates a pool and starts its idle reaper
func NewConnectionPool(idleTimeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) *ConnectionPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	cp := &ConnectionPool{
		connections:     make(map[string]*pooledConnection),
		logger:          logger,
		dialOptions:     opts,
		idleTimeout:     idleTimeout,
		cleanupInterval: idleTimeout / 2,
		stopCleanup:     make(chan struct{}),
	}
	go cp.maintainConnections()
	return cp
}

// GetConnection returns the connection for peer, dialing it if needed.
// Connections are created lazily; the first RPC establishes the transport.
func (cp *ConnectionPool) GetConnection(peer Peer) (*grpc.ClientConn, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if pooled, ok := cp.connections[peer.Domain]; ok {
		if pooled.address == peer.Address && pooled.conn.GetState() != connectivity.Shutdown {
			pooled.lastUsed = time.Now()
			pooled.useCount++
			return pooled.conn, nil
		}
		pooled.conn.Close()
		delete(cp.connections, peer.Domain)
	}

	if peer.Address == "" {
		return nil, fmt.Errorf("no address configured for %s", peer.Domain)
	}
	conn, err := grpc.NewClient(peer.Address, cp.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s at %s: %w", peer.Domain, peer.Address, err)
	}
	now := time.Now()
	cp.connections[peer.Domain] = &pooledConnection{
		conn:     conn,
		address:  peer.Address,
		created:  now,
		lastUsed: now,
		useCount: 1,
	}
	cp.logger.Info("Opened connection to peer",
		zap.String("domain", peer.Domain),
		zap.String("address", peer.Address))
	return conn, nil
}

// Len returns the number of pooled connections
func (cp *ConnectionPool) Len() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.connections)
}

func (cp *ConnectionPool) maintainConnections() {
	ticker := time.NewTicker(cp.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cp.performMaintenance(time.Now())
		case <-cp.stopCleanup:
			return
		}
	}
}

// performMaintenance closes idle and shut down connections
func (cp *ConnectionPool) performMaintenance(now time.Time) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for domain, pooled := range cp.connections {
		idle := now.Sub(pooled.lastUsed) > cp.idleTimeout
		if !idle && pooled.conn.GetState() != connectivity.Shutdown {
			continue
		}
		pooled.conn.Close()
		delete(cp.connections, domain)
		cp.logger.Debug("Removed pooled connection",
			zap.String("domain", domain),
			zap.Bool("idle", idle),
			zap.Int64("uses", pooled.useCount))
	}
}

// Close closes every connection and stops the reaper
func (cp *ConnectionPool) Close() error {
	cp.stopOnce.Do(func() { close(cp.stopCleanup) })

	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, pooled := range cp.connections {
		pooled.conn.Close()
	}
	cp.connections = make(map[string]*pooledConnection)
	return nil
}
