package federation

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"grid/pkg/channel"
	"grid/pkg/event"
)

var (
	// ErrEventUnavailable is returned when no candidate peer could supply
	// an event
	ErrEventUnavailable = channel.ErrEventUnavailable

	// ErrUnknownPeer is returned for domains with no configured address
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrPeerBackoff is returned while a peer is in its backoff window
	ErrPeerBackoff = errors.New("peer is backing off")
)

// Peer is a remote server this server federates with
type Peer struct {
	Domain    string
	Address   string
	PublicKey ed25519.PublicKey
}

// Recorder receives federation outcomes, typically for metrics
type Recorder interface {
	PeerFailed(domain string)
	PushFinished(domain string, err error, elapsed time.Duration)
	InboundEvent(auth event.Authorization)
}

// ResolverConfig holds backoff parameters
type ResolverConfig struct {
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	JitterFactor float64
}

// DefaultResolverConfig returns the backoff used when none is configured
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		BackoffBase:  500 * time.Millisecond,
		BackoffMax:   5 * time.Minute,
		JitterFactor: 0.2,
	}
}

type peerHealth struct {
	failures    atomic.Int32
	lastFailure atomic.Int64
	retryAfter  atomic.Int64
}

// PeerResolver maps domains to peers and tracks their health. A peer that
// keeps failing is skipped until its backoff window passes.
type PeerResolver struct {
	local    string
	cfg      ResolverConfig
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	peers  map[string]Peer
	health sync.Map // domain -> *peerHealth
}

// NewPeerResolver creates a resolver for the given peers
func NewPeerResolver(local string, peers []Peer, cfg ResolverConfig, recorder Recorder, logger *zap.Logger) *PeerResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultResolverConfig()
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffBase)
	}
	if cfg.JitterFactor < 0 || cfg.JitterFactor >= 1 {
		cfg.JitterFactor = def.JitterFactor
	}

	r := &PeerResolver{
		local:    local,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		peers:    make(map[string]Peer, len(peers)),
	}
	for _, p := range peers {
		r.AddPeer(p)
	}
	return r
}

// AddPeer adds or replaces a peer. The local domain is never a peer.
func (r *PeerResolver) AddPeer(p Peer) {
	if p.Domain == "" || p.Domain == r.local {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.Domain] = p
}

// Resolve returns the peer for domain
func (r *PeerResolver) Resolve(domain string) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[domain]
	if !ok {
		return Peer{}, fmt.Errorf("%w: %s", ErrUnknownPeer, domain)
	}
	return p, nil
}

// PublicKey returns the configured key of domain, if any
func (r *PeerResolver) PublicKey(domain string) (ed25519.PublicKey, bool) {
	p, err := r.Resolve(domain)
	if err != nil || len(p.PublicKey) == 0 {
		return nil, false
	}
	return p.PublicKey, true
}

// Domains returns the configured peer domains, sorted
func (r *PeerResolver) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for d := range r.peers {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// IsAvailable reports whether domain may be contacted now
func (r *PeerResolver) IsAvailable(domain string) bool {
	h := r.healthOf(domain)
	until := h.retryAfter.Load()
	return until == 0 || r.now().UnixNano() >= until
}

// Failures returns the consecutive failure count of domain
func (r *PeerResolver) Failures(domain string) int {
	return int(r.healthOf(domain).failures.Load())
}

// RecordFailure counts a failed exchange and pushes the retry window out
func (r *PeerResolver) RecordFailure(domain string) {
	h := r.healthOf(domain)
	var n int32
	for {
		cur := h.failures.Load()
		n = cur + 1
		if h.failures.CompareAndSwap(cur, n) {
			break
		}
	}
	now := r.now()
	delay := r.calculateBackoff(int(n) - 1)
	h.lastFailure.Store(now.UnixNano())
	h.retryAfter.Store(now.Add(delay).UnixNano())

	if r.recorder != nil {
		r.recorder.PeerFailed(domain)
	}
	r.logger.Debug("Peer failure recorded",
		zap.String("domain", domain),
		zap.Int32("failures", n),
		zap.Duration("backoff", delay))
}

// RecordSuccess clears the failure state of domain
func (r *PeerResolver) RecordSuccess(domain string) {
	h := r.healthOf(domain)
	if h.failures.Swap(0) > 0 {
		r.logger.Info("Peer recovered", zap.String("domain", domain))
	}
	h.retryAfter.Store(0)
}

// PeerCounts returns the number of configured and currently available peers
func (r *PeerResolver) PeerCounts() (total, available int) {
	for _, d := range r.Domains() {
		total++
		if r.IsAvailable(d) {
			available++
		}
	}
	return total, available
}

func (r *PeerResolver) healthOf(domain string) *peerHealth {
	if h, ok := r.health.Load(domain); ok {
		return h.(*peerHealth)
	}
	h, _ := r.health.LoadOrStore(domain, &peerHealth{})
	return h.(*peerHealth)
}

// calculateBackoff returns base * 2^attempt capped at max, with jitter
func (r *PeerResolver) calculateBackoff(attempt int) time.Duration {
	delay := float64(r.cfg.BackoffBase) * math.Pow(2, float64(attempt))
	if delay > float64(r.cfg.BackoffMax) {
		delay = float64(r.cfg.BackoffMax)
	}

	jitter := delay * r.cfg.JitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(r.cfg.BackoffBase)
	}
	return time.Duration(delay)
}

// isPeerFailure reports whether err says the peer itself is unhealthy, as
// opposed to a well-formed refusal
func isPeerFailure(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.Aborted,
		codes.DeadlineExceeded,
		codes.Internal,
		codes.Unknown:
		return true
	default:
		return false
	}
}
