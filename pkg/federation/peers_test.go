package federation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"grid/pkg/event"
)

type countingRecorder struct {
	mu      sync.Mutex
	failed  map[string]int
	pushed  map[string]int
	dropped map[string][]error
	inbound []event.Authorization
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{failed: map[string]int{}, pushed: map[string]int{}, dropped: map[string][]error{}}
}

func (r *countingRecorder) PeerFailed(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[domain]++
}

func (r *countingRecorder) PushFinished(domain string, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.pushed[domain]++
		return
	}
	r.dropped[domain] = append(r.dropped[domain], err)
}

func (r *countingRecorder) InboundEvent(auth event.Authorization) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = append(r.inbound, auth)
}

func (r *countingRecorder) pushes(domain string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushed[domain]
}

func (r *countingRecorder) pushErrors(domain string) []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.dropped[domain]...)
}

func newTestResolver(recorder Recorder, peers ...Peer) *PeerResolver {
	return NewPeerResolver("a.example", peers, ResolverConfig{
		BackoffBase:  100 * time.Millisecond,
		BackoffMax:   time.Second,
		JitterFactor: 0.2,
	}, recorder, zap.NewNop())
}

func TestCalculateBackoff(t *testing.T) {
	r := newTestResolver(nil)

	tests := []struct {
		attempt int
		nominal time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := r.calculateBackoff(tt.attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(tt.nominal)*0.8), "attempt %d", tt.attempt)
			assert.LessOrEqual(t, d, time.Duration(float64(tt.nominal)*1.2), "attempt %d", tt.attempt)
		}
	}
}

func TestResolverConfigDefaults(t *testing.T) {
	r := NewPeerResolver("a.example", nil, ResolverConfig{JitterFactor: 3}, nil, nil)
	def := DefaultResolverConfig()
	assert.Equal(t, def.BackoffBase, r.cfg.BackoffBase)
	assert.Equal(t, def.BackoffMax, r.cfg.BackoffMax)
	assert.Equal(t, def.JitterFactor, r.cfg.JitterFactor)
}

func TestResolve(t *testing.T) {
	r := newTestResolver(nil,
		Peer{Domain: "b.example", Address: "127.0.0.1:9001"},
		Peer{Domain: "a.example", Address: "127.0.0.1:9000"},
		Peer{Domain: "c.example", Address: "127.0.0.1:9002", PublicKey: make([]byte, 32)},
	)

	p, err := r.Resolve("b.example")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", p.Address)

	_, err = r.Resolve("a.example")
	assert.True(t, errors.Is(err, ErrUnknownPeer), "local domain is not a peer")

	_, err = r.Resolve("z.example")
	assert.True(t, errors.Is(err, ErrUnknownPeer))

	_, ok := r.PublicKey("b.example")
	assert.False(t, ok)
	_, ok = r.PublicKey("c.example")
	assert.True(t, ok)

	assert.Equal(t, []string{"b.example", "c.example"}, r.Domains())
}

func TestBackoffWindow(t *testing.T) {
	rec := newCountingRecorder()
	r := newTestResolver(rec, Peer{Domain: "b.example", Address: "x"})
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	assert.True(t, r.IsAvailable("b.example"))

	r.RecordFailure("b.example")
	assert.False(t, r.IsAvailable("b.example"))
	assert.Equal(t, 1, r.Failures("b.example"))
	assert.Equal(t, 1, rec.failed["b.example"])

	total, available := r.PeerCounts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, available)

	now = now.Add(2 * time.Second)
	assert.True(t, r.IsAvailable("b.example"), "window has passed")

	r.RecordFailure("b.example")
	assert.Equal(t, 2, r.Failures("b.example"))
	r.RecordSuccess("b.example")
	assert.Equal(t, 0, r.Failures("b.example"))
	assert.True(t, r.IsAvailable("b.example"))
}

func TestRecordFailureConcurrent(t *testing.T) {
	r := newTestResolver(nil, Peer{Domain: "b.example", Address: "x"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordFailure("b.example")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Failures("b.example"))
}

func TestIsPeerFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("dial failed"), true},
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"internal", status.Error(codes.Internal, "boom"), true},
		{"not found", status.Error(codes.NotFound, "missing"), false},
		{"permission denied", status.Error(codes.PermissionDenied, "no"), false},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"canceled", status.Error(codes.Canceled, "gone"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isPeerFailure(tt.err))
		})
	}
}
