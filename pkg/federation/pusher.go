package federation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"grid/pkg/channel"
	"grid/pkg/event"
)

// ErrPusherClosed is reported for events notified after Close
var ErrPusherClosed = errors.New("pusher is closed")

// VersionSource reports the algorithm version of a tracked channel
type VersionSource interface {
	Version(channelID string) (string, error)
}

// VersionFunc adapts a function to VersionSource
type VersionFunc func(channelID string) (string, error)

// Version calls f
func (f VersionFunc) Version(channelID string) (string, error) {
	return f(channelID)
}

type pushJob struct {
	channelID string
	version   string
	ce        *event.ChannelEvent
	domain    string
}

// Pusher fans locally authored events out to the joined servers of their
// channel. Deliveries run on a bounded worker pool; Notify only queues.
type Pusher struct {
	local    string
	client   *Client
	versions VersionSource
	recorder Recorder
	logger   *zap.Logger

	queue   chan pushJob
	workers *pool.Pool
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ channel.Publisher = (*Pusher)(nil)

// NewPusher starts a pusher with the given number of workers
func NewPusher(local string, client *Client, versions VersionSource, workers int, recorder Recorder, logger *zap.Logger) *Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 4
	}
	p := &Pusher{
		local:    local,
		client:   client,
		versions: versions,
		recorder: recorder,
		logger:   logger,
		queue:    make(chan pushJob, workers*64),
		workers:  pool.New().WithMaxGoroutines(workers),
		done:     make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Notify queues ce for every server in servers except the local one
func (p *Pusher) Notify(channelID string, ce *event.ChannelEvent, servers []string) {
	version := ""
	if p.versions != nil {
		v, err := p.versions.Version(channelID)
		if err != nil {
			p.logger.Warn("Cannot push event of unknown channel",
				zap.String("channel", channelID),
				zap.String("event", ce.ID),
				zap.Error(err))
			return
		}
		version = v
	}
	for _, domain := range servers {
		if domain == "" || domain == p.local {
			continue
		}
		job := pushJob{channelID: channelID, version: version, ce: ce, domain: domain}
		if err := p.enqueue(job); err != nil {
			p.logger.Warn("Dropping push",
				zap.String("channel", channelID),
				zap.String("event", ce.ID),
				zap.String("domain", domain),
				zap.Error(err))
			if p.recorder != nil {
				p.recorder.PushFinished(domain, err, 0)
			}
		}
	}
}

var errQueueFull = errors.New("push queue is full")

func (p *Pusher) enqueue(job pushJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPusherClosed
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return errQueueFull
	}
}

func (p *Pusher) dispatch() {
	defer close(p.done)
	for job := range p.queue {
		p.workers.Go(func() { p.deliver(job) })
	}
	p.workers.Wait()
}

// deliver sends one event to one peer. Failures are not retried here; the
// peer recovers missing events through backfill.
func (p *Pusher) deliver(job pushJob) {
	start := time.Now()
	auth, err := p.client.Push(context.Background(), job.domain, job.version, job.ce.Raw)
	elapsed := time.Since(start)
	if p.recorder != nil {
		p.recorder.PushFinished(job.domain, err, elapsed)
	}
	if err != nil {
		p.logger.Debug("Push failed",
			zap.String("channel", job.channelID),
			zap.String("event", job.ce.ID),
			zap.String("domain", job.domain),
			zap.Error(err))
		return
	}
	if !auth.Allowed() {
		p.logger.Info("Peer rejected pushed event",
			zap.String("channel", job.channelID),
			zap.String("event", job.ce.ID),
			zap.String("domain", job.domain),
			zap.String("reason", auth.Reason))
	}
}

// Close stops accepting events and waits for queued deliveries
func (p *Pusher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}
