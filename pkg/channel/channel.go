// Package channel is the per-channel DAG controller. A Channel accepts
// events, runs them through its algorithm, and keeps the frontier and the
// current state of one channel.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"grid/pkg/algo"
	"grid/pkg/event"
	"grid/pkg/state"
	"grid/pkg/store"
	"grid/pkg/stream"
	"grid/pkg/types"
)

var (
	// ErrUnknownChannel is returned for channels this server does not track
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrEventUnavailable is returned by a Fetcher when no peer could
	// supply an event. Backfill skips such events.
	ErrEventUnavailable = errors.New("event unavailable from any peer")
)

// Fetcher retrieves missing events from federation peers. hints are
// domains worth asking first.
type Fetcher interface {
	FetchEvent(ctx context.Context, channelID, eventID string, hints []string) (raw json.RawMessage, from string, err error)
}

// Publisher delivers locally authored events to remote servers. Notify
// must not block on the network.
type Publisher interface {
	Notify(channelID string, ce *event.ChannelEvent, servers []string)
}

// Observer receives processing outcomes, typically for metrics
type Observer interface {
	EventProcessed(channelID string, auth event.Authorization)
	EventFetched(channelID string, ok bool)
}

// Deps are the collaborators shared by every channel of a server
type Deps struct {
	Domain    string
	Store     store.Store
	Events    *event.Service
	Fetcher   Fetcher
	Publisher Publisher
	Notifier  *stream.Notifier
	Observer  Observer
	Logger    *zap.Logger
}

// View is the published head and state of a channel. Views are never
// modified after publication.
type View struct {
	Head  string
	State *state.State
}

// JoinedServers returns the domains with a joined member
func (v *View) JoinedServers() []string {
	return v.State.JoinedServers()
}

// Channel controls one channel. All mutation happens under mu; readers use
// the atomically published view.
type Channel struct {
	id  string
	dao store.ChannelDao
	alg algo.Algorithm

	domain    string
	store     store.Store
	events    *event.Service
	fetcher   Fetcher
	publisher Publisher
	notifier  *stream.Notifier
	observer  Observer
	logger    *zap.Logger

	mu          sync.Mutex
	extremities map[string]struct{}
	view        atomic.Pointer[View]
}

// New binds a channel to its persisted identity and restores its frontier
// and view from the store
func New(ctx context.Context, dao store.ChannelDao, deps Deps) (*Channel, error) {
	alg, err := algo.Lookup(dao.Version)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", dao.ID, err)
	}
	if deps.Store == nil {
		return nil, errors.New("channel requires a store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Channel{
		id:          dao.ID,
		dao:         dao,
		alg:         alg,
		domain:      deps.Domain,
		store:       deps.Store,
		events:      deps.Events,
		fetcher:     deps.Fetcher,
		publisher:   deps.Publisher,
		notifier:    deps.Notifier,
		observer:    deps.Observer,
		logger:      logger.With(zap.String("channel", dao.ID)),
		extremities: make(map[string]struct{}),
	}
	if err := c.restore(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) restore(ctx context.Context) error {
	ids, err := c.store.GetExtremities(ctx, c.id)
	if err != nil {
		return fmt.Errorf("load extremities of %s: %w", c.id, err)
	}
	view := &View{State: state.Empty()}

	var (
		head      string
		headDepth int64 = -1
	)
	for _, id := range ids {
		c.extremities[id] = struct{}{}
		ce, err := c.store.FindEvent(ctx, c.id, id)
		if err != nil {
			return err
		}
		if ce == nil {
			continue
		}
		if d := ce.Depth(); d > headDepth || (d == headDepth && id > head) {
			head, headDepth = id, d
		}
	}
	if head != "" {
		st, err := c.store.GetStateForEvent(ctx, c.id, head)
		if err != nil {
			return fmt.Errorf("load state of %s: %w", c.id, err)
		}
		view = &View{Head: head, State: st}
	}
	c.view.Store(view)
	return nil
}

// ID returns the channel id
func (c *Channel) ID() string {
	return c.id
}

// Version returns the algorithm version of the channel
func (c *Channel) Version() string {
	return c.alg.Version()
}

// View returns the current view without locking
func (c *Channel) View() *View {
	return c.view.Load()
}

// bootstrapped reports whether the state holds every creation event of the
// channel's algorithm
func (c *Channel) bootstrapped() bool {
	st := c.View().State
	if _, ok := st.Create(); !ok {
		return false
	}
	for _, partial := range c.alg.CreationEvents(st.Creator()) {
		scope := ""
		if partial.Scope != nil {
			scope = *partial.Scope
		}
		if _, ok := st.Get(partial.Type, scope); !ok {
			return false
		}
	}
	return true
}

// Extremities returns the current frontier, sorted
func (c *Channel) Extremities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extremityList()
}

func (c *Channel) extremityList() []string {
	out := make([]string, 0, len(c.extremities))
	for id := range c.extremities {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MakeEvent stamps a partial event with the channel, origin, a fresh id,
// the timestamp, the current extremities as parents and the depth. The
// result still has to be finalized before it is offered.
func (c *Channel) MakeEvent(ctx context.Context, partial event.Event) (event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.makeEvent(ctx, partial)
}

func (c *Channel) makeEvent(ctx context.Context, partial event.Event) (event.Event, error) {
	ev := partial
	ev.Version = c.alg.Version()
	ev.Origin = c.domain
	ev.ChannelID = c.id
	if ev.ID == "" {
		ev.ID = types.NewEventID(c.domain)
	}
	ev.Timestamp = time.Now().UnixMilli()
	ev.Hashes = nil
	ev.Signatures = nil
	if ev.Content == nil {
		ev.Content = json.RawMessage(`{}`)
	}

	depth := c.alg.BaseDepth()
	ev.PrevEvents = []string{}
	for _, id := range c.extremityList() {
		parent, err := c.store.FindEvent(ctx, c.id, id)
		if err != nil {
			return event.Event{}, err
		}
		if parent == nil || !parent.Usable() {
			continue
		}
		ev.PrevEvents = append(ev.PrevEvents, id)
		if d := parent.Depth(); d > depth {
			depth = d
		}
	}
	ev.Depth = depth + 1
	return ev, nil
}

// Send builds, finalizes and offers a locally authored event in one
// critical section
func (c *Channel) Send(ctx context.Context, partial event.Event) (event.Authorization, error) {
	if c.events == nil {
		return event.Authorization{}, errors.New("channel has no event service")
	}
	if d := types.DomainOf(partial.Sender); d != c.domain {
		return event.Authorization{}, fmt.Errorf("sender %s is not local to %s", partial.Sender, c.domain)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ev, err := c.makeEvent(ctx, partial)
	if err != nil {
		return event.Authorization{}, err
	}
	raw, err := c.events.FinalizeEvent(ev)
	if err != nil {
		return event.Authorization{}, err
	}
	results, err := c.offer(ctx, true, event.NewChannelEvent(raw, ""))
	if err != nil {
		return event.Authorization{}, err
	}
	return results[0], nil
}

// Event returns a stored event of this channel
func (c *Channel) Event(ctx context.Context, eventID string) (*event.ChannelEvent, error) {
	return c.store.GetEvent(ctx, c.id, eventID)
}
