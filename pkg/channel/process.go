package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"grid/pkg/event"
	"grid/pkg/state"
	"grid/pkg/store"
	"grid/pkg/types"
)

// Offer accepts events from any source. Missing ancestors are backfilled
// and parents are processed recursively. Verdicts are returned in input
// order; only store and fetch failures are returned as errors.
func (c *Channel) Offer(ctx context.Context, events ...*event.ChannelEvent) ([]event.Authorization, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offer(ctx, true, events...)
}

// Inject accepts events without backfill. Parents are taken at their
// best-known status instead of being processed first.
func (c *Channel) Inject(ctx context.Context, events ...*event.ChannelEvent) ([]event.Authorization, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offer(ctx, false, events...)
}

// Process evaluates a stored event. A processed event returns its recorded
// verdict unless force is set. A forced re-evaluation authorizes against the
// state before the event, never against the current head.
func (c *Channel) Process(ctx context.Context, eventID string, recursive, force bool) (event.Authorization, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.process(ctx, eventID, recursive, force, map[string]bool{})
}

func (c *Channel) offer(ctx context.Context, recursive bool, events ...*event.ChannelEvent) ([]event.Authorization, error) {
	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	depths := make([]int64, len(events))
	for i, ce := range events {
		depths[i] = ce.Depth()
	}
	sort.SliceStable(order, func(a, b int) bool { return depths[order[a]] < depths[order[b]] })

	batch := make(map[string]struct{}, len(events))
	for _, ce := range events {
		if ce.ID != "" {
			batch[ce.ID] = struct{}{}
		}
	}

	results := make([]event.Authorization, len(events))
	for _, i := range order {
		auth, err := c.offerOne(ctx, events[i], recursive, batch)
		if err != nil {
			return nil, err
		}
		results[i] = auth
	}
	return results, nil
}

func (c *Channel) offerOne(ctx context.Context, in *event.ChannelEvent, recursive bool, batch map[string]struct{}) (event.Authorization, error) {
	ev, err := in.Event()
	if err != nil || in.ID == "" {
		return event.Invalid(in.ID, "malformed event"), nil
	}
	if ev.ChannelID != c.id {
		return event.Invalid(in.ID, fmt.Sprintf("event belongs to channel %s", ev.ChannelID)), nil
	}

	existing, err := c.store.FindEvent(ctx, c.id, in.ID)
	if err != nil {
		return event.Authorization{}, err
	}
	if existing != nil && existing.Meta.Present && existing.Meta.Processed {
		return existing.Authorization(), nil
	}

	ce := in.Clone()
	ce.ChannelID = c.id
	ce.Meta.Processed = false
	if existing != nil {
		ce.SID = existing.SID
		if existing.Meta.FetchedFrom != "" {
			ce.Meta.FetchedFrom = existing.Meta.FetchedFrom
			ce.Meta.FetchedAt = existing.Meta.FetchedAt
		}
	}

	if reason := c.alg.Validate(ce.Raw); reason != "" {
		auth := event.Invalid(ce.ID, reason)
		ce.Record(auth, true)
		if _, err := c.store.SaveEvent(ctx, ce); err != nil {
			return event.Authorization{}, fmt.Errorf("save event %s: %w", ce.ID, err)
		}
		c.observe(auth)
		return auth, nil
	}

	provisional := c.alg.Authorize(c.View().State, ce.ID, ce.Raw)
	c.logger.Debug("Provisional verdict",
		zap.String("event", ce.ID),
		zap.Bool("allowed", provisional.Allowed()),
		zap.String("reason", provisional.Reason))

	if _, err := c.store.SaveEvent(ctx, ce); err != nil {
		return event.Authorization{}, fmt.Errorf("save event %s: %w", ce.ID, err)
	}

	if recursive {
		fetched, err := c.backfillParents(ctx, ce, ev, batch)
		if err != nil {
			return event.Authorization{}, err
		}
		// Ancestors are processed oldest first so recursion stays shallow
		for _, id := range fetched {
			if _, err := c.process(ctx, id, true, false, map[string]bool{}); err != nil {
				return event.Authorization{}, err
			}
		}
	}

	return c.process(ctx, ce.ID, recursive, false, map[string]bool{})
}

// process is the single point of state mutation. visiting guards against
// parent cycles in hostile input.
func (c *Channel) process(ctx context.Context, eventID string, recursive, force bool, visiting map[string]bool) (event.Authorization, error) {
	ce, err := c.store.GetEvent(ctx, c.id, eventID)
	if err != nil {
		return event.Authorization{}, err
	}
	if ce.Meta.Processed && !force {
		return ce.Authorization(), nil
	}
	reprocess := ce.Meta.Processed
	wasAllowed := reprocess && ce.Usable()
	visiting[eventID] = true
	defer delete(visiting, eventID)

	auth, ev, err := c.evaluate(ctx, ce, recursive, reprocess, visiting)
	if err != nil {
		return event.Authorization{}, err
	}
	// Committed events are part of the state; they are never demoted
	if wasAllowed && !auth.Allowed() {
		c.logger.Warn("Re-evaluation disagrees with committed verdict",
			zap.String("event", eventID),
			zap.String("reason", auth.Reason))
		return ce.Authorization(), nil
	}

	ce.Record(auth, true)
	saved, err := c.store.SaveEvent(ctx, ce)
	if err != nil {
		return event.Authorization{}, fmt.Errorf("save event %s: %w", eventID, err)
	}
	c.observe(auth)

	if !auth.Allowed() {
		c.logger.Debug("Event rejected",
			zap.String("event", eventID),
			zap.Bool("valid", auth.Valid),
			zap.String("reason", auth.Reason))
		return auth, nil
	}
	// A forced re-derivation that confirms the verdict has nothing to fold
	if wasAllowed {
		return auth, nil
	}
	if err := c.commit(ctx, saved, ev); err != nil {
		return event.Authorization{}, err
	}
	return auth, nil
}

// evaluate checks parents, depth and authorization without side effects on
// this event. Fresh events are authorized against the current state;
// reprocessed ones against the state of their deepest usable parent.
func (c *Channel) evaluate(ctx context.Context, ce *event.ChannelEvent, recursive, reprocess bool, visiting map[string]bool) (event.Authorization, event.Event, error) {
	if !ce.Meta.Present {
		return event.Invalid(ce.ID, "event payload is not present"), event.Event{}, nil
	}
	ev, err := ce.Event()
	if err != nil {
		return event.Invalid(ce.ID, "malformed event"), event.Event{}, nil
	}
	if reason := c.alg.Validate(ce.Raw); reason != "" {
		return event.Invalid(ce.ID, reason), ev, nil
	}

	maxParentDepth := c.alg.BaseDepth()
	usable := 0
	deepest := ""
	for _, pid := range ev.PrevEvents {
		if visiting[pid] {
			continue
		}
		parent, err := c.store.FindEvent(ctx, c.id, pid)
		if err != nil {
			return event.Authorization{}, ev, err
		}
		if parent == nil {
			continue
		}
		if recursive && parent.Meta.Present && !parent.Meta.Processed {
			if _, err := c.process(ctx, pid, true, false, visiting); err != nil {
				return event.Authorization{}, ev, err
			}
			if parent, err = c.store.GetEvent(ctx, c.id, pid); err != nil {
				return event.Authorization{}, ev, err
			}
		}
		if !parent.Usable() {
			continue
		}
		usable++
		if d := parent.Depth(); d > maxParentDepth || deepest == "" {
			if d > maxParentDepth {
				maxParentDepth = d
			}
			deepest = pid
		}
	}

	if len(ev.PrevEvents) > 0 && usable == 0 {
		return event.Deny(ce.ID, "no valid parent found"), ev, nil
	}
	if ev.Depth != maxParentDepth+1 {
		return event.Invalid(ce.ID, fmt.Sprintf("depth %d does not follow parents, expected %d", ev.Depth, maxParentDepth+1)), ev, nil
	}
	st := c.View().State
	if reprocess {
		if st, err = c.stateBefore(ctx, deepest); err != nil {
			return event.Authorization{}, ev, err
		}
	}
	return c.alg.Authorize(st, ce.ID, ce.Raw), ev, nil
}

// stateBefore returns the state an event with the given deepest parent was
// built on. The create event has no parent and starts from empty.
func (c *Channel) stateBefore(ctx context.Context, parentID string) (*state.State, error) {
	if parentID == "" {
		return state.Empty(), nil
	}
	st, err := c.store.GetStateForEvent(ctx, c.id, parentID)
	var nf *store.NotFoundError
	if errors.As(err, &nf) {
		return c.View().State, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state of %s: %w", parentID, err)
	}
	return st, nil
}

// commit folds an allowed event into the channel and publishes the result
func (c *Channel) commit(ctx context.Context, ce *event.ChannelEvent, ev event.Event) error {
	current := c.View().State
	next := current
	if ev.IsState() {
		var err error
		if next, err = current.Apply(ce); err != nil {
			return err
		}
	}
	stateID, err := c.store.InsertIfNew(ctx, c.id, next)
	if err != nil {
		return fmt.Errorf("save state after %s: %w", ce.ID, err)
	}
	next = next.WithID(stateID)

	pos, err := c.store.Map(ctx, ce.SID, stateID)
	if err != nil {
		return fmt.Errorf("map event %s: %w", ce.ID, err)
	}

	for _, pid := range ev.PrevEvents {
		delete(c.extremities, pid)
	}
	c.extremities[ce.ID] = struct{}{}
	if err := c.store.SetExtremities(ctx, c.id, c.extremityList()); err != nil {
		return fmt.Errorf("save extremities: %w", err)
	}

	view := &View{Head: ce.ID, State: next}
	c.view.Store(view)

	if c.notifier != nil {
		c.notifier.Advance(pos)
	}
	if c.publisher != nil && ev.Origin == c.domain {
		c.publisher.Notify(c.id, ce, pushTargets(current, next, ev))
	}
	c.logger.Debug("Event accepted",
		zap.String("event", ce.ID),
		zap.Int64("depth", ev.Depth),
		zap.Int64("position", pos))
	return nil
}

// pushTargets returns the servers joined after ev. A membership change also
// reaches the servers joined before it and the target's own server, so a
// kicked or banned user's server learns of its removal.
func pushTargets(before, after *state.State, ev event.Event) []string {
	servers := after.JoinedServers()
	if ev.Type != event.TypeMember {
		return servers
	}
	extra := before.JoinedServers()
	if ev.Scope != nil {
		if d := types.DomainOf(*ev.Scope); d != "" {
			extra = append(extra, d)
		}
	}

	seen := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		seen[s] = struct{}{}
	}
	for _, s := range extra {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			servers = append(servers, s)
		}
	}
	sort.Strings(servers)
	return servers
}

func (c *Channel) observe(auth event.Authorization) {
	if c.observer != nil {
		c.observer.EventProcessed(c.id, auth)
	}
}
