package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"grid/pkg/event"
)

// backfillParents fetches the missing ancestors of ev. It returns the ids
// of the events it stored, oldest first.
func (c *Channel) backfillParents(ctx context.Context, ce *event.ChannelEvent, ev event.Event, batch map[string]struct{}) ([]string, error) {
	var frontier []string
	for _, pid := range ev.PrevEvents {
		if _, inBatch := batch[pid]; inBatch {
			continue
		}
		parent, err := c.store.FindEvent(ctx, c.id, pid)
		if err != nil {
			return nil, err
		}
		if parent == nil || !parent.Meta.Present {
			frontier = append(frontier, pid)
		}
	}
	if len(frontier) == 0 {
		return nil, nil
	}

	known := make(map[string]struct{}, len(c.extremities)+len(batch))
	for id := range c.extremities {
		known[id] = struct{}{}
	}
	for id := range batch {
		known[id] = struct{}{}
	}

	hints := c.hints(ce.Meta.ReceivedFrom, ev.Origin)
	return c.backfill(ctx, frontier, known, c.minExtremityDepth(ctx), hints)
}

// backfill walks breadth first from frontier towards the root, fetching
// every event not present locally. It descends into an event's parents only
// while the event is deeper than minDepth, and skips parents in
// knownEarliest. Discovered events are stored unprocessed.
func (c *Channel) backfill(ctx context.Context, frontier []string, knownEarliest map[string]struct{}, minDepth int64, hints []string) ([]string, error) {
	if c.fetcher == nil {
		return nil, nil
	}

	type item struct {
		id   string
		hint string
	}
	queue := make([]item, 0, len(frontier))
	for _, id := range frontier {
		queue = append(queue, item{id: id})
	}
	seen := make(map[string]struct{})
	depths := make(map[string]int64)
	var fetched []string

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if _, ok := seen[it.id]; ok {
			continue
		}
		seen[it.id] = struct{}{}

		existing, err := c.store.FindEvent(ctx, c.id, it.id)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Meta.Present {
			continue
		}

		raw, from, err := c.fetcher.FetchEvent(ctx, c.id, it.id, prepend(it.hint, hints))
		if errors.Is(err, ErrEventUnavailable) {
			c.logger.Warn("Backfill could not find event",
				zap.String("event", it.id),
				zap.Error(err))
			c.fetched(false)
			continue
		}
		if err != nil {
			c.fetched(false)
			return nil, fmt.Errorf("backfill %s: %w", it.id, err)
		}

		ce := event.NewChannelEvent(raw, "")
		ev, err := ce.Event()
		if err != nil || ce.ID != it.id || ev.ChannelID != c.id {
			c.logger.Warn("Peer returned a different event",
				zap.String("event", it.id),
				zap.String("peer", from))
			c.fetched(false)
			continue
		}
		ce.Meta.FetchedFrom = from
		ce.Meta.FetchedAt = time.Now().UTC()
		if existing != nil {
			ce.SID = existing.SID
		}
		if _, err := c.store.SaveEvent(ctx, ce); err != nil {
			return nil, fmt.Errorf("save backfilled event %s: %w", it.id, err)
		}
		c.fetched(true)
		fetched = append(fetched, it.id)
		depths[it.id] = ev.Depth

		if ev.Depth <= minDepth {
			continue
		}
		for _, pid := range ev.PrevEvents {
			if _, ok := knownEarliest[pid]; ok {
				continue
			}
			queue = append(queue, item{id: pid, hint: ev.Origin})
		}
	}

	sort.SliceStable(fetched, func(i, j int) bool { return depths[fetched[i]] < depths[fetched[j]] })
	c.logger.Debug("Backfill finished",
		zap.Int("frontier", len(frontier)),
		zap.Int("fetched", len(fetched)),
		zap.Int64("min_depth", minDepth))
	return fetched, nil
}

// minExtremityDepth bounds backfill by the shallowest event of the frontier
func (c *Channel) minExtremityDepth(ctx context.Context) int64 {
	lowest := int64(-1)
	for id := range c.extremities {
		ce, err := c.store.FindEvent(ctx, c.id, id)
		if err != nil || ce == nil {
			continue
		}
		if d := ce.Depth(); lowest < 0 || d < lowest {
			lowest = d
		}
	}
	if lowest < 0 {
		return c.alg.BaseDepth()
	}
	return lowest
}

// hints lists remote domains likely to hold the channel's events
func (c *Channel) hints(first ...string) []string {
	seen := map[string]struct{}{c.domain: {}, "": {}}
	var out []string
	add := func(d string) {
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	for _, d := range first {
		add(d)
	}
	for _, d := range c.View().JoinedServers() {
		add(d)
	}
	return out
}

func prepend(first string, rest []string) []string {
	if first == "" {
		return rest
	}
	out := []string{first}
	for _, d := range rest {
		if d != first {
			out = append(out, d)
		}
	}
	return out
}

func (c *Channel) fetched(ok bool) {
	if c.observer != nil {
		c.observer.EventFetched(c.id, ok)
	}
}
