package federation

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"grid/pkg/channel"
	"grid/pkg/event"
	"grid/pkg/types"
)

// Joiner lets local users join channels that live on other servers
type Joiner struct {
	manager *channel.Manager
	client  *Client
	fetcher *Fetcher
	logger  *zap.Logger
}

// NewJoiner creates a joiner
func NewJoiner(manager *channel.Manager, client *Client, fetcher *Fetcher, logger *zap.Logger) *Joiner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Joiner{manager: manager, client: client, fetcher: fetcher, logger: logger}
}

// Join asks via for the frontier of channelID, pulls the frontier events
// (and through backfill their ancestry) into the local copy, then sends a
// join for user. via defaults to the channel's own domain.
func (j *Joiner) Join(ctx context.Context, channelID, user, via string) (event.Authorization, error) {
	if via == "" {
		via = types.DomainOf(channelID)
	}
	if via == "" || via == j.manager.Domain() {
		return event.Authorization{}, fmt.Errorf("no remote server to join %s through", channelID)
	}

	version, frontier, err := j.client.GetFrontier(ctx, via, channelID)
	if err != nil {
		return event.Authorization{}, fmt.Errorf("frontier of %s from %s: %w", channelID, via, err)
	}
	if len(frontier) == 0 {
		return event.Authorization{}, fmt.Errorf("%s reported an empty frontier for %s", via, channelID)
	}
	ch, err := j.manager.GetOrTrack(ctx, channelID, version)
	if err != nil {
		return event.Authorization{}, err
	}

	var heads []*event.ChannelEvent
	for _, id := range frontier {
		raw, from, err := j.fetcher.FetchEvent(ctx, channelID, id, []string{via})
		if err != nil {
			return event.Authorization{}, fmt.Errorf("fetch frontier event %s: %w", id, err)
		}
		heads = append(heads, event.NewChannelEvent(raw, from))
	}
	results, err := ch.Offer(ctx, heads...)
	if err != nil {
		return event.Authorization{}, err
	}
	for _, auth := range results {
		if !auth.Allowed() {
			j.logger.Warn("Frontier event rejected while joining",
				zap.String("channel", channelID),
				zap.String("event", auth.EventID),
				zap.String("reason", auth.Reason))
		}
	}

	scope := user
	auth, err := ch.Send(ctx, event.Event{
		Type:    event.TypeMember,
		Sender:  user,
		Scope:   &scope,
		Content: json.RawMessage(`{"action":"join"}`),
	})
	if err != nil {
		return event.Authorization{}, err
	}
	j.logger.Info("Joined remote channel",
		zap.String("channel", channelID),
		zap.String("user", user),
		zap.String("via", via),
		zap.Bool("allowed", auth.Allowed()))
	return auth, nil
}
