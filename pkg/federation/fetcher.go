package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"grid/pkg/channel"
	"grid/pkg/event"
)

// Fetcher retrieves missing events from peers for backfill
type Fetcher struct {
	local    string
	client   *Client
	resolver *PeerResolver
	logger   *zap.Logger
}

var _ channel.Fetcher = (*Fetcher)(nil)

// NewFetcher creates a fetcher over client
func NewFetcher(local string, client *Client, resolver *PeerResolver, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{local: local, client: client, resolver: resolver, logger: logger}
}

// FetchEvent asks the hinted domains in order. Peers in backoff, peers that
// lack the event and peers returning a forged copy are skipped; once every
// candidate is exhausted the result is ErrEventUnavailable.
func (f *Fetcher) FetchEvent(ctx context.Context, channelID, eventID string, hints []string) (json.RawMessage, string, error) {
	var lastErr error
	for _, domain := range f.candidates(hints) {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		if !f.resolver.IsAvailable(domain) {
			continue
		}

		raw, err := f.client.GetEvent(ctx, domain, channelID, eventID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			if !isNotFound(err) {
				lastErr = err
			}
			continue
		}
		if err := f.check(raw, channelID, eventID); err != nil {
			f.logger.Warn("Discarding fetched event",
				zap.String("channel", channelID),
				zap.String("event", eventID),
				zap.String("domain", domain),
				zap.Error(err))
			lastErr = err
			continue
		}
		return raw, domain, nil
	}

	if lastErr != nil {
		f.logger.Debug("Event unavailable",
			zap.String("channel", channelID),
			zap.String("event", eventID),
			zap.Error(lastErr))
	}
	return nil, "", fmt.Errorf("%w: %s", ErrEventUnavailable, eventID)
}

// candidates returns the hinted domains without duplicates, the local
// domain or unknown peers
func (f *Fetcher) candidates(hints []string) []string {
	seen := make(map[string]struct{}, len(hints))
	out := make([]string, 0, len(hints))
	for _, d := range hints {
		if d == "" || d == f.local {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		if _, err := f.resolver.Resolve(d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (f *Fetcher) check(raw json.RawMessage, channelID, eventID string) error {
	ev, err := event.Parse(raw)
	if err != nil {
		return err
	}
	if ev.ID != eventID || ev.ChannelID != channelID {
		return errors.New("peer returned a different event")
	}
	return authenticate(f.resolver, raw, ev.Origin)
}
