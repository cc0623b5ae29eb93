package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"grid/pkg/event"
)

// Client calls the federation service of remote peers
type Client struct {
	local    string
	resolver *PeerResolver
	pool     *ConnectionPool
	timeout  time.Duration
	logger   *zap.Logger
}

// NewClient creates a client calling peers as the local domain
func NewClient(local string, resolver *PeerResolver, pool *ConnectionPool, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		local:    local,
		resolver: resolver,
		pool:     pool,
		timeout:  timeout,
		logger:   logger,
	}
}

// GetEvent asks domain for an event of a channel. A peer that does not
// have the event answers with codes.NotFound.
func (c *Client) GetEvent(ctx context.Context, domain, channelID, eventID string) (json.RawMessage, error) {
	req, err := json.Marshal(getEventRequest{Channel: channelID, Event: eventID})
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, domain, getEventMethod, req)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// Push delivers a locally authored event to domain and returns the
// peer's verdict
func (c *Client) Push(ctx context.Context, domain, version string, raw json.RawMessage) (event.Authorization, error) {
	req, err := json.Marshal(pushRequest{Version: version, Event: raw})
	if err != nil {
		return event.Authorization{}, err
	}
	out, err := c.call(ctx, domain, pushMethod, req)
	if err != nil {
		return event.Authorization{}, err
	}
	var resp pushResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return event.Authorization{}, fmt.Errorf("decode push response from %s: %w", domain, err)
	}
	return resp.Authorization, nil
}

// GetFrontier asks domain for the version and current extremities of a
// channel it tracks
func (c *Client) GetFrontier(ctx context.Context, domain, channelID string) (string, []string, error) {
	req, err := json.Marshal(frontierRequest{Channel: channelID})
	if err != nil {
		return "", nil, err
	}
	out, err := c.call(ctx, domain, frontierMethod, req)
	if err != nil {
		return "", nil, err
	}
	var resp frontierResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", nil, fmt.Errorf("decode frontier from %s: %w", domain, err)
	}
	return resp.Version, resp.Extremities, nil
}

func (c *Client) call(ctx context.Context, domain, method string, payload []byte) ([]byte, error) {
	peer, err := c.resolver.Resolve(domain)
	if err != nil {
		return nil, err
	}
	if !c.resolver.IsAvailable(domain) {
		return nil, fmt.Errorf("%w: %s", ErrPeerBackoff, domain)
	}
	conn, err := c.pool.GetConnection(peer)
	if err != nil {
		c.resolver.RecordFailure(domain)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, originHeader, c.local)

	out := new(wrapperspb.BytesValue)
	err = conn.Invoke(ctx, method, wrapperspb.Bytes(payload), out)
	if err != nil {
		if isPeerFailure(err) {
			c.resolver.RecordFailure(domain)
		} else {
			c.resolver.RecordSuccess(domain)
		}
		c.logger.Debug("Federation call failed",
			zap.String("domain", domain),
			zap.String("method", method),
			zap.Error(err))
		return nil, err
	}
	c.resolver.RecordSuccess(domain)
	return out.GetValue(), nil
}

// isNotFound reports whether err is a peer's answer that it lacks the item
func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
