package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"grid/pkg/algo"
	"grid/pkg/store"
	"grid/pkg/types"
)

// Manager creates and tracks the channels of one server
type Manager struct {
	deps           Deps
	defaultVersion string
	logger         *zap.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewManager creates a manager. defaultVersion must name a registered
// algorithm; "" selects algo.DefaultVersion.
func NewManager(deps Deps, defaultVersion string) (*Manager, error) {
	if deps.Domain == "" {
		return nil, errors.New("channel manager requires a domain")
	}
	if deps.Store == nil {
		return nil, errors.New("channel manager requires a store")
	}
	if _, err := algo.Lookup(defaultVersion); err != nil {
		return nil, err
	}
	if defaultVersion == "" {
		defaultVersion = algo.DefaultVersion
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		deps:           deps,
		defaultVersion: defaultVersion,
		logger:         deps.Logger,
		channels:       make(map[string]*Channel),
	}, nil
}

// CreateChannel allocates a channel owned by this server and issues the
// algorithm's bootstrap events as creator. The first rejected bootstrap
// event fails the creation.
func (m *Manager) CreateChannel(ctx context.Context, creator, version string) (*Channel, error) {
	addr, err := types.ParseAddress(creator)
	if err != nil {
		return nil, err
	}
	if addr.Sigil != types.SigilUser {
		return nil, fmt.Errorf("creator %s is not a user", creator)
	}
	if addr.Domain != m.deps.Domain {
		return nil, fmt.Errorf("creator %s is not local to %s", creator, m.deps.Domain)
	}
	if version == "" {
		version = m.defaultVersion
	}
	alg, err := algo.Lookup(version)
	if err != nil {
		return nil, err
	}

	dao, err := m.deps.Store.SaveChannel(ctx, store.ChannelDao{
		ID:      types.NewChannelID(m.deps.Domain),
		Domain:  m.deps.Domain,
		Version: alg.Version(),
	})
	if err != nil {
		return nil, fmt.Errorf("save channel: %w", err)
	}
	ch, err := New(ctx, dao, m.depsSnapshot())
	if err != nil {
		return nil, err
	}

	// A failed bootstrap leaves the record behind; Load skips it
	for _, partial := range alg.CreationEvents(creator) {
		auth, err := ch.Send(ctx, partial)
		if err != nil {
			m.logger.Warn("Channel bootstrap failed", zap.String("channel", dao.ID), zap.Error(err))
			return nil, fmt.Errorf("bootstrap %s: %w", dao.ID, err)
		}
		if !auth.Allowed() {
			m.logger.Warn("Channel bootstrap rejected",
				zap.String("channel", dao.ID),
				zap.String("type", partial.Type),
				zap.String("reason", auth.Reason))
			return nil, fmt.Errorf("bootstrap event %s of %s rejected: %s", partial.Type, dao.ID, auth.Reason)
		}
	}

	m.register(ch)
	m.logger.Info("Channel created",
		zap.String("channel", dao.ID),
		zap.String("creator", creator),
		zap.String("version", alg.Version()))
	return ch, nil
}

// Get returns a tracked channel
func (m *Manager) Get(channelID string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	return ch, nil
}

// Load restores every channel persisted in the store. Local channels whose
// bootstrap never completed are skipped.
func (m *Manager) Load(ctx context.Context) error {
	daos, err := m.deps.Store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	loaded := 0
	for _, dao := range daos {
		ch, err := New(ctx, dao, m.depsSnapshot())
		if err != nil {
			return err
		}
		if dao.Domain == m.deps.Domain && !ch.bootstrapped() {
			m.logger.Warn("Skipping incomplete channel",
				zap.String("channel", dao.ID),
				zap.Int("state", ch.View().State.Len()))
			continue
		}
		m.register(ch)
		loaded++
	}
	m.logger.Info("Channels loaded", zap.Int("count", loaded))
	return nil
}

// GetOrTrack returns the channel, tracking it first if this server has not
// seen it yet. Remote channels are adopted on their first inbound event.
func (m *Manager) GetOrTrack(ctx context.Context, channelID, version string) (*Channel, error) {
	if ch, err := m.Get(channelID); err == nil {
		return ch, nil
	}
	addr, err := types.ParseAddress(channelID)
	if err != nil {
		return nil, err
	}
	if addr.Sigil != types.SigilChannel || addr.Domain == "" {
		return nil, fmt.Errorf("invalid channel id %s", channelID)
	}
	alg, err := algo.Lookup(version)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		return ch, nil
	}
	dao, err := m.deps.Store.SaveChannel(ctx, store.ChannelDao{
		ID:      channelID,
		Domain:  addr.Domain,
		Version: alg.Version(),
	})
	if err != nil {
		return nil, fmt.Errorf("save channel: %w", err)
	}
	ch, err := New(ctx, dao, m.deps)
	if err != nil {
		return nil, err
	}
	m.channels[channelID] = ch
	m.logger.Info("Tracking remote channel",
		zap.String("channel", channelID),
		zap.String("version", alg.Version()))
	return ch, nil
}

// List returns the tracked channel ids, sorted
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.channels))
	for id := range m.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Version returns the algorithm version of a tracked channel
func (m *Manager) Version(channelID string) (string, error) {
	ch, err := m.Get(channelID)
	if err != nil {
		return "", err
	}
	return ch.Version(), nil
}

// Domain returns the local domain
func (m *Manager) Domain() string {
	return m.deps.Domain
}

func (m *Manager) register(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID()] = ch
}

func (m *Manager) depsSnapshot() Deps {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deps
}
