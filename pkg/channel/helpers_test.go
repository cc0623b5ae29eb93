package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"grid/pkg/event"
	"grid/pkg/signing"
	"grid/pkg/store"
	"grid/pkg/stream"
)

const (
	alice     = "@alice:a.example"
	remoteID  = "#room:a.example"
	remoteDom = "a.example"
)

func newDeps(t testing.TB, domain string, fetcher Fetcher, publisher Publisher) Deps {
	t.Helper()
	signer, err := signing.FromSeed(make([]byte, 32))
	require.NoError(t, err)
	svc, err := event.NewService(domain, signer)
	require.NoError(t, err)
	return Deps{
		Domain:    domain,
		Store:     store.NewMemory(),
		Events:    svc,
		Fetcher:   fetcher,
		Publisher: publisher,
		Notifier:  stream.New(0),
	}
}

func newManager(t testing.TB, deps Deps) *Manager {
	t.Helper()
	m, err := NewManager(deps, "")
	require.NoError(t, err)
	return m
}

// dag builds raw events of a remote channel authored by alice
type dag struct {
	t      testing.TB
	n      int
	raws   map[string]json.RawMessage
	depths map[string]int64
	order  []string
}

func newDAG(t testing.TB) *dag {
	return &dag{t: t, raws: map[string]json.RawMessage{}, depths: map[string]int64{}}
}

func (d *dag) add(evType string, scope *string, content string, parents ...string) string {
	d.n++
	id := fmt.Sprintf("$e%d:%s", d.n, remoteDom)
	depth := int64(0)
	for _, p := range parents {
		if d.depths[p] > depth {
			depth = d.depths[p]
		}
	}
	ev := event.Event{
		Version:    "0",
		Type:       evType,
		ID:         id,
		Origin:     remoteDom,
		Sender:     alice,
		ChannelID:  remoteID,
		Scope:      scope,
		PrevEvents: append([]string{}, parents...),
		Depth:      depth + 1,
		Timestamp:  int64(d.n),
		Content:    json.RawMessage(content),
	}
	raw, err := ev.Marshal()
	require.NoError(d.t, err)
	d.raws[id] = raw
	d.depths[id] = depth + 1
	d.order = append(d.order, id)
	return id
}

// bootstrap adds create, join and power events and returns their ids
func (d *dag) bootstrap() (string, string, string) {
	create := d.add(event.TypeCreate, event.StateScope(""), `{"creator":"`+alice+`"}`)
	join := d.add(event.TypeMember, event.StateScope(alice), `{"action":"join"}`, create)
	power := d.add(event.TypePower, event.StateScope(""), fmt.Sprintf(`{"users":{"%s":%d}}`, alice, int64(math.MaxInt64)), join)
	return create, join, power
}

func (d *dag) message(parents ...string) string {
	return d.add(event.TypeMessage, nil, `{"body":"hi"}`, parents...)
}

func (d *dag) ce(ids ...string) []*event.ChannelEvent {
	out := make([]*event.ChannelEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, event.NewChannelEvent(d.raws[id], remoteDom))
	}
	return out
}

func (d *dag) all() []*event.ChannelEvent {
	return d.ce(d.order...)
}

// fakeFetcher serves events from a dag and counts requests
type fakeFetcher struct {
	mu     sync.Mutex
	dag    *dag
	calls  map[string]int
	hints  [][]string
	hide   map[string]bool
	failed error
}

func newFakeFetcher(d *dag) *fakeFetcher {
	return &fakeFetcher{dag: d, calls: map[string]int{}, hide: map[string]bool{}}
}

func (f *fakeFetcher) FetchEvent(_ context.Context, _ string, eventID string, hints []string) (json.RawMessage, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[eventID]++
	f.hints = append(f.hints, hints)
	if f.failed != nil {
		return nil, "", f.failed
	}
	raw, ok := f.dag.raws[eventID]
	if !ok || f.hide[eventID] {
		return nil, "", ErrEventUnavailable
	}
	return raw, remoteDom, nil
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type notification struct {
	channelID string
	eventID   string
	servers   []string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []notification
}

func (p *fakePublisher) Notify(channelID string, ce *event.ChannelEvent, servers []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, notification{channelID: channelID, eventID: ce.ID, servers: servers})
}

func (p *fakePublisher) notifications() []notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notification{}, p.sent...)
}
