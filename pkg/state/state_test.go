package state

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid/pkg/event"
)

func stateEvent(t testing.TB, id, evType, scope, content string) *event.ChannelEvent {
	ev := event.Event{
		Version:    "0",
		Type:       evType,
		ID:         id,
		Origin:     "a.example",
		Sender:     "@alice:a.example",
		ChannelID:  "#c:a.example",
		Scope:      event.StateScope(scope),
		PrevEvents: []string{},
		Depth:      1,
		Content:    json.RawMessage(content),
	}
	raw, err := ev.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	ce := event.NewChannelEvent(raw, "")
	ce.Record(event.Allow(id), true)
	return ce
}

func TestApplyDoesNotMutate(t *testing.T) {
	empty := Empty()
	s1, err := empty.Apply(stateEvent(t, "$1", event.TypeCreate, "", `{"creator":"@alice:a.example"}`))
	require.NoError(t, err)

	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, 1, s1.Len())

	s2, err := s1.Apply(stateEvent(t, "$2", event.TypeMember, "@alice:a.example", `{"action":"join"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, s1.Len())
	assert.Equal(t, 2, s2.Len())

	s3, err := s2.Apply(stateEvent(t, "$3", event.TypeMember, "@alice:a.example", `{"action":"leave"}`))
	require.NoError(t, err)
	assert.Equal(t, 2, s3.Len())
	assert.Equal(t, event.ActionJoin, s2.Membership("@alice:a.example"))
	assert.Equal(t, event.ActionLeave, s3.Membership("@alice:a.example"))
}

func TestApplyRejectsNonState(t *testing.T) {
	ce := stateEvent(t, "$m", event.TypeMessage, "", `{}`)
	ev, err := ce.Event()
	require.NoError(t, err)
	ev.Scope = nil
	raw, err := ev.Marshal()
	require.NoError(t, err)

	_, err = Empty().Apply(event.NewChannelEvent(raw, ""))
	assert.Error(t, err)
}

func TestAccessors(t *testing.T) {
	s, err := Empty().Fold(
		stateEvent(t, "$1", event.TypeCreate, "", `{"creator":"@alice:a.example"}`),
		stateEvent(t, "$2", event.TypeMember, "@alice:a.example", `{"action":"join"}`),
		stateEvent(t, "$3", event.TypeMember, "@bob:b.example", `{"action":"join"}`),
		stateEvent(t, "$4", event.TypeMember, "@carol:b.example", `{"action":"invite"}`),
		stateEvent(t, "$5", event.TypeMember, "@dave:c.example", `{"action":"ban"}`),
		stateEvent(t, "$6", event.TypeJoinRule, "", `{"rule":"public"}`),
	)
	require.NoError(t, err)

	assert.Equal(t, "@alice:a.example", s.Creator())
	assert.Equal(t, event.ActionInvite, s.Membership("@carol:b.example"))
	assert.Equal(t, MembershipNone, s.Membership("@eve:a.example"))
	assert.Equal(t, []string{"@alice:a.example", "@bob:b.example"}, s.Members(event.ActionJoin))
	assert.Equal(t, []string{"a.example", "b.example"}, s.JoinedServers())
	assert.Equal(t, event.JoinRulePublic, s.JoinRule())

	assert.Equal(t, int64(math.MaxInt64), s.Power().User("@alice:a.example"))
	assert.False(t, s.HasPower())

	assert.Equal(t, event.JoinRulePrivate, Empty().JoinRule())
	assert.Equal(t, "", Empty().Creator())
}

func TestPowerDefaults(t *testing.T) {
	p := Empty().Power()
	assert.Equal(t, int64(0), p.EventDefault())
	assert.Equal(t, int64(math.MaxInt64), p.StateDefault())
	assert.Equal(t, int64(math.MinInt64), p.UserDefault())
	assert.Equal(t, int64(math.MaxInt64), p.Ban())
	assert.Equal(t, int64(math.MaxInt64), p.Kick())
	assert.Equal(t, int64(math.MaxInt64), p.Invite())
	assert.Equal(t, int64(math.MinInt64), p.User("@alice:a.example"))
	assert.Equal(t, int64(0), p.ForEvent(event.TypeMessage, false))
	assert.Equal(t, int64(math.MaxInt64), p.ForEvent(event.TypeJoinRule, true))
}

func TestPowerExplicit(t *testing.T) {
	s, err := Empty().Apply(stateEvent(t, "$p", event.TypePower, "", `{
		"def": {"event": 10, "user": 1},
		"membership": {"kick": 50},
		"events": {"g.c.e.message": 5},
		"users": {"@alice:a.example": 100, "@bob:a.example": 0}
	}`))
	require.NoError(t, err)

	p := s.Power()
	assert.Equal(t, int64(10), p.EventDefault())
	assert.Equal(t, int64(math.MaxInt64), p.StateDefault())
	assert.Equal(t, int64(50), p.Kick())
	assert.Equal(t, int64(math.MaxInt64), p.Ban())
	assert.Equal(t, int64(100), p.User("@alice:a.example"))
	assert.Equal(t, int64(0), p.User("@bob:a.example"))
	assert.Equal(t, int64(1), p.User("@carol:a.example"))
	assert.Equal(t, int64(5), p.ForEvent(event.TypeMessage, false))
	assert.Equal(t, int64(10), p.ForEvent("g.c.e.other", false))
}

func TestEqualIgnoresID(t *testing.T) {
	a, err := Empty().Apply(stateEvent(t, "$1", event.TypeCreate, "", `{}`))
	require.NoError(t, err)
	b, err := Empty().Apply(stateEvent(t, "$1", event.TypeCreate, "", `{}`))
	require.NoError(t, err)

	assert.True(t, a.Equal(b.WithID(42)))
	assert.Equal(t, int64(42), b.WithID(42).ID())

	c, err := Empty().Apply(stateEvent(t, "$2", event.TypeCreate, "", `{}`))
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(Empty()))
}

func TestKeysSorted(t *testing.T) {
	s, err := Empty().Fold(
		stateEvent(t, "$3", event.TypeMember, "@b", `{"action":"join"}`),
		stateEvent(t, "$1", event.TypeCreate, "", `{}`),
		stateEvent(t, "$2", event.TypeMember, "@a", `{"action":"join"}`),
	)
	require.NoError(t, err)

	assert.Equal(t, []event.Key{
		{Type: event.TypeCreate},
		{Type: event.TypeMember, Scope: "@a"},
		{Type: event.TypeMember, Scope: "@b"},
	}, s.Keys())
}

func TestFoldDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	scopes := []string{"@a", "@b", "@c", ""}
	types := []string{event.TypeMember, event.TypeJoinRule, event.TypePower}

	build := func(picks []int) []*event.ChannelEvent {
		out := make([]*event.ChannelEvent, 0, len(picks))
		for i, p := range picks {
			out = append(out, stateEvent(t, fmt.Sprintf("$%d", i), types[p%len(types)], scopes[p%len(scopes)], `{}`))
		}
		return out
	}

	properties.Property("folding the same events yields the same mapping", prop.ForAll(
		func(picks []int) bool {
			events := build(picks)
			a, err := Empty().Fold(events...)
			if err != nil {
				return false
			}
			// Folding again, and folding a replayed prefix first, must agree
			half := events[:len(events)/2]
			pre, err := Empty().Fold(half...)
			if err != nil {
				return false
			}
			b, err := pre.Fold(events...)
			if err != nil {
				return false
			}
			c, err := Empty().Fold(events...)
			if err != nil {
				return false
			}
			return a.Equal(b) && a.Equal(c)
		},
		gen.SliceOf(gen.IntRange(0, 11)),
	))

	properties.TestingRun(t)
}
