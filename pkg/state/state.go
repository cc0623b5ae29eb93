// Package state holds immutable snapshots of channel state: the current
// state event for every (type, scope) slot.
package state

import (
	"fmt"
	"math"
	"sort"

	"grid/pkg/event"
	"grid/pkg/types"
)

// Membership values returned when a user has no member event
const MembershipNone = ""

type entry struct {
	ce *event.ChannelEvent
	ev event.Event
}

// State is an immutable snapshot. Apply never mutates the receiver.
type State struct {
	id      int64
	entries map[event.Key]entry
}

// Empty returns a snapshot with no state events
func Empty() *State {
	return &State{entries: map[event.Key]entry{}}
}

// ID returns the store surrogate id, or 0 when not persisted. It is a cache
// key and plays no part in Equal.
func (s *State) ID() int64 {
	return s.id
}

// WithID returns the same snapshot tagged with a store id
func (s *State) WithID(id int64) *State {
	return &State{id: id, entries: s.entries}
}

// Apply returns a new snapshot with the event's slot replaced
func (s *State) Apply(ce *event.ChannelEvent) (*State, error) {
	ev, err := ce.Event()
	if err != nil {
		return nil, err
	}
	if !ev.IsState() {
		return nil, fmt.Errorf("event %s is not a state event", ev.ID)
	}
	next := make(map[event.Key]entry, len(s.entries)+1)
	for k, v := range s.entries {
		next[k] = v
	}
	next[ev.Key()] = entry{ce: ce, ev: ev}
	return &State{entries: next}, nil
}

// Fold applies events to s in order
func (s *State) Fold(events ...*event.ChannelEvent) (*State, error) {
	cur := s
	for _, ce := range events {
		next, err := cur.Apply(ce)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// Len returns the number of occupied slots
func (s *State) Len() int {
	return len(s.entries)
}

// Get returns the current event for a slot
func (s *State) Get(evType, scope string) (*event.ChannelEvent, bool) {
	e, ok := s.entries[event.Key{Type: evType, Scope: scope}]
	return e.ce, ok
}

// Keys returns the occupied slots sorted by type then scope
func (s *State) Keys() []event.Key {
	keys := make([]event.Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Scope < keys[j].Scope
	})
	return keys
}

// Events returns the state events in key order
func (s *State) Events() []*event.ChannelEvent {
	keys := s.Keys()
	out := make([]*event.ChannelEvent, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.entries[k].ce)
	}
	return out
}

// Mapping returns slot to event id
func (s *State) Mapping() map[event.Key]string {
	out := make(map[event.Key]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v.ce.ID
	}
	return out
}

// Equal compares the slot to event id mapping
func (s *State) Equal(o *State) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.entries) != len(o.entries) {
		return false
	}
	for k, v := range s.entries {
		ov, ok := o.entries[k]
		if !ok || ov.ce.ID != v.ce.ID {
			return false
		}
	}
	return true
}

// Create returns the create event
func (s *State) Create() (event.Event, bool) {
	e, ok := s.entries[event.Key{Type: event.TypeCreate}]
	return e.ev, ok
}

// Creator returns the user who created the channel
func (s *State) Creator() string {
	ev, ok := s.Create()
	if !ok {
		return ""
	}
	var c event.CreateContent
	if err := ev.DecodeContent(&c); err != nil || c.Creator == "" {
		return ev.Sender
	}
	return c.Creator
}

// Membership returns the current action for user, or MembershipNone
func (s *State) Membership(user string) string {
	e, ok := s.entries[event.Key{Type: event.TypeMember, Scope: user}]
	if !ok {
		return MembershipNone
	}
	var c event.MemberContent
	if err := e.ev.DecodeContent(&c); err != nil {
		return MembershipNone
	}
	return c.Action
}

// Members returns the users whose membership is action, sorted
func (s *State) Members(action string) []string {
	var out []string
	for k := range s.entries {
		if k.Type == event.TypeMember && s.Membership(k.Scope) == action {
			out = append(out, k.Scope)
		}
	}
	sort.Strings(out)
	return out
}

// JoinedServers returns the domains with at least one joined user, sorted
func (s *State) JoinedServers() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, user := range s.Members(event.ActionJoin) {
		d := types.DomainOf(user)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// JoinRule returns the join rule; channels without one are private
func (s *State) JoinRule() string {
	e, ok := s.entries[event.Key{Type: event.TypeJoinRule}]
	if !ok {
		return event.JoinRulePrivate
	}
	var c event.JoinRuleContent
	if err := e.ev.DecodeContent(&c); err != nil || c.Rule == "" {
		return event.JoinRulePrivate
	}
	return c.Rule
}

// HasPower reports whether a power event is in state
func (s *State) HasPower() bool {
	_, ok := s.entries[event.Key{Type: event.TypePower}]
	return ok
}

// Power returns the effective power levels. Until a power event exists the
// creator holds the maximum level and everyone else the defaults.
func (s *State) Power() PowerLevels {
	e, ok := s.entries[event.Key{Type: event.TypePower}]
	if !ok {
		if creator := s.Creator(); creator != "" {
			return PowerLevels{content: event.PowerContent{Users: map[string]int64{creator: math.MaxInt64}}}
		}
		return PowerLevels{}
	}
	var c event.PowerContent
	if err := e.ev.DecodeContent(&c); err != nil {
		return PowerLevels{}
	}
	return PowerLevels{content: c}
}

// Defaults applied when a power event leaves a value unset
const (
	DefaultEventLevel int64 = 0
	DefaultStateLevel int64 = math.MaxInt64
	DefaultUserLevel  int64 = math.MinInt64
	DefaultThreshold  int64 = math.MaxInt64
)

// PowerLevels resolves levels from a power event with defaults
type PowerLevels struct {
	content event.PowerContent
}

// NewPowerLevels wraps decoded power content
func NewPowerLevels(c event.PowerContent) PowerLevels {
	return PowerLevels{content: c}
}

// Content returns the raw power content
func (p PowerLevels) Content() event.PowerContent {
	return p.content
}

func pick(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}

func (p PowerLevels) EventDefault() int64 {
	if p.content.Def == nil {
		return DefaultEventLevel
	}
	return pick(p.content.Def.Event, DefaultEventLevel)
}

func (p PowerLevels) StateDefault() int64 {
	if p.content.Def == nil {
		return DefaultStateLevel
	}
	return pick(p.content.Def.State, DefaultStateLevel)
}

func (p PowerLevels) UserDefault() int64 {
	if p.content.Def == nil {
		return DefaultUserLevel
	}
	return pick(p.content.Def.User, DefaultUserLevel)
}

func (p PowerLevels) Ban() int64 {
	if p.content.Membership == nil {
		return DefaultThreshold
	}
	return pick(p.content.Membership.Ban, DefaultThreshold)
}

func (p PowerLevels) Invite() int64 {
	if p.content.Membership == nil {
		return DefaultThreshold
	}
	return pick(p.content.Membership.Invite, DefaultThreshold)
}

func (p PowerLevels) Kick() int64 {
	if p.content.Membership == nil {
		return DefaultThreshold
	}
	return pick(p.content.Membership.Kick, DefaultThreshold)
}

// User returns the level of a user
func (p PowerLevels) User(user string) int64 {
	if lvl, ok := p.content.Users[user]; ok {
		return lvl
	}
	return p.UserDefault()
}

// ForEvent returns the level required to send an event type
func (p PowerLevels) ForEvent(evType string, isState bool) int64 {
	if lvl, ok := p.content.Events[evType]; ok {
		return lvl
	}
	if isState {
		return p.StateDefault()
	}
	return p.EventDefault()
}
