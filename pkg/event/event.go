// Package event defines the channel event as it travels between servers and
// the local bookkeeping kept around it.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well known event types
const (
	TypeCreate   = "g.c.s.create"
	TypeMember   = "g.c.s.member"
	TypePower    = "g.c.s.power"
	TypeJoinRule = "g.c.s.join_rule"
	TypeMessage  = "g.c.e.message"
)

// Membership actions carried by member events
const (
	ActionJoin   = "join"
	ActionInvite = "invite"
	ActionLeave  = "leave"
	ActionBan    = "ban"
)

// Join rules
const (
	JoinRulePublic  = "public"
	JoinRulePrivate = "private"
)

// Event is the wire form of a channel event. The JSON keys are fixed:
// hashes and signatures are computed over exactly this shape.
type Event struct {
	Version    string                       `json:"v"`
	Type       string                       `json:"type"`
	ID         string                       `json:"id"`
	Origin     string                       `json:"origin"`
	Sender     string                       `json:"sender"`
	ChannelID  string                       `json:"channel"`
	Scope      *string                      `json:"scope,omitempty"`
	PrevEvents []string                     `json:"prev_events"`
	Depth      int64                        `json:"depth"`
	Timestamp  int64                        `json:"timestamp"`
	Content    json.RawMessage              `json:"content,omitempty"`
	Hashes     map[string]string            `json:"hashes,omitempty"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// Key identifies a slot in channel state
type Key struct {
	Type  string `json:"type"`
	Scope string `json:"scope"`
}

func (k Key) String() string {
	return k.Type + "|" + k.Scope
}

// Parse decodes a raw event
func Parse(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	return ev, nil
}

// StateScope returns a pointer suitable for Event.Scope
func StateScope(scope string) *string {
	return &scope
}

// IsState reports whether the event occupies a state slot
func (e Event) IsState() bool {
	return e.Scope != nil
}

// Key returns the state slot of a state event
func (e Event) Key() Key {
	if e.Scope == nil {
		return Key{Type: e.Type}
	}
	return Key{Type: e.Type, Scope: *e.Scope}
}

// ScopeValue returns the scope or "" for non-state events
func (e Event) ScopeValue() string {
	if e.Scope == nil {
		return ""
	}
	return *e.Scope
}

// DecodeContent unmarshals the content into v. Missing content leaves v
// untouched.
func (e Event) DecodeContent(v any) error {
	if len(e.Content) == 0 || string(e.Content) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Content, v); err != nil {
		return fmt.Errorf("decode %s content: %w", e.Type, err)
	}
	return nil
}

// Marshal encodes the event
func (e Event) Marshal() (json.RawMessage, error) {
	if e.PrevEvents == nil {
		e.PrevEvents = []string{}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return b, nil
}

// CreateContent is the content of a create event
type CreateContent struct {
	Creator string `json:"creator"`
}

// MemberContent is the content of a member event; the target is the scope
type MemberContent struct {
	Action string `json:"action"`
}

// JoinRuleContent is the content of a join rule event
type JoinRuleContent struct {
	Rule string `json:"rule"`
}

// Meta is the server-local processing record of an event
type Meta struct {
	Present      bool      `json:"present"`
	Valid        bool      `json:"valid"`
	Allowed      bool      `json:"allowed"`
	Processed    bool      `json:"processed"`
	Reason       string    `json:"reason,omitempty"`
	ReceivedFrom string    `json:"received_from,omitempty"`
	ReceivedAt   time.Time `json:"received_at,omitempty"`
	FetchedFrom  string    `json:"fetched_from,omitempty"`
	FetchedAt    time.Time `json:"fetched_at,omitempty"`
}

// ChannelEvent wraps an event with its local metadata. SID is assigned by
// the store and is 0 until the event was saved.
type ChannelEvent struct {
	SID       int64           `json:"sid"`
	ChannelID string          `json:"channel"`
	ID        string          `json:"id"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Meta      Meta            `json:"meta"`
}

// NewChannelEvent wraps a raw event. The channel and event ids are read
// from the payload; a payload that cannot be parsed is still wrapped so it
// can be recorded as invalid.
func NewChannelEvent(raw json.RawMessage, from string) *ChannelEvent {
	ce := &ChannelEvent{
		Raw: raw,
		Meta: Meta{
			Present:      len(raw) > 0,
			ReceivedFrom: from,
			ReceivedAt:   time.Now().UTC(),
		},
	}
	if ev, err := Parse(raw); err == nil {
		ce.ID = ev.ID
		ce.ChannelID = ev.ChannelID
	}
	return ce
}

// Event parses the payload
func (ce *ChannelEvent) Event() (Event, error) {
	if !ce.Meta.Present || len(ce.Raw) == 0 {
		return Event{}, fmt.Errorf("event %s is not present", ce.ID)
	}
	return Parse(ce.Raw)
}

// Usable reports whether the event may serve as a parent
func (ce *ChannelEvent) Usable() bool {
	return ce.Meta.Present && ce.Meta.Valid && ce.Meta.Allowed
}

// Depth returns the declared depth, or -1 when it cannot be read
func (ce *ChannelEvent) Depth() int64 {
	ev, err := ce.Event()
	if err != nil {
		return -1
	}
	return ev.Depth
}

// Authorization returns the verdict recorded in the metadata
func (ce *ChannelEvent) Authorization() Authorization {
	return Authorization{
		EventID:    ce.ID,
		Valid:      ce.Meta.Valid,
		Authorized: ce.Meta.Allowed,
		Reason:     ce.Meta.Reason,
	}
}

// Record stores a verdict in the metadata
func (ce *ChannelEvent) Record(auth Authorization, processed bool) {
	ce.Meta.Valid = auth.Valid
	ce.Meta.Allowed = auth.Valid && auth.Authorized
	ce.Meta.Reason = auth.Reason
	ce.Meta.Processed = processed
}

// Clone returns a copy that can be mutated without touching ce
func (ce *ChannelEvent) Clone() *ChannelEvent {
	c := *ce
	return &c
}

// PowerContent is the content of a power event. Unset fields fall back to
// the algorithm defaults, so every field is optional.
type PowerContent struct {
	Def        *DefaultLevels    `json:"def,omitempty"`
	Membership *MembershipLevels `json:"membership,omitempty"`
	Events     map[string]int64  `json:"events,omitempty"`
	Users      map[string]int64  `json:"users,omitempty"`
}

// DefaultLevels are the fallback levels of a power event
type DefaultLevels struct {
	Event *int64 `json:"event,omitempty"`
	State *int64 `json:"state,omitempty"`
	User  *int64 `json:"user,omitempty"`
}

// MembershipLevels are the thresholds for membership actions on others
type MembershipLevels struct {
	Ban    *int64 `json:"ban,omitempty"`
	Invite *int64 `json:"invite,omitempty"`
	Kick   *int64 `json:"kick,omitempty"`
}
