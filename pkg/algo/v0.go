package algo

import (
	"encoding/json"
	"fmt"
	"math"

	"grid/pkg/event"
	"grid/pkg/state"
)

// V0 is the first channel algorithm
type V0 struct{}

func (V0) Version() string    { return "0" }
func (V0) BaseDepth() int64   { return 0 }
func (V0) CreateDepth() int64 { return 1 }

type v0Shape struct {
	ID         *string   `json:"id"`
	Version    *string   `json:"v"`
	Type       *string   `json:"type"`
	Origin     *string   `json:"origin"`
	Sender     *string   `json:"sender"`
	PrevEvents *[]string `json:"prev_events"`
	Depth      *int64    `json:"depth"`
}

func (a V0) Validate(raw json.RawMessage) string {
	var s v0Shape
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Sprintf("malformed event: %v", err)
	}
	for _, f := range []struct {
		name string
		v    *string
	}{
		{"id", s.ID},
		{"version", s.Version},
		{"type", s.Type},
		{"origin", s.Origin},
		{"sender", s.Sender},
	} {
		if f.v == nil || *f.v == "" {
			return fmt.Sprintf("missing %s", f.name)
		}
	}
	if *s.Version != a.Version() {
		return fmt.Sprintf("unsupported version %q", *s.Version)
	}
	if s.PrevEvents == nil {
		return "missing prev_events"
	}
	if s.Depth == nil {
		return "missing depth"
	}
	if *s.Depth < 0 {
		return "negative depth"
	}
	return ""
}

func (a V0) CreationEvents(creator string) []event.Event {
	return []event.Event{
		{
			Type:    event.TypeCreate,
			Sender:  creator,
			Scope:   event.StateScope(""),
			Content: mustContent(event.CreateContent{Creator: creator}),
		},
		{
			Type:    event.TypeMember,
			Sender:  creator,
			Scope:   event.StateScope(creator),
			Content: mustContent(event.MemberContent{Action: event.ActionJoin}),
		},
		{
			Type:    event.TypePower,
			Sender:  creator,
			Scope:   event.StateScope(""),
			Content: mustContent(event.PowerContent{Users: map[string]int64{creator: math.MaxInt64}}),
		},
	}
}

func (a V0) Authorize(st *state.State, eventID string, raw json.RawMessage) event.Authorization {
	if reason := a.Validate(raw); reason != "" {
		return event.Invalid(eventID, reason)
	}
	ev, err := event.Parse(raw)
	if err != nil {
		return event.Invalid(eventID, err.Error())
	}

	if ev.Type == event.TypeCreate {
		return a.authorizeCreate(st, eventID, ev)
	}
	create, ok := st.Create()
	if !ok {
		return event.Deny(eventID, "channel does not exist")
	}

	if ev.Type == event.TypeMember {
		return a.authorizeMember(st, eventID, ev, create)
	}

	power := st.Power()
	if st.Membership(ev.Sender) != event.ActionJoin {
		return event.Deny(eventID, fmt.Sprintf("%s is not joined", ev.Sender))
	}
	required := power.ForEvent(ev.Type, ev.IsState())
	if power.User(ev.Sender) < required {
		return event.Deny(eventID, fmt.Sprintf("insufficient power level to send %s", ev.Type))
	}

	if ev.Type == event.TypePower {
		var next event.PowerContent
		if err := ev.DecodeContent(&next); err != nil {
			return event.Invalid(eventID, err.Error())
		}
		if reason := checkPowerChange(ev.Sender, power, state.NewPowerLevels(next)); reason != "" {
			return event.Deny(eventID, reason)
		}
	}
	return event.Allow(eventID)
}

func (a V0) authorizeCreate(st *state.State, eventID string, ev event.Event) event.Authorization {
	if _, exists := st.Create(); exists {
		return event.Deny(eventID, "channel already has a create event")
	}
	if ev.Depth != a.CreateDepth() {
		return event.Deny(eventID, fmt.Sprintf("create event must have depth %d", a.CreateDepth()))
	}
	if len(ev.PrevEvents) != 0 {
		return event.Deny(eventID, "create event must not have parents")
	}
	return event.Allow(eventID)
}

func (a V0) authorizeMember(st *state.State, eventID string, ev event.Event, create event.Event) event.Authorization {
	target := ev.ScopeValue()
	if !ev.IsState() || target == "" {
		return event.Invalid(eventID, "member event without target")
	}
	var content event.MemberContent
	if err := ev.DecodeContent(&content); err != nil {
		return event.Invalid(eventID, err.Error())
	}

	power := st.Power()
	sender := ev.Sender
	senderMembership := st.Membership(sender)
	targetMembership := st.Membership(target)
	senderLevel := power.User(sender)
	targetLevel := power.User(target)

	switch content.Action {
	case event.ActionJoin:
		if sender != target {
			return event.Deny(eventID, "cannot join on behalf of another user")
		}
		if targetMembership == event.ActionBan {
			return event.Deny(eventID, fmt.Sprintf("%s is banned", target))
		}
		if ev.Depth == a.CreateDepth()+1 &&
			len(ev.PrevEvents) == 1 && ev.PrevEvents[0] == create.ID &&
			target == st.Creator() {
			return event.Allow(eventID)
		}
		if targetMembership == event.ActionJoin || targetMembership == event.ActionInvite {
			return event.Allow(eventID)
		}
		if st.JoinRule() == event.JoinRulePublic {
			return event.Allow(eventID)
		}
		return event.Deny(eventID, "channel is not public and user was not invited")

	case event.ActionInvite:
		if senderMembership != event.ActionJoin {
			return event.Deny(eventID, fmt.Sprintf("%s is not joined", sender))
		}
		if targetMembership == event.ActionBan {
			return event.Deny(eventID, fmt.Sprintf("%s is banned", target))
		}
		if targetMembership == event.ActionJoin {
			return event.Deny(eventID, fmt.Sprintf("%s is already joined", target))
		}
		if senderLevel < power.Invite() {
			return event.Deny(eventID, "insufficient power level to invite")
		}
		return event.Allow(eventID)

	case event.ActionLeave:
		if sender == target && (senderMembership == event.ActionJoin || senderMembership == event.ActionInvite) {
			return event.Allow(eventID)
		}
		if senderMembership != event.ActionJoin {
			return event.Deny(eventID, fmt.Sprintf("%s is not joined", sender))
		}
		if senderLevel < power.Kick() {
			return event.Deny(eventID, "insufficient power level to kick")
		}
		if targetMembership == event.ActionBan && senderLevel < power.Ban() {
			return event.Deny(eventID, "insufficient power level to unban")
		}
		if senderLevel <= targetLevel {
			return event.Deny(eventID, "power level must exceed the target's")
		}
		return event.Allow(eventID)

	case event.ActionBan:
		if senderMembership != event.ActionJoin {
			return event.Deny(eventID, fmt.Sprintf("%s is not joined", sender))
		}
		if senderLevel < power.Ban() {
			return event.Deny(eventID, "insufficient power level to ban")
		}
		if senderLevel <= targetLevel {
			return event.Deny(eventID, "power level must exceed the target's")
		}
		return event.Allow(eventID)
	}
	return event.Invalid(eventID, fmt.Sprintf("unknown member action %q", content.Action))
}

func mustContent(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
