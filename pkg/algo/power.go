package algo

import (
	"fmt"
	"sort"

	"grid/pkg/state"
)

// checkPowerChange returns why sender may not replace old with next, or ""
func checkPowerChange(sender string, old, next state.PowerLevels) string {
	level := old.User(sender)

	thresholds := []struct {
		name     string
		old, new int64
	}{
		{"def.event", old.EventDefault(), next.EventDefault()},
		{"def.state", old.StateDefault(), next.StateDefault()},
		{"def.user", old.UserDefault(), next.UserDefault()},
		{"membership.ban", old.Ban(), next.Ban()},
		{"membership.invite", old.Invite(), next.Invite()},
		{"membership.kick", old.Kick(), next.Kick()},
	}
	for _, th := range thresholds {
		if th.old == th.new {
			continue
		}
		if level < th.old || level < th.new {
			return fmt.Sprintf("insufficient power level to change %s", th.name)
		}
	}

	oldEvents, newEvents := old.Content().Events, next.Content().Events
	for _, evType := range unionKeys(oldEvents, newEvents) {
		ov, oldOK := oldEvents[evType]
		nv, newOK := newEvents[evType]
		if oldOK == newOK && ov == nv {
			continue
		}
		if (oldOK && level < ov) || (newOK && level < nv) {
			return fmt.Sprintf("insufficient power level to change events.%s", evType)
		}
	}

	// The sender can never grant more than both its current level and the
	// level it keeps after this change.
	ceiling := min(level, next.User(sender))

	oldUsers, newUsers := old.Content().Users, next.Content().Users
	for _, user := range unionKeys(oldUsers, newUsers) {
		ov, oldOK := oldUsers[user]
		nv, newOK := newUsers[user]
		if oldOK == newOK && ov == nv {
			continue
		}
		if newOK && nv > ceiling {
			return fmt.Sprintf("cannot grant %s a power level above %d", user, ceiling)
		}
		if user == sender {
			continue
		}
		if old.User(user) >= level {
			return fmt.Sprintf("cannot change power level of %s, who is not below the sender", user)
		}
		if newOK && nv >= level {
			return fmt.Sprintf("cannot raise %s to the sender's power level", user)
		}
	}
	return ""
}

func unionKeys(a, b map[string]int64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
