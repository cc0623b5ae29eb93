package event

// Authorization is the verdict on one event. Denials and validation
// failures are data, never errors.
type Authorization struct {
	EventID    string `json:"event_id"`
	Valid      bool   `json:"valid"`
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason,omitempty"`
}

// Allowed reports whether the event joins the DAG and may change state
func (a Authorization) Allowed() bool {
	return a.Valid && a.Authorized
}

// Allow returns an accepting verdict
func Allow(eventID string) Authorization {
	return Authorization{EventID: eventID, Valid: true, Authorized: true}
}

// Deny returns a well-formed but forbidden verdict
func Deny(eventID, reason string) Authorization {
	return Authorization{EventID: eventID, Valid: true, Reason: reason}
}

// Invalid returns a verdict for a malformed event
func Invalid(eventID, reason string) Authorization {
	return Authorization{EventID: eventID, Reason: reason}
}
