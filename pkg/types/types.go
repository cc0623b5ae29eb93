// Package types holds identifiers shared by every layer of the server.
package types

import (
	"strings"

	"github.com/google/uuid"
)

// NewEventID allocates a fresh event identifier owned by domain
func NewEventID(domain string) string {
	return newID(SigilEvent, domain)
}

// NewChannelID allocates a fresh channel identifier owned by domain
func NewChannelID(domain string) string {
	return newID(SigilChannel, domain)
}

func newID(sigil byte, domain string) string {
	local := strings.ReplaceAll(uuid.NewString(), "-", "")
	return (&Address{Sigil: sigil, LocalPart: local, Domain: domain}).String()
}
