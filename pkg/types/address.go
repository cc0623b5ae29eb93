package types

import (
	"fmt"
	"strings"
)

// Sigils prefixing each kind of identifier
const (
	SigilUser    = '@'
	SigilChannel = '#'
	SigilEvent   = '$'
)

// Address is a parsed identifier in "<sigil><local>:<domain>" form
// Examples:
//   - @alice:a.example (user)
//   - #0f3c...:a.example (channel)
//   - $9b2e...:b.example (event)
//
// The domain part is optional for user ids; a bare "@alice" is a local
// user whose server is the event origin.
type Address struct {
	Sigil     byte
	LocalPart string
	Domain    string
}

// ParseAddress parses an identifier into its components
func ParseAddress(id string) (*Address, error) {
	if id == "" {
		return nil, fmt.Errorf("identifier cannot be empty")
	}

	sigil := id[0]
	switch sigil {
	case SigilUser, SigilChannel, SigilEvent:
	default:
		return nil, fmt.Errorf("identifier %q has unknown sigil %q", id, sigil)
	}

	rest := id[1:]
	local, domain, found := strings.Cut(rest, ":")
	if local == "" {
		return nil, fmt.Errorf("identifier %q has an empty local part", id)
	}
	if found && domain == "" {
		return nil, fmt.Errorf("identifier %q has an empty domain", id)
	}

	return &Address{
		Sigil:     sigil,
		LocalPart: local,
		Domain:    domain,
	}, nil
}

// String returns the canonical string form
func (a *Address) String() string {
	if a == nil {
		return ""
	}
	if a.Domain == "" {
		return string(a.Sigil) + a.LocalPart
	}
	return fmt.Sprintf("%c%s:%s", a.Sigil, a.LocalPart, a.Domain)
}

// IsLocal returns true if this address belongs to the specified domain
func (a *Address) IsLocal(myDomain string) bool {
	if a == nil {
		return false
	}
	return a.Domain == myDomain
}

// Validate checks the address is well formed
func (a *Address) Validate() error {
	if a == nil {
		return fmt.Errorf("address is nil")
	}
	if a.LocalPart == "" {
		return fmt.Errorf("local part cannot be empty")
	}
	if strings.ContainsAny(a.LocalPart, ": ") {
		return fmt.Errorf("local part cannot contain ':' or spaces")
	}
	if a.Sigil != SigilUser && a.Domain == "" {
		return fmt.Errorf("%c identifiers must carry a domain", a.Sigil)
	}
	return nil
}

// Equal returns true if two addresses are equivalent
func (a *Address) Equal(other *Address) bool {
	if a == nil && other == nil {
		return true
	}
	if a == nil || other == nil {
		return false
	}
	return a.Sigil == other.Sigil &&
		a.LocalPart == other.LocalPart &&
		a.Domain == other.Domain
}

// DomainOf returns the domain part of id, or "" when it has none or is
// malformed.
func DomainOf(id string) string {
	addr, err := ParseAddress(id)
	if err != nil {
		return ""
	}
	return addr.Domain
}
