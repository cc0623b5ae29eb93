package types

import (
	"strings"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      *Address
		wantError bool
		errorMsg  string
	}{
		{
			name:  "user with domain",
			input: "@alice:a.example",
			want:  &Address{Sigil: SigilUser, LocalPart: "alice", Domain: "a.example"},
		},
		{
			name:  "bare user",
			input: "@alice",
			want:  &Address{Sigil: SigilUser, LocalPart: "alice"},
		},
		{
			name:  "channel",
			input: "#abc123:b.example",
			want:  &Address{Sigil: SigilChannel, LocalPart: "abc123", Domain: "b.example"},
		},
		{
			name:  "event with port in domain",
			input: "$ev1:c.example:8448",
			want:  &Address{Sigil: SigilEvent, LocalPart: "ev1", Domain: "c.example:8448"},
		},
		{
			name:      "empty",
			input:     "",
			wantError: true,
			errorMsg:  "cannot be empty",
		},
		{
			name:      "unknown sigil",
			input:     "alice:a.example",
			wantError: true,
			errorMsg:  "unknown sigil",
		},
		{
			name:      "empty local part",
			input:     "@:a.example",
			wantError: true,
			errorMsg:  "empty local part",
		},
		{
			name:      "empty domain",
			input:     "@alice:",
			wantError: true,
			errorMsg:  "empty domain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantError {
				if err == nil {
					t.Fatalf("ParseAddress(%q) expected error", tt.input)
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error %q should contain %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) unexpected error: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
			if got.String() != tt.input {
				t.Errorf("String() = %q, want %q", got.String(), tt.input)
			}
		})
	}
}

func TestAddressValidate(t *testing.T) {
	if err := (&Address{Sigil: SigilUser, LocalPart: "bob"}).Validate(); err != nil {
		t.Errorf("bare user should validate: %v", err)
	}
	if err := (&Address{Sigil: SigilEvent, LocalPart: "x"}).Validate(); err == nil {
		t.Error("event id without domain should not validate")
	}
	if err := (&Address{Sigil: SigilUser, LocalPart: "a b", Domain: "d"}).Validate(); err == nil {
		t.Error("local part with space should not validate")
	}
	var nilAddr *Address
	if err := nilAddr.Validate(); err == nil {
		t.Error("nil address should not validate")
	}
}

func TestDomainOf(t *testing.T) {
	if got := DomainOf("@bob:b.example"); got != "b.example" {
		t.Errorf("DomainOf = %q", got)
	}
	if got := DomainOf("@bob"); got != "" {
		t.Errorf("DomainOf bare user = %q", got)
	}
	if got := DomainOf("garbage"); got != "" {
		t.Errorf("DomainOf garbage = %q", got)
	}
}

func TestNewIDs(t *testing.T) {
	ev := NewEventID("a.example")
	addr, err := ParseAddress(ev)
	if err != nil {
		t.Fatalf("generated event id does not parse: %v", err)
	}
	if addr.Sigil != SigilEvent || !addr.IsLocal("a.example") {
		t.Errorf("unexpected event id %s", ev)
	}
	if NewEventID("a.example") == ev {
		t.Error("event ids must be unique")
	}

	ch := NewChannelID("a.example")
	if !strings.HasPrefix(ch, "#") || DomainOf(ch) != "a.example" {
		t.Errorf("unexpected channel id %s", ch)
	}
}
