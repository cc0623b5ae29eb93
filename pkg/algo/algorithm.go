// Package algo holds the versioned channel algorithms. An algorithm decides
// whether an event is well formed and whether it may join a channel given
// the state before it.
package algo

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"grid/pkg/event"
	"grid/pkg/state"
)

// DefaultVersion is used when a channel or event names no version
const DefaultVersion = "0"

// ErrUnknownVersion is returned for versions with no registered algorithm
var ErrUnknownVersion = errors.New("unknown channel algorithm version")

// Algorithm is the rule set of one channel version. Implementations must be
// pure: the same inputs always give the same verdict on every server.
type Algorithm interface {
	Version() string

	// Validate returns a description of the first structural problem, or
	// "" when the event is well formed.
	Validate(raw json.RawMessage) string

	// Authorize evaluates the event against the state before it
	Authorize(st *state.State, eventID string, raw json.RawMessage) event.Authorization

	// CreationEvents returns the bootstrap events of a new channel, in the
	// order they must be issued. Only type, sender, scope and content are
	// filled in.
	CreationEvents(creator string) []event.Event

	BaseDepth() int64
	CreateDepth() int64
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Algorithm{}
)

func init() {
	Register(V0{})
}

// Register adds an algorithm. Registering a version twice replaces it.
func Register(a Algorithm) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[a.Version()] = a
}

// Lookup resolves a version; "" maps to DefaultVersion
func Lookup(version string) (Algorithm, error) {
	if version == "" {
		version = DefaultVersion
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := registry[version]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
	return a, nil
}

// Versions lists the registered versions
func Versions() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for v := range registry {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
