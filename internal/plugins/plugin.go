// Package plugins loads Go-source plugins with yaegi, keeps them in a
// sorted copy-on-write registry and reloads them when their files change.
package plugins

import (
	"fmt"
	"sort"
	"strings"

	"unicorn/internal/backend"
)

// Hook handles one event. A non-empty reply is sent back to the chat the
// event came from.
type Hook func(data map[string]interface{}) (string, error)

// DefaultHook handles every event; event is the backend event name.
type DefaultHook func(event string, data map[string]interface{}) (string, error)

// hookNames maps exported plugin functions to the event they handle.
var hookNames = map[string]backend.EventName{
	"OnMessage":       backend.EventMessagesUpsert,
	"OnMessageUpdate": backend.EventMessagesUpdate,
	"OnParticipants":  backend.EventParticipantsUpdate,
	"OnGroupUpdate":   backend.EventGroupsUpdate,
	"OnDelete":        backend.EventMessageDelete,
	"OnPresence":      backend.EventPresenceUpdate,
}

// Module is a loaded plugin. It exposes only what the dispatcher calls.
type Module struct {
	Name       string
	Path       string
	Commands   []string
	Generation uint64

	def   DefaultHook
	hooks map[backend.EventName]Hook
}

// Handles reports whether the module has a handler for ev.
func (m *Module) Handles(ev backend.EventName) bool {
	if m.def != nil {
		return true
	}
	_, ok := m.hooks[ev]
	return ok
}

// Call invokes the handler for ev. It returns ("", nil) when the module
// does not handle ev.
func (m *Module) Call(ev backend.EventName, data map[string]interface{}) (string, error) {
	if m.def != nil {
		return m.def(string(ev), data)
	}
	if h, ok := m.hooks[ev]; ok {
		return h(data)
	}
	return "", nil
}

// Events lists the events the module handles, or "*" for a default hook.
func (m *Module) Events() []string {
	if m.def != nil {
		return []string{"*"}
	}
	out := make([]string, 0, len(m.hooks))
	for ev := range m.hooks {
		out = append(out, string(ev))
	}
	sort.Strings(out)
	return out
}

// MatchesCommand reports whether cmd is one of the module's commands,
// ignoring case. Modules without commands match everything.
func (m *Module) MatchesCommand(cmd string) bool {
	if len(m.Commands) == 0 {
		return true
	}
	for _, c := range m.Commands {
		if strings.EqualFold(c, cmd) {
			return true
		}
	}
	return false
}

// NewModule builds a module from Go functions. Tests and built-in
// plugins use it; file plugins come from Loader.Load.
func NewModule(name string, def DefaultHook, hooks map[backend.EventName]Hook) *Module {
	return &Module{Name: name, def: def, hooks: hooks}
}

func (m *Module) String() string {
	return fmt.Sprintf("%s (gen %d)", m.Name, m.Generation)
}

// Kind classifies a load failure.
type Kind int

const (
	KindRead Kind = iota
	KindSyntax
	KindPolicy
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindSyntax:
		return "syntax"
	case KindPolicy:
		return "policy"
	case KindRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// LoadError is a failure to load one plugin. It never affects other
// plugins or the registry entry already loaded under ID.
type LoadError struct {
	ID   string
	Kind Kind
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %s: %s error: %v", e.ID, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
