package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_OnOffBySubscription(t *testing.T) {
	e := NewEmitter()

	var got []string
	first := e.On(EventMessagesUpsert, func(Event) { got = append(got, "first") })
	second := e.On(EventMessagesUpsert, func(Event) { got = append(got, "second") })
	require.NotEqual(t, first.ID, second.ID)

	e.Emit(Event{Name: EventMessagesUpsert})
	assert.Equal(t, []string{"first", "second"}, got)

	assert.True(t, e.Off(first))
	assert.False(t, e.Off(first), "second Off of the same token finds nothing")

	got = nil
	e.Emit(Event{Name: EventMessagesUpsert})
	assert.Equal(t, []string{"second"}, got)
	assert.Equal(t, 1, e.Count(EventMessagesUpsert))
}

func TestEmitter_IdenticalFunctionsAreDistinct(t *testing.T) {
	e := NewEmitter()
	calls := 0
	fn := func(Event) { calls++ }

	a := e.On(EventPresenceUpdate, fn)
	e.On(EventPresenceUpdate, fn)
	e.Off(a)

	e.Emit(Event{Name: EventPresenceUpdate})
	assert.Equal(t, 1, calls)
}

func TestEmitter_ListenerMayUnsubscribeDuringEmit(t *testing.T) {
	e := NewEmitter()
	var sub Subscription
	calls := 0
	sub = e.On(EventConnectionUpdate, func(Event) {
		calls++
		e.Off(sub)
	})

	e.Emit(Event{Name: EventConnectionUpdate})
	e.Emit(Event{Name: EventConnectionUpdate})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, e.Total())
}

func TestEmitter_Total(t *testing.T) {
	e := NewEmitter()
	e.On(EventMessagesUpsert, func(Event) {})
	e.On(EventCredsUpdate, func(Event) {})
	e.On(EventCredsUpdate, func(Event) {})

	assert.Equal(t, 3, e.Total())
	assert.Equal(t, 0, e.Count(EventGroupsUpdate))
}

func TestReason_String(t *testing.T) {
	assert.Equal(t, "restart_required", ReasonRestartRequired.String())
	assert.Equal(t, "code_999", Reason(999).String())
}
