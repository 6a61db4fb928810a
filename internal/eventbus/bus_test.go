package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchCallsMatchingHandlersInPriorityOrder(t *testing.T) {
	bus := New()

	var order []string
	bus.Subscribe("second", 10, []EventType{EventStoreOpened}, func(_ context.Context, _ *Event) error {
		order = append(order, "second")
		return nil
	})
	bus.Subscribe("first", 1, []EventType{EventStoreOpened}, func(_ context.Context, _ *Event) error {
		order = append(order, "first")
		return nil
	})
	bus.Subscribe("other-type", 0, []EventType{EventStoreRemoved}, func(_ context.Context, _ *Event) error {
		order = append(order, "other-type")
		return nil
	})

	err := bus.Dispatch(context.Background(), &Event{Type: EventStoreOpened})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatchNilEvent(t *testing.T) {
	bus := New()
	err := bus.Dispatch(context.Background(), nil)
	assert.Error(t, err)
}

func TestHandlerErrorDoesNotStopChain(t *testing.T) {
	bus := New()

	called := false
	bus.Subscribe("failing", 0, []EventType{EventJobDone}, func(_ context.Context, _ *Event) error {
		return errors.New("boom")
	})
	bus.Subscribe("following", 1, []EventType{EventJobDone}, func(_ context.Context, _ *Event) error {
		called = true
		return nil
	})

	err := bus.Dispatch(context.Background(), &Event{Type: EventJobDone, Job: &JobPayload{Name: "migrate"}})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestDispatchSetsEventTime(t *testing.T) {
	bus := New()
	ev := &Event{Type: EventDataUpdated}
	require.NoError(t, bus.Dispatch(context.Background(), ev))
	assert.False(t, ev.Time.IsZero())
}

func TestEventTypeCategories(t *testing.T) {
	assert.True(t, EventStoreOpened.IsStoreEvent())
	assert.True(t, EventStoreRemoved.IsStoreEvent())
	assert.False(t, EventJobDone.IsStoreEvent())

	assert.True(t, EventFilesUpdated.IsCloudEvent())
	assert.False(t, EventStoreChanged.IsCloudEvent())

	assert.True(t, EventJobStarted.IsJobEvent())
	assert.False(t, EventModelChecked.IsJobEvent())
}
