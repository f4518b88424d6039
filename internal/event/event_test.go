package event_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lumen-gallery/lumen/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Dispatch_CallsRegisteredHandlerFunctions(t *testing.T) {
	bus := event.New()

	var mutex sync.Mutex
	received := make([]event.Payload, 0)
	bus.RegisterHandlerFunction(event.JOB_UPDATE, func(_ event.Event, payload event.Payload) {
		mutex.Lock()
		defer mutex.Unlock()
		received = append(received, payload)
	})

	jobID := uuid.New()
	bus.Dispatch(event.JOB_UPDATE, jobID)

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, jobID, received[0])
}

func Test_Dispatch_SendsToHandlerChannels(t *testing.T) {
	bus := event.New()

	channel := make(event.HandlerChannel, 2)
	bus.RegisterHandlerChannel(channel, event.JOB_PROGRESS, event.JOB_COMPLETE)

	jobID := uuid.New()
	bus.Dispatch(event.JOB_PROGRESS, jobID)
	bus.Dispatch(event.JOB_COMPLETE, jobID)

	first := <-channel
	assert.Equal(t, event.JOB_PROGRESS, first.Event)
	assert.Equal(t, jobID, first.Payload)

	second := <-channel
	assert.Equal(t, event.JOB_COMPLETE, second.Event)
}

func Test_Dispatch_ChannelOnlyReceivesRegisteredEvents(t *testing.T) {
	bus := event.New()

	channel := make(event.HandlerChannel, 2)
	bus.RegisterHandlerChannel(channel, event.JOB_COMPLETE)

	bus.Dispatch(event.JOB_PROGRESS, uuid.New())

	select {
	case message := <-channel:
		t.Fatalf("received message for unregistered event: %v", message)
	case <-time.After(50 * time.Millisecond):
	}
}

func Test_Dispatch_RejectsIllegalPayloads(t *testing.T) {
	bus := event.New()

	channel := make(event.HandlerChannel, 1)
	bus.RegisterHandlerChannel(channel, event.JOB_UPDATE)

	// Job events require a uuid payload; a string must be discarded
	// before reaching any handler.
	bus.Dispatch(event.JOB_UPDATE, "not-a-uuid")

	select {
	case message := <-channel:
		t.Fatalf("received message with illegal payload: %v", message)
	case <-time.After(50 * time.Millisecond):
	}
}
