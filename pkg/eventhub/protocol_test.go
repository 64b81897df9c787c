package eventhub

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestProtocol(store Store, clock Clock, timeout time.Duration, cb Callback) *ProcessingProtocol {
	sub := SubscribedEventType{ID: 1, Subscriber: "sub", Publisher: "pub", EventType: "created"}
	if fs, ok := store.(*fakeStore); ok {
		fs.subTypes[sub.ID] = sub
	}
	pp := NewProcessingProtocol(store, nil, discardLogger(), clock, timeout, sub, cb)
	return pp
}

func TestProtocol_ProcessNewEvent_Succeeds(t *testing.T) {
	store := newFakeStore()
	ev, err := store.InsertEvent(context.Background(), Event{Publisher: "pub", EventType: "created", Payload: []byte(`{}`)})
	require.NoError(t, err)

	var gotEventID int64
	pp := newTestProtocol(store, fixedClock{at: time.Now()}, time.Hour, func(_ context.Context, e Event) (string, error) {
		gotEventID = e.ID
		return "ok", nil
	})

	handled, err := pp.process(context.Background(), ev.ID)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, ev.ID, gotEventID)

	row := store.subEvents[1]
	require.Equal(t, StatusSucceed, row.Status)
	require.Equal(t, "ok", row.Result)

	sub := store.subTypes[1]
	require.NotNil(t, sub.LastDispatchedEvent)
	require.Equal(t, ev.ID, *sub.LastDispatchedEvent)
}

func TestProtocol_CallbackError_MarksFailed(t *testing.T) {
	store := newFakeStore()
	ev, _ := store.InsertEvent(context.Background(), Event{Publisher: "pub", EventType: "created"})

	wantErr := errors.New("boom")
	pp := newTestProtocol(store, fixedClock{at: time.Now()}, time.Hour, func(_ context.Context, _ Event) (string, error) {
		return "", wantErr
	})

	handled, err := pp.process(context.Background(), ev.ID)
	require.NoError(t, err)
	require.True(t, handled, "a failed callback is still a handled attempt, never retried by the caller")

	row := store.subEvents[1]
	require.Equal(t, StatusFailed, row.Status)
	require.Equal(t, wantErr.Error(), row.Result)
}

func TestProtocol_CallbackPanic_RecoveredAsFailed(t *testing.T) {
	store := newFakeStore()
	ev, _ := store.InsertEvent(context.Background(), Event{Publisher: "pub", EventType: "created"})

	pp := newTestProtocol(store, fixedClock{at: time.Now()}, time.Hour, func(_ context.Context, _ Event) (string, error) {
		panic("callback exploded")
	})

	handled, err := pp.process(context.Background(), ev.ID)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, StatusFailed, store.subEvents[1].Status)
}

func TestProtocol_AlreadySucceeded_IsIdempotent(t *testing.T) {
	store := newFakeStore()
	ev, _ := store.InsertEvent(context.Background(), Event{Publisher: "pub", EventType: "created"})

	calls := 0
	pp := newTestProtocol(store, fixedClock{at: time.Now()}, time.Hour, func(_ context.Context, _ Event) (string, error) {
		calls++
		return "ok", nil
	})

	_, err := pp.process(context.Background(), ev.ID)
	require.NoError(t, err)
	handled, err := pp.process(context.Background(), ev.ID)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, 1, calls, "a second pass over an already-Succeed lease must not re-invoke the callback")
}

func TestProtocol_InFlightElsewhere_ReportsHandledWithoutInvokingCallback(t *testing.T) {
	store := newFakeStore()
	ev, _ := store.InsertEvent(context.Background(), Event{Publisher: "pub", EventType: "created"})

	now := time.Now()
	// seed a lease already held by a peer, started a moment ago.
	store.subEvents[1] = SubscribedEvent{
		ID: 1, Subscriber: "sub", Publisher: "pub", EventType: "created", EventID: ev.ID,
		ProcessHost: "peer", ProcessPID: 999, ProcessTimes: 1,
		ProcessStartTime: now.Add(-time.Minute), Status: StatusProcessing,
	}
	store.nextSubEvent = 1

	calls := 0
	pp := newTestProtocol(store, fixedClock{at: now}, time.Hour, func(_ context.Context, _ Event) (string, error) {
		calls++
		return "ok", nil
	})

	handled, err := pp.process(context.Background(), ev.ID)
	require.NoError(t, err)
	require.True(t, handled, "an in-flight lease within PROCESSING_TIMEOUT is resolved as handled, not retried")
	require.Equal(t, 0, calls)
}

func TestProtocol_StaleLease_IsStolenAndArchived(t *testing.T) {
	store := newFakeStore()
	ev, _ := store.InsertEvent(context.Background(), Event{Publisher: "pub", EventType: "created"})

	now := time.Now()
	store.subEvents[1] = SubscribedEvent{
		ID: 1, Subscriber: "sub", Publisher: "pub", EventType: "created", EventID: ev.ID,
		ProcessHost: "peer", ProcessPID: 999, ProcessTimes: 1,
		ProcessStartTime: now.Add(-2 * time.Hour), Status: StatusProcessing,
	}
	store.nextSubEvent = 1

	pp := newTestProtocol(store, fixedClock{at: now}, time.Hour, func(_ context.Context, _ Event) (string, error) {
		return "recovered", nil
	})

	handled, err := pp.process(context.Background(), ev.ID)
	require.NoError(t, err)
	require.True(t, handled)

	require.Len(t, store.history, 1, "the stale attempt must be archived before reprocessing")
	require.Equal(t, StatusTimeout, store.history[0].Status)

	row := store.subEvents[1]
	require.Equal(t, StatusSucceed, row.Status)
	require.Equal(t, 2, row.ProcessTimes)
}

func TestProtocol_FailedLease_IsReprocessed(t *testing.T) {
	store := newFakeStore()
	ev, _ := store.InsertEvent(context.Background(), Event{Publisher: "pub", EventType: "created"})

	now := time.Now()
	store.subEvents[1] = SubscribedEvent{
		ID: 1, Subscriber: "sub", Publisher: "pub", EventType: "created", EventID: ev.ID,
		ProcessHost: "self", ProcessPID: 1, ProcessTimes: 1,
		ProcessStartTime: now.Add(-time.Minute), Status: StatusFailed, Result: "previous error",
	}
	store.nextSubEvent = 1

	pp := newTestProtocol(store, fixedClock{at: now}, time.Hour, func(_ context.Context, _ Event) (string, error) {
		return "ok", nil
	})

	handled, err := pp.process(context.Background(), ev.ID)
	require.NoError(t, err)
	require.True(t, handled)
	require.Len(t, store.history, 1)
	require.Equal(t, StatusSucceed, store.subEvents[1].Status)
}

// raceyStore simulates a peer stealing a lease between this caller's read
// (inside process()'s UpsertSubscribedEvent call) and its own StealLease
// attempt: it bumps process_times on the underlying row right after
// answering the read, so the caller's StealLease observes a stale value.
type raceyStore struct {
	*fakeStore
}

func (r raceyStore) UpsertSubscribedEvent(ctx context.Context, subscriber, publisher, eventType string, eventID int64, host string, pid int, at time.Time) (SubscribedEvent, bool, error) {
	row, created, err := r.fakeStore.UpsertSubscribedEvent(ctx, subscriber, publisher, eventType, eventID, host, pid, at)
	if err == nil && !created {
		r.mu.Lock()
		stolen := r.subEvents[row.ID]
		stolen.ProcessTimes++
		r.subEvents[row.ID] = stolen
		r.mu.Unlock()
	}
	return row, created, err
}

func TestProtocol_LeaseStolenByPeerBetweenReadAndSteal_ReportsHandled(t *testing.T) {
	base := newFakeStore()
	ev, _ := base.InsertEvent(context.Background(), Event{Publisher: "pub", EventType: "created"})

	now := time.Now()
	base.subEvents[1] = SubscribedEvent{
		ID: 1, Subscriber: "sub", Publisher: "pub", EventType: "created", EventID: ev.ID,
		ProcessHost: "peer", ProcessPID: 999, ProcessTimes: 1,
		ProcessStartTime: now.Add(-2 * time.Hour), Status: StatusProcessing,
	}
	base.nextSubEvent = 1
	store := raceyStore{base}

	calls := 0
	pp := newTestProtocol(store, fixedClock{at: now}, time.Hour, func(_ context.Context, _ Event) (string, error) {
		calls++
		return "ok", nil
	})

	handled, err := pp.process(context.Background(), ev.ID)
	require.NoError(t, err)
	require.True(t, handled, "losing the steal race is still resolved as handled, never retried by this caller")
	require.Equal(t, 0, calls)
}
