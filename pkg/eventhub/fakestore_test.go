package eventhub

import (
	"context"
	"sync"
	"time"
)

// fakeStore is an in-memory Store double used by protocol_test.go so the
// Processing Protocol can be exercised without a running Postgres instance — mirrors how
// item_repository_test.go-style packages fake repositories.Store.
type fakeStore struct {
	mu sync.Mutex

	publishers map[string]Publisher
	eventTypes map[string]EventType
	events     []Event
	nextEvent  int64

	subscribers   map[string]Subscriber
	subTypes      map[int64]SubscribedEventType
	nextSubType   int64
	subEvents     map[int64]SubscribedEvent
	nextSubEvent  int64
	history       []EventProcessingHistory
	modules       map[string]EventProcessingModule
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		publishers: make(map[string]Publisher),
		eventTypes: make(map[string]EventType),
		subscribers: make(map[string]Subscriber),
		subTypes:    make(map[int64]SubscribedEventType),
		subEvents:   make(map[int64]SubscribedEvent),
		modules:     make(map[string]EventProcessingModule),
	}
}

func (f *fakeStore) GetOrCreatePublisher(_ context.Context, name string, category Category, _ Actor) (Publisher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.publishers[name]; ok {
		return p, nil
	}
	p := Publisher{Name: name, Category: category, AuditFields: AuditFields{Active: true}}
	f.publishers[name] = p
	return p, nil
}

func (f *fakeStore) GetOrCreateEventType(_ context.Context, publisher, name string, category Category, managedOnly bool, _ Actor) (EventType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := publisher + "/" + name
	if et, ok := f.eventTypes[key]; ok {
		return et, nil
	}
	if managedOnly {
		return EventType{}, ErrNotFound
	}
	et := EventType{Name: name, Publisher: publisher, Category: category, AuditFields: AuditFields{Active: true}}
	f.eventTypes[key] = et
	return et, nil
}

func (f *fakeStore) SetEventTypeSampleIfNull(_ context.Context, publisher, eventType string, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := publisher + "/" + eventType
	et, ok := f.eventTypes[key]
	if !ok || et.Sample != nil {
		return false, nil
	}
	et.Sample = payload
	f.eventTypes[key] = et
	return true, nil
}

func (f *fakeStore) InsertEvent(_ context.Context, ev Event) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEvent++
	ev.ID = f.nextEvent
	ev.Active = true
	f.events = append(f.events, ev)
	return ev, nil
}

func (f *fakeStore) GetEvent(_ context.Context, id int64) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return Event{}, ErrNotFound
}

func (f *fakeStore) EventsAfter(_ context.Context, publisher, eventType string, after *int64) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.Publisher != publisher || ev.EventType != eventType {
			continue
		}
		if after != nil && ev.ID <= *after {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeStore) GetOrCreateSubscriber(_ context.Context, name string, category Category, _ Actor) (Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.subscribers[name]; ok {
		return s, nil
	}
	s := Subscriber{Name: name, Category: category, AuditFields: AuditFields{Active: true}}
	f.subscribers[name] = s
	return s, nil
}

func (f *fakeStore) UpsertSubscribedEventType(_ context.Context, row SubscribedEventType, _ Actor) (SubscribedEventType, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.subTypes {
		if existing.Subscriber == row.Subscriber && existing.Publisher == row.Publisher && existing.EventType == row.EventType {
			return existing, false, nil
		}
	}
	f.nextSubType++
	row.ID = f.nextSubType
	f.subTypes[row.ID] = row
	return row, true, nil
}

func (f *fakeStore) ListManagedSubscriptions(_ context.Context, subscriber string) ([]SubscribedEventType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SubscribedEventType
	for _, row := range f.subTypes {
		if row.Subscriber == subscriber && row.Category == CategoryManaged {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) AdvanceWatermark(_ context.Context, subID int64, eventID int64, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.subTypes[subID]
	if !ok {
		return false, ErrNotFound
	}
	if row.LastDispatchedEvent != nil && *row.LastDispatchedEvent >= eventID {
		return false, nil
	}
	row.LastDispatchedEvent = &eventID
	row.LastDispatchedTime = &at
	f.subTypes[subID] = row
	return true, nil
}

func (f *fakeStore) RefreshSubscribedEventType(_ context.Context, id int64) (SubscribedEventType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.subTypes[id]
	if !ok {
		return SubscribedEventType{}, ErrNotFound
	}
	return row, nil
}

func (f *fakeStore) UpdateLastListeningTime(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.subTypes[id]
	if !ok {
		return ErrNotFound
	}
	row.LastListeningTime = &at
	f.subTypes[id] = row
	return nil
}

func (f *fakeStore) UpsertSubscribedEvent(_ context.Context, subscriber, publisher, eventType string, eventID int64, host string, pid int, at time.Time) (SubscribedEvent, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.subEvents {
		if row.Subscriber == subscriber && row.Publisher == publisher && row.EventType == eventType && row.EventID == eventID {
			return row, false, nil
		}
	}
	f.nextSubEvent++
	row := SubscribedEvent{
		ID:               f.nextSubEvent,
		Subscriber:       subscriber,
		Publisher:        publisher,
		EventType:        eventType,
		EventID:          eventID,
		ProcessHost:      host,
		ProcessPID:       pid,
		ProcessTimes:     1,
		ProcessStartTime: at,
		Status:           StatusProcessing,
	}
	f.subEvents[row.ID] = row
	return row, true, nil
}

func (f *fakeStore) StealLease(_ context.Context, id int64, observedTimes int, host string, pid int, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.subEvents[id]
	if !ok || row.ProcessTimes != observedTimes {
		return false, nil
	}
	row.ProcessTimes++
	row.ProcessHost = host
	row.ProcessPID = pid
	row.ProcessStartTime = at
	row.ProcessEndTime = nil
	row.Status = StatusProcessing
	row.Result = ""
	f.subEvents[id] = row
	return true, nil
}

func (f *fakeStore) ArchiveAttempt(_ context.Context, prior SubscribedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := prior.Status
	if status == StatusProcessing {
		status = StatusTimeout
	}
	f.history = append(f.history, EventProcessingHistory{
		ID:               int64(len(f.history)) + 1,
		SubscribedEvent:  prior.ID,
		ProcessHost:      prior.ProcessHost,
		ProcessPID:       prior.ProcessPID,
		ProcessStartTime: prior.ProcessStartTime,
		ProcessEndTime:   prior.ProcessEndTime,
		Status:           status,
		Result:           prior.Result,
	})
	return nil
}

func (f *fakeStore) FinishSubscribedEvent(_ context.Context, id int64, status Status, result string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.subEvents[id]
	if !ok {
		return ErrNotFound
	}
	row.Status = status
	row.Result = result
	row.ProcessEndTime = &at
	f.subEvents[id] = row
	return nil
}

func (f *fakeStore) StuckOrFailedEvents(_ context.Context, subscriber, publisher, eventType string, processingTimeout time.Duration, at time.Time) ([]SubscribedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SubscribedEvent
	for _, row := range f.subEvents {
		if row.Subscriber != subscriber || row.Publisher != publisher || row.EventType != eventType {
			continue
		}
		stuck := row.Status == StatusFailed || row.Status == StatusTimeout ||
			(row.Status == StatusProcessing && at.Sub(row.ProcessStartTime) > processingTimeout)
		if stuck {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) GetOrCreateProcessingModule(_ context.Context, name string, parameters []byte, _ Actor) (EventProcessingModule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.modules[name]; ok {
		return m, nil
	}
	m := EventProcessingModule{Name: name, Parameters: parameters, AuditFields: AuditFields{Active: true}}
	f.modules[name] = m
	return m, nil
}

func (f *fakeStore) Ping(_ context.Context) error { return nil }
