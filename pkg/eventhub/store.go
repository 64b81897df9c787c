package eventhub

import (
	"context"
	"time"
)

// Store is the repository port every eventhub component talks to. It
// abstracts the persistence layer the way repositories.ItemRepository
// abstracts the item service's storage — callers depend on this interface,
// never on *pgxpool.Pool directly, so the Processing Protocol, Worker, and
// Supervisor can all be tested against a fake.
type Store interface {
	// GetOrCreatePublisher looks up a Publisher by name, creating it with
	// the given category if absent.
	GetOrCreatePublisher(ctx context.Context, name string, category Category, actor Actor) (Publisher, error)

	// GetOrCreateEventType looks up an EventType by (publisher, name),
	// creating it if absent. If managedOnly is true and the row is
	// absent, returns ErrNotFound instead of creating (Managed-category
	// rows require pre-existence per spec §4.3).
	GetOrCreateEventType(ctx context.Context, publisher, name string, category Category, managedOnly bool, actor Actor) (EventType, error)

	// SetEventTypeSampleIfNull sets EventType.Sample to payload iff it is
	// currently null, returning whether the update happened.
	SetEventTypeSampleIfNull(ctx context.Context, publisher, eventType string, payload []byte) (bool, error)

	// InsertEvent persists a new Event row and returns it with its
	// assigned id and publish time.
	InsertEvent(ctx context.Context, ev Event) (Event, error)

	// GetEvent resolves an Event by id.
	GetEvent(ctx context.Context, id int64) (Event, error)

	// EventsAfter returns events for (publisher, eventType) with id > after
	// (or all, when after is nil), ascending by id.
	EventsAfter(ctx context.Context, publisher, eventType string, after *int64) ([]Event, error)

	// GetOrCreateSubscriber looks up a Subscriber by name, creating it
	// with the given category if absent.
	GetOrCreateSubscriber(ctx context.Context, name string, category Category, actor Actor) (Subscriber, error)

	// UpsertSubscribedEventType inserts or returns the existing
	// SubscribedEventType identified by (subscriber, publisher, eventType).
	// created reports whether this call inserted the row.
	UpsertSubscribedEventType(ctx context.Context, row SubscribedEventType, actor Actor) (result SubscribedEventType, created bool, err error)

	// ListManagedSubscriptions returns every active SubscribedEventType
	// owned by subscriber with category=Managed, for auto-subscribe.
	ListManagedSubscriptions(ctx context.Context, subscriber string) ([]SubscribedEventType, error)

	// AdvanceWatermark sets last_dispatched_event/last_dispatched_time on
	// the row with id=subID iff the stored watermark is null or less than
	// eventID. Returns whether the update applied.
	AdvanceWatermark(ctx context.Context, subID int64, eventID int64, at time.Time) (bool, error)

	// RefreshSubscribedEventType re-reads a SubscribedEventType by id,
	// used after a failed watermark advance to pick up a peer's write.
	RefreshSubscribedEventType(ctx context.Context, id int64) (SubscribedEventType, error)

	// UpdateLastListeningTime stamps last_listening_time=now on a
	// SubscribedEventType.
	UpdateLastListeningTime(ctx context.Context, id int64, at time.Time) error

	// UpsertSubscribedEvent inserts the lease row for (subscriber,
	// publisher, eventType, eventID) with defaults if absent, or returns
	// the existing row. created reports whether this call inserted it.
	UpsertSubscribedEvent(ctx context.Context, subscriber, publisher, eventType string, eventID int64, host string, pid int, at time.Time) (row SubscribedEvent, created bool, err error)

	// StealLease performs the conditional update that claims or renews a
	// SubscribedEvent lease: WHERE id=id AND process_times=observedTimes.
	// Returns whether the update affected a row.
	StealLease(ctx context.Context, id int64, observedTimes int, host string, pid int, at time.Time) (bool, error)

	// ArchiveAttempt inserts an EventProcessingHistory row snapshotting
	// the prior attempt of a SubscribedEvent, rewriting Processing to
	// Timeout per spec §4.8 step 5.
	ArchiveAttempt(ctx context.Context, prior SubscribedEvent) error

	// FinishSubscribedEvent records the outcome of a processing attempt.
	FinishSubscribedEvent(ctx context.Context, id int64, status Status, result string, at time.Time) error

	// StuckOrFailedEvents returns SubscribedEvent rows for (subscriber,
	// publisher, eventType) that are Failed, Timeout, or Processing past
	// processingTimeout, for the Replay Worker's sweep.
	StuckOrFailedEvents(ctx context.Context, subscriber, publisher, eventType string, processingTimeout time.Duration, at time.Time) ([]SubscribedEvent, error)

	// GetOrCreateProcessingModule looks up an EventProcessingModule by
	// name, creating it with the given parameters if absent.
	GetOrCreateProcessingModule(ctx context.Context, name string, parameters []byte, actor Actor) (EventProcessingModule, error)

	// Ping probes the store's connectivity. Satisfies httpx.HealthChecker.
	Ping(ctx context.Context) error
}
