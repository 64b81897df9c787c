package eventhub

import "errors"

// Sentinel errors returned by the store and protocol layers. Callers should
// compare with errors.Is rather than string matching.
var (
	// ErrNotFound is returned when a lookup (publisher, event type,
	// subscriber, subscription) finds no matching row.
	ErrNotFound = errors.New("eventhub: not found")

	// ErrLeaseLost names the case where the conditional UPDATE that claims
	// or renews a SubscribedEvent lease affects zero rows — a peer observed
	// a stale process_times and won the race first. The Processing Protocol
	// does not return it: it reports that case as handled (see protocol.go).
	ErrLeaseLost = errors.New("eventhub: lease lost to a concurrent process")

	// ErrAlreadySubscribed is returned when a subscriber attempts to
	// subscribe to an (publisher, event_type) pair it already subscribes to.
	ErrAlreadySubscribed = errors.New("eventhub: already subscribed")

	// ErrUnknownProcessingModule is returned when a Managed
	// SubscribedEventType names an EventProcessingModule that has no
	// matching entry in the in-process Registry.
	ErrUnknownProcessingModule = errors.New("eventhub: unknown processing module")

	// ErrInvalidChannel is returned when a publisher or event type name
	// would produce a LISTEN/NOTIFY channel name Postgres cannot carry
	// verbatim (spec §6 channel-naming safety).
	ErrInvalidChannel = errors.New("eventhub: invalid channel name")

	// ErrClosed is returned by Publisher.Publish/Close, Listener.Run/Ping,
	// and Subscriber.Subscribe calls made after the owner was closed
	// (Publisher.Close, Listener.Close, Subscriber.Shutdown).
	ErrClosed = errors.New("eventhub: closed")
)
