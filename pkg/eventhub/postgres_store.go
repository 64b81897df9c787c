package eventhub

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxQuerier is satisfied by both *pgxpool.Pool and *pgxpool.Conn, letting
// PostgresStore issue queries against whichever one ActiveContext placed on
// the request context — mirrors item_repository.go's q := db.New(tx-or-pool)
// indirection, minus the sqlc-generated layer (see DESIGN.md).
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store against PostgreSQL via pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a PostgresStore backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) q(ctx context.Context) pgxQuerier {
	if conn, ok := ConnFromContext(ctx); ok {
		return conn
	}
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	var probe int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&probe); err != nil {
		return fmt.Errorf("eventhub: ping: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreatePublisher(ctx context.Context, name string, category Category, actor Actor) (Publisher, error) {
	q := s.q(ctx)
	var p Publisher
	err := q.QueryRow(ctx, `SELECT name, category, comments, active FROM publisher WHERE name = $1`, name).
		Scan(&p.Name, &p.Category, &p.Comments, &p.Active)
	if err == nil {
		return p, nil
	}
	if !isNoRows(err) {
		return Publisher{}, fmt.Errorf("eventhub: query publisher: %w", err)
	}

	now := time.Now().UTC()
	_, err = q.Exec(ctx, `
		INSERT INTO publisher (name, category, comments, active, creator_name, creator_category, created, modifier_name, modifier_category, modified, active_modifier_name, active_modifier_category, active_modified)
		VALUES ($1, $2, '', true, $3, $4, $5, $3, $4, $5, $3, $4, $5)
		ON CONFLICT (name) DO NOTHING`,
		name, category, actor.Name, actor.Category, now)
	if err != nil {
		return Publisher{}, fmt.Errorf("eventhub: insert publisher: %w", err)
	}

	err = q.QueryRow(ctx, `SELECT name, category, comments, active FROM publisher WHERE name = $1`, name).
		Scan(&p.Name, &p.Category, &p.Comments, &p.Active)
	if err != nil {
		return Publisher{}, fmt.Errorf("eventhub: reread publisher: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetOrCreateEventType(ctx context.Context, publisher, name string, category Category, managedOnly bool, actor Actor) (EventType, error) {
	q := s.q(ctx)
	var et EventType
	err := q.QueryRow(ctx, `SELECT name, publisher_name, category, sample, comments, active FROM event_type WHERE publisher_name = $1 AND name = $2`, publisher, name).
		Scan(&et.Name, &et.Publisher, &et.Category, &et.Sample, &et.Comments, &et.Active)
	if err == nil {
		return et, nil
	}
	if !isNoRows(err) {
		return EventType{}, fmt.Errorf("eventhub: query event_type: %w", err)
	}
	if managedOnly {
		return EventType{}, fmt.Errorf("eventhub: managed event type %s.%s: %w", publisher, name, ErrNotFound)
	}

	now := time.Now().UTC()
	_, err = q.Exec(ctx, `
		INSERT INTO event_type (publisher_name, name, category, comments, active, creator_name, creator_category, created, modifier_name, modifier_category, modified, active_modifier_name, active_modifier_category, active_modified)
		VALUES ($1, $2, $3, '', true, $4, $5, $6, $4, $5, $6, $4, $5, $6)
		ON CONFLICT (publisher_name, name) DO NOTHING`,
		publisher, name, category, actor.Name, actor.Category, now)
	if err != nil {
		return EventType{}, fmt.Errorf("eventhub: insert event_type: %w", err)
	}
	err = q.QueryRow(ctx, `SELECT name, publisher_name, category, sample, comments, active FROM event_type WHERE publisher_name = $1 AND name = $2`, publisher, name).
		Scan(&et.Name, &et.Publisher, &et.Category, &et.Sample, &et.Comments, &et.Active)
	if err != nil {
		return EventType{}, fmt.Errorf("eventhub: reread event_type: %w", err)
	}
	return et, nil
}

func (s *PostgresStore) SetEventTypeSampleIfNull(ctx context.Context, publisher, eventType string, payload []byte) (bool, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE event_type SET sample = $3
		WHERE publisher_name = $1 AND name = $2 AND sample IS NULL`,
		publisher, eventType, payload)
	if err != nil {
		return false, fmt.Errorf("eventhub: set event_type sample: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev Event) (Event, error) {
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO event (publisher_name, event_type_name, source, publish_time, payload, active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING id, publish_time`,
		ev.Publisher, ev.EventType, ev.Source, ev.PublishTime, ev.Payload,
	).Scan(&ev.ID, &ev.PublishTime)
	if err != nil {
		return Event{}, fmt.Errorf("eventhub: insert event: %w", err)
	}
	ev.Active = true
	return ev, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id int64) (Event, error) {
	var ev Event
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, publisher_name, event_type_name, source, publish_time, payload, active
		FROM event WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.Publisher, &ev.EventType, &ev.Source, &ev.PublishTime, &ev.Payload, &ev.Active)
	if err != nil {
		if isNoRows(err) {
			return Event{}, fmt.Errorf("eventhub: event %d: %w", id, ErrNotFound)
		}
		return Event{}, fmt.Errorf("eventhub: query event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) EventsAfter(ctx context.Context, publisher, eventType string, after *int64) ([]Event, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after != nil {
		rows, err = s.q(ctx).Query(ctx, `
			SELECT id, publisher_name, event_type_name, source, publish_time, payload, active
			FROM event WHERE publisher_name = $1 AND event_type_name = $2 AND id > $3
			ORDER BY id ASC`, publisher, eventType, *after)
	} else {
		rows, err = s.q(ctx).Query(ctx, `
			SELECT id, publisher_name, event_type_name, source, publish_time, payload, active
			FROM event WHERE publisher_name = $1 AND event_type_name = $2
			ORDER BY id ASC`, publisher, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("eventhub: query events after: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Publisher, &ev.EventType, &ev.Source, &ev.PublishTime, &ev.Payload, &ev.Active); err != nil {
			return nil, fmt.Errorf("eventhub: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrCreateSubscriber(ctx context.Context, name string, category Category, actor Actor) (Subscriber, error) {
	q := s.q(ctx)
	var sub Subscriber
	err := q.QueryRow(ctx, `SELECT name, category, comments, active FROM subscriber WHERE name = $1`, name).
		Scan(&sub.Name, &sub.Category, &sub.Comments, &sub.Active)
	if err == nil {
		return sub, nil
	}
	if !isNoRows(err) {
		return Subscriber{}, fmt.Errorf("eventhub: query subscriber: %w", err)
	}

	now := time.Now().UTC()
	_, err = q.Exec(ctx, `
		INSERT INTO subscriber (name, category, comments, active, creator_name, creator_category, created, modifier_name, modifier_category, modified, active_modifier_name, active_modifier_category, active_modified)
		VALUES ($1, $2, '', true, $3, $4, $5, $3, $4, $5, $3, $4, $5)
		ON CONFLICT (name) DO NOTHING`,
		name, category, actor.Name, actor.Category, now)
	if err != nil {
		return Subscriber{}, fmt.Errorf("eventhub: insert subscriber: %w", err)
	}
	err = q.QueryRow(ctx, `SELECT name, category, comments, active FROM subscriber WHERE name = $1`, name).
		Scan(&sub.Name, &sub.Category, &sub.Comments, &sub.Active)
	if err != nil {
		return Subscriber{}, fmt.Errorf("eventhub: reread subscriber: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) UpsertSubscribedEventType(ctx context.Context, row SubscribedEventType, actor Actor) (SubscribedEventType, bool, error) {
	q := s.q(ctx)
	now := time.Now().UTC()

	tag, err := q.Exec(ctx, `
		INSERT INTO subscribed_event_type (
			subscriber_name, publisher_name, event_type_name, category,
			processing_module_ref, parameters, replay_missed_events, replay_failed_events,
			active, creator_name, creator_category, created, modifier_name, modifier_category, modified,
			active_modifier_name, active_modifier_category, active_modified
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8, true, $9,$10,$11, $9,$10,$11, $9,$10,$11)
		ON CONFLICT (subscriber_name, publisher_name, event_type_name) DO NOTHING`,
		row.Subscriber, row.Publisher, row.EventType, row.Category,
		nullString(row.ProcessingModuleRef), row.Parameters, row.ReplayMissedEvents, row.ReplayFailedEvents,
		actor.Name, actor.Category, now)
	if err != nil {
		return SubscribedEventType{}, false, fmt.Errorf("eventhub: upsert subscribed_event_type: %w", err)
	}
	created := tag.RowsAffected() > 0

	out, err := s.selectSubscribedEventType(ctx, row.Subscriber, row.Publisher, row.EventType)
	if err != nil {
		return SubscribedEventType{}, false, err
	}
	return out, created, nil
}

func (s *PostgresStore) selectSubscribedEventType(ctx context.Context, subscriber, publisher, eventType string) (SubscribedEventType, error) {
	var row SubscribedEventType
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, subscriber_name, publisher_name, event_type_name, category,
		       COALESCE(processing_module_ref, ''), parameters, replay_missed_events, replay_failed_events,
		       last_dispatched_event_id, last_dispatched_time, last_listening_time
		FROM subscribed_event_type
		WHERE subscriber_name = $1 AND publisher_name = $2 AND event_type_name = $3`,
		subscriber, publisher, eventType,
	).Scan(&row.ID, &row.Subscriber, &row.Publisher, &row.EventType, &row.Category,
		&row.ProcessingModuleRef, &row.Parameters, &row.ReplayMissedEvents, &row.ReplayFailedEvents,
		&row.LastDispatchedEvent, &row.LastDispatchedTime, &row.LastListeningTime)
	if err != nil {
		if isNoRows(err) {
			return SubscribedEventType{}, fmt.Errorf("eventhub: subscribed_event_type %s/%s/%s: %w", subscriber, publisher, eventType, ErrNotFound)
		}
		return SubscribedEventType{}, fmt.Errorf("eventhub: query subscribed_event_type: %w", err)
	}
	return row, nil
}

func (s *PostgresStore) ListManagedSubscriptions(ctx context.Context, subscriber string) ([]SubscribedEventType, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, subscriber_name, publisher_name, event_type_name, category,
		       COALESCE(processing_module_ref, ''), parameters, replay_missed_events, replay_failed_events,
		       last_dispatched_event_id, last_dispatched_time, last_listening_time
		FROM subscribed_event_type
		WHERE subscriber_name = $1 AND category = $2 AND active = true`,
		subscriber, CategoryManaged)
	if err != nil {
		return nil, fmt.Errorf("eventhub: query managed subscriptions: %w", err)
	}
	defer rows.Close()

	var out []SubscribedEventType
	for rows.Next() {
		var row SubscribedEventType
		if err := rows.Scan(&row.ID, &row.Subscriber, &row.Publisher, &row.EventType, &row.Category,
			&row.ProcessingModuleRef, &row.Parameters, &row.ReplayMissedEvents, &row.ReplayFailedEvents,
			&row.LastDispatchedEvent, &row.LastDispatchedTime, &row.LastListeningTime); err != nil {
			return nil, fmt.Errorf("eventhub: scan subscribed_event_type: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AdvanceWatermark(ctx context.Context, subID int64, eventID int64, at time.Time) (bool, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE subscribed_event_type
		SET last_dispatched_event_id = $2, last_dispatched_time = $3
		WHERE id = $1 AND (last_dispatched_event_id IS NULL OR last_dispatched_event_id < $2)`,
		subID, eventID, at)
	if err != nil {
		return false, fmt.Errorf("eventhub: advance watermark: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RefreshSubscribedEventType(ctx context.Context, id int64) (SubscribedEventType, error) {
	var row SubscribedEventType
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, subscriber_name, publisher_name, event_type_name, category,
		       COALESCE(processing_module_ref, ''), parameters, replay_missed_events, replay_failed_events,
		       last_dispatched_event_id, last_dispatched_time, last_listening_time
		FROM subscribed_event_type WHERE id = $1`, id,
	).Scan(&row.ID, &row.Subscriber, &row.Publisher, &row.EventType, &row.Category,
		&row.ProcessingModuleRef, &row.Parameters, &row.ReplayMissedEvents, &row.ReplayFailedEvents,
		&row.LastDispatchedEvent, &row.LastDispatchedTime, &row.LastListeningTime)
	if err != nil {
		return SubscribedEventType{}, fmt.Errorf("eventhub: refresh subscribed_event_type %d: %w", id, err)
	}
	return row, nil
}

func (s *PostgresStore) UpdateLastListeningTime(ctx context.Context, id int64, at time.Time) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE subscribed_event_type SET last_listening_time = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("eventhub: update last_listening_time: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertSubscribedEvent(ctx context.Context, subscriber, publisher, eventType string, eventID int64, host string, pid int, at time.Time) (SubscribedEvent, bool, error) {
	q := s.q(ctx)
	tag, err := q.Exec(ctx, `
		INSERT INTO subscribed_event (
			subscriber_name, publisher_name, event_type_name, event_id,
			process_host, process_pid, process_times, process_start_time, status
		) VALUES ($1,$2,$3,$4,$5,$6,1,$7,$8)
		ON CONFLICT (subscriber_name, publisher_name, event_type_name, event_id) DO NOTHING`,
		subscriber, publisher, eventType, eventID, host, pid, at, StatusProcessing)
	if err != nil {
		return SubscribedEvent{}, false, fmt.Errorf("eventhub: upsert subscribed_event: %w", err)
	}
	created := tag.RowsAffected() > 0

	var row SubscribedEvent
	err = q.QueryRow(ctx, `
		SELECT id, subscriber_name, publisher_name, event_type_name, event_id,
		       process_host, process_pid, process_times, process_start_time, process_end_time, status, COALESCE(result, '')
		FROM subscribed_event
		WHERE subscriber_name = $1 AND publisher_name = $2 AND event_type_name = $3 AND event_id = $4`,
		subscriber, publisher, eventType, eventID,
	).Scan(&row.ID, &row.Subscriber, &row.Publisher, &row.EventType, &row.EventID,
		&row.ProcessHost, &row.ProcessPID, &row.ProcessTimes, &row.ProcessStartTime, &row.ProcessEndTime, &row.Status, &row.Result)
	if err != nil {
		return SubscribedEvent{}, false, fmt.Errorf("eventhub: reread subscribed_event: %w", err)
	}
	return row, created, nil
}

func (s *PostgresStore) StealLease(ctx context.Context, id int64, observedTimes int, host string, pid int, at time.Time) (bool, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE subscribed_event
		SET process_host = $3, process_pid = $4, process_times = process_times + 1,
		    process_start_time = $5, process_end_time = NULL, status = $6, result = NULL
		WHERE id = $1 AND process_times = $2`,
		id, observedTimes, host, pid, at, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("eventhub: steal lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ArchiveAttempt(ctx context.Context, prior SubscribedEvent) error {
	status := prior.Status
	if status == StatusProcessing {
		status = StatusTimeout
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO event_processing_history (
			subscribed_event_id, process_host, process_pid, process_start_time, process_end_time, status, result
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		prior.ID, prior.ProcessHost, prior.ProcessPID, prior.ProcessStartTime, prior.ProcessEndTime, status, prior.Result)
	if err != nil {
		return fmt.Errorf("eventhub: archive attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishSubscribedEvent(ctx context.Context, id int64, status Status, result string, at time.Time) error {
	_, err := s.q(ctx).Exec(ctx, `
		UPDATE subscribed_event SET process_end_time = $2, status = $3, result = $4 WHERE id = $1`,
		id, at, status, result)
	if err != nil {
		return fmt.Errorf("eventhub: finish subscribed_event: %w", err)
	}
	return nil
}

func (s *PostgresStore) StuckOrFailedEvents(ctx context.Context, subscriber, publisher, eventType string, processingTimeout time.Duration, at time.Time) ([]SubscribedEvent, error) {
	cutoff := at.Add(-processingTimeout)
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, subscriber_name, publisher_name, event_type_name, event_id,
		       process_host, process_pid, process_times, process_start_time, process_end_time, status, COALESCE(result, '')
		FROM subscribed_event
		WHERE subscriber_name = $1 AND publisher_name = $2 AND event_type_name = $3
		  AND (status = $4 OR status = $5 OR (status = $6 AND process_start_time < $7))`,
		subscriber, publisher, eventType, StatusFailed, StatusTimeout, StatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("eventhub: query stuck/failed events: %w", err)
	}
	defer rows.Close()

	var out []SubscribedEvent
	for rows.Next() {
		var row SubscribedEvent
		if err := rows.Scan(&row.ID, &row.Subscriber, &row.Publisher, &row.EventType, &row.EventID,
			&row.ProcessHost, &row.ProcessPID, &row.ProcessTimes, &row.ProcessStartTime, &row.ProcessEndTime, &row.Status, &row.Result); err != nil {
			return nil, fmt.Errorf("eventhub: scan subscribed_event: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOrCreateProcessingModule(ctx context.Context, name string, parameters []byte, actor Actor) (EventProcessingModule, error) {
	q := s.q(ctx)
	var m EventProcessingModule
	err := q.QueryRow(ctx, `SELECT name, parameters, comments FROM event_processing_module WHERE name = $1`, name).
		Scan(&m.Name, &m.Parameters, &m.Comments)
	if err == nil {
		return m, nil
	}
	if !isNoRows(err) {
		return EventProcessingModule{}, fmt.Errorf("eventhub: query processing module: %w", err)
	}

	now := time.Now().UTC()
	_, err = q.Exec(ctx, `
		INSERT INTO event_processing_module (name, parameters, comments, active, creator_name, creator_category, created, modifier_name, modifier_category, modified, active_modifier_name, active_modifier_category, active_modified)
		VALUES ($1, $2, '', true, $3, $4, $5, $3, $4, $5, $3, $4, $5)
		ON CONFLICT (name) DO NOTHING`,
		name, parameters, actor.Name, actor.Category, now)
	if err != nil {
		return EventProcessingModule{}, fmt.Errorf("eventhub: insert processing module: %w", err)
	}
	err = q.QueryRow(ctx, `SELECT name, parameters, comments FROM event_processing_module WHERE name = $1`, name).
		Scan(&m.Name, &m.Parameters, &m.Comments)
	if err != nil {
		return EventProcessingModule{}, fmt.Errorf("eventhub: reread processing module: %w", err)
	}
	return m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
