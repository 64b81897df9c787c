// Command eventhub-publish is a demo publisher: it creates a publisher and
// event type if absent, then publishes a single payload read from argv.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ghuser/eventhub/pkg/config"
	"github.com/ghuser/eventhub/pkg/eventhub"
	"github.com/ghuser/eventhub/pkg/logger"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintln(os.Stderr, "usage: eventhub-publish <publisher> <event_type> <payload-json>")
		os.Exit(2)
	}
	publisherName, eventTypeName, payload := os.Args[1], os.Args[2], os.Args[3]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := eventhub.NewPostgresStore(pool)
	active := eventhub.NewActiveConn(pool)

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		log.Error("invalid time zone", "error", err)
		os.Exit(1)
	}
	clock := eventhub.NewClock(loc)

	pub, err := eventhub.NewPublisher(ctx, store, active, log.ToSlog(), publisherName, eventTypeName, eventhub.CategoryProgrammatic,
		eventhub.WithPublisherClock(clock))
	if err != nil {
		log.Error("create publisher", "error", err)
		os.Exit(1)
	}

	ev, err := pub.Publish(ctx, []byte(payload))
	if err != nil {
		log.Error("publish", "error", err)
		os.Exit(1)
	}
	log.Info("published event", "event_id", ev.ID, "channel", ev.Channel())
}
