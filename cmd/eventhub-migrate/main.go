package main

import (
	"github.com/ghuser/eventhub/pkg/config"
	"github.com/ghuser/eventhub/pkg/migrator"

	eventhubmigrations "github.com/ghuser/eventhub/migrations/eventhub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := migrator.RunMigrations(cfg.DatabaseURL, eventhubmigrations.FS); err != nil {
		panic(err)
	}
}
