// Package eventhub bundles the goose SQL migrations for the event hub
// schema so they ship inside the compiled binary, matching the teacher's
// migrations/item/run.go embedding convention.
package eventhub

import "embed"

//go:embed *.sql
var FS embed.FS
