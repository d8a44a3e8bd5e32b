package clock

import (
	"context"
	"time"
)

// Clock abstracts wall time so reconciliation logic and its tests can
// agree on "now". The context allows request-scoped time overrides.
type Clock interface {
	Now(ctx context.Context) time.Time
}
