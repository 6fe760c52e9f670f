package pollcat

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so reconciliation reports are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts run ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

type runIDKey struct{}

// WithRunID returns a context carrying the id of the run it belongs to.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom returns the run id stored by WithRunID, or "".
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

func runIDFor(ctx context.Context, idgen IDGenerator) string {
	if id := RunIDFrom(ctx); id != "" {
		return id
	}
	return idgen.New()
}
