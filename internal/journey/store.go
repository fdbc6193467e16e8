package journey

import (
	"context"
	"time"

	"github.com/pitabwire/stepper/model"
)

// LockFunc mutates a journey while its row lock is held. Returning save=true
// persists the mutated journey in the same transaction; returning an error
// rolls the transaction back.
type LockFunc func(ctx context.Context, j *model.Journey) (save bool, err error)

// Store persists journeys. Implementations must serialise WithLock calls for
// the same journey ID and must carry an open transaction in the context they
// pass to callbacks, so nested WithLock and InTransaction calls join it.
type Store interface {
	// Create persists a new journey. Returns JOURNEY_ALREADY_ACTIVE if the
	// journey does not allow multiples and its hero already has an active
	// journey of the same type.
	Create(ctx context.Context, j model.Journey) error

	// Get retrieves a journey by ID. Returns JOURNEY_NOT_FOUND if missing.
	Get(ctx context.Context, id string) (model.Journey, error)

	// WithLock loads the journey under an exclusive row lock and runs fn.
	// Returns JOURNEY_NOT_FOUND without calling fn if the journey is missing.
	WithLock(ctx context.Context, id string, fn LockFunc) error

	// InTransaction runs fn inside one storage transaction. Writes made
	// through the store with the context passed to fn commit or roll back
	// together.
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// FindActiveForHero returns the non-terminal journeys of journeyType for
	// the hero, oldest first.
	FindActiveForHero(ctx context.Context, hero model.Hero, journeyType string) ([]model.Journey, error)

	// List returns one page of journeys matching the filters, newest first,
	// with the total number of matches.
	List(ctx context.Context, filters model.JourneyFilters) ([]model.Journey, int, error)

	// FindDue returns ready or sleeping journeys scheduled at or before
	// cutoff, earliest first.
	FindDue(ctx context.Context, cutoff time.Time, limit int) ([]model.Journey, error)

	// FindStalled returns performing journeys last updated before cutoff.
	FindStalled(ctx context.Context, cutoff time.Time, limit int) ([]model.Journey, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// activeConflict reports whether existing blocks the creation of j under the
// one-active-journey-per-hero rule.
func activeConflict(existing, j model.Journey) bool {
	return !j.AllowMultiple && !existing.AllowMultiple &&
		model.IsActiveState(j.State) &&
		existing.JourneyType == j.JourneyType &&
		existing.Hero == j.Hero &&
		model.IsActiveState(existing.State)
}
