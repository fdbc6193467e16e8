package journey

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/stepper/model"
)

// MemoryStore is an in-memory Store for tests and single-process
// development. A per-journey mutex stands in for the row lock. It has no
// rollback: InTransaction only groups calls.
type MemoryStore struct {
	mu       sync.RWMutex
	journeys map[string]model.Journey
	locks    map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory journey store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		journeys: make(map[string]model.Journey),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Create persists a new journey.
func (s *MemoryStore) Create(_ context.Context, j model.Journey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.journeys[j.ID]; exists {
		return model.NewConflictError("journey " + j.ID + " already exists")
	}
	for _, existing := range s.journeys {
		if activeConflict(existing, j) {
			return model.NewJourneyActiveError(j.JourneyType, j.Hero)
		}
	}
	s.journeys[j.ID] = j.Clone()
	s.locks[j.ID] = &sync.Mutex{}
	return nil
}

// Get retrieves a journey by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.journeys[id]
	if !ok {
		return model.Journey{}, model.NewJourneyNotFoundError(id)
	}
	return j.Clone(), nil
}

// WithLock runs fn while holding the journey's mutex.
func (s *MemoryStore) WithLock(ctx context.Context, id string, fn LockFunc) error {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return model.NewJourneyNotFoundError(id)
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	j := s.journeys[id].Clone()
	s.mu.RUnlock()

	save, err := fn(ctx, &j)
	if err != nil {
		return err
	}
	if save {
		s.mu.Lock()
		s.journeys[id] = j.Clone()
		s.mu.Unlock()
	}
	return nil
}

// InTransaction runs fn directly.
func (s *MemoryStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// FindActiveForHero returns the hero's non-terminal journeys of the given type.
func (s *MemoryStore) FindActiveForHero(_ context.Context, hero model.Hero, journeyType string) ([]model.Journey, error) {
	return s.filter(func(j model.Journey) bool {
		return j.Hero == hero && j.JourneyType == journeyType && model.IsActiveState(j.State)
	}, func(a, b model.Journey) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	}, 0), nil
}

// List returns one page of journeys matching the filters.
func (s *MemoryStore) List(_ context.Context, f model.JourneyFilters) ([]model.Journey, int, error) {
	all := s.filter(func(j model.Journey) bool {
		return (f.JourneyType == "" || j.JourneyType == f.JourneyType) &&
			(f.State == "" || j.State == f.State) &&
			(f.HeroType == "" || j.Hero.Type == f.HeroType) &&
			(f.HeroID == "" || j.Hero.ID == f.HeroID)
	}, func(a, b model.Journey) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	}, 0)

	total := len(all)
	if f.Offset >= total {
		return []model.Journey{}, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

// FindDue returns ready or sleeping journeys scheduled at or before cutoff.
func (s *MemoryStore) FindDue(_ context.Context, cutoff time.Time, limit int) ([]model.Journey, error) {
	return s.filter(func(j model.Journey) bool {
		return (j.State == model.JourneyStateReady || j.State == model.JourneyStateSleeping) &&
			j.ScheduledAt != nil && !j.ScheduledAt.After(cutoff)
	}, func(a, b model.Journey) bool {
		return a.ScheduledAt.Before(*b.ScheduledAt)
	}, limit), nil
}

// FindStalled returns performing journeys last updated before cutoff.
func (s *MemoryStore) FindStalled(_ context.Context, cutoff time.Time, limit int) ([]model.Journey, error) {
	return s.filter(func(j model.Journey) bool {
		return j.State == model.JourneyStatePerforming && j.UpdatedAt.Before(cutoff)
	}, func(a, b model.Journey) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}, limit), nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

func (s *MemoryStore) filter(keep func(model.Journey) bool, less func(a, b model.Journey) bool, limit int) []model.Journey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Journey, 0)
	for _, j := range s.journeys {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return less(out[i], out[k]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
