package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

var (
	_ Store        = (*InMemory)(nil)
	_ ReplicaStore = (*InMemoryReplica)(nil)
)

type memRecord struct {
	identity Identity
	hash     string
}

// InMemory implements Store with in-process concurrency safety. The email
// index plays the role of the unique constraint.
type InMemory struct {
	mu      sync.RWMutex
	now     func() time.Time
	seq     int64
	byID    map[int64]*memRecord
	byEmail map[string]int64
}

// NewInMemory creates an empty canonical store.
func NewInMemory() *InMemory {
	return &InMemory{
		now:     time.Now,
		byID:    make(map[int64]*memRecord),
		byEmail: make(map[string]int64),
	}
}

func (s *InMemory) Create(ctx context.Context, u *Identity, passwordHash string) error {
	email := NormalizeEmail(u.Email)
	if email == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		return ErrEmailConflict
	}
	s.seq++
	now := s.now().UTC()
	u.ID = s.seq
	u.Email = email
	u.Roles = NormalizeRoles(u.Roles)
	u.CreatedAt = now
	u.UpdatedAt = now
	s.byID[u.ID] = &memRecord{identity: u.Clone(), hash: passwordHash}
	s.byEmail[email] = u.ID
	return nil
}

func (s *InMemory) FindByID(ctx context.Context, id int64) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return rec.identity.Clone(), nil
}

func (s *InMemory) FindByEmail(ctx context.Context, email string) (Identity, error) {
	u, _, err := s.Credentials(ctx, email)
	return u, err
}

func (s *InMemory) Credentials(ctx context.Context, email string) (Identity, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return Identity{}, "", ErrNotFound
	}
	rec := s.byID[id]
	return rec.identity.Clone(), rec.hash, nil
}

func (s *InMemory) Update(ctx context.Context, u *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[u.ID]
	if !ok {
		return ErrNotFound
	}
	email := NormalizeEmail(u.Email)
	if email == "" {
		return ErrInvalidInput
	}
	if owner, taken := s.byEmail[email]; taken && owner != u.ID {
		return ErrEmailConflict
	}
	delete(s.byEmail, rec.identity.Email)
	s.byEmail[email] = u.ID
	u.Email = email
	u.Roles = NormalizeRoles(u.Roles)
	u.CreatedAt = rec.identity.CreatedAt
	u.UpdatedAt = s.now().UTC()
	rec.identity = u.Clone()
	return nil
}

func (s *InMemory) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byEmail, rec.identity.Email)
	delete(s.byID, id)
	return nil
}

// InMemoryReplica implements ReplicaStore for tests and single-process setups.
type InMemoryReplica struct {
	mu   sync.RWMutex
	now  func() time.Time
	recs map[int64]Identity
}

// NewInMemoryReplica creates an empty replica.
func NewInMemoryReplica() *InMemoryReplica {
	return &InMemoryReplica{now: time.Now, recs: make(map[int64]Identity)}
}

// WithClock overrides the stamping clock.
func (s *InMemoryReplica) WithClock(fn func() time.Time) *InMemoryReplica {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *InMemoryReplica) Get(ctx context.Context, id int64) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.recs[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return u.Clone(), nil
}

func (s *InMemoryReplica) Upsert(ctx context.Context, u Identity) error {
	if u.ID <= 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	rec := u.Clone()
	rec.Email = NormalizeEmail(rec.Email)
	rec.Roles = NormalizeRoles(rec.Roles)
	rec.CreatedAt = now
	if prev, ok := s.recs[u.ID]; ok {
		rec.CreatedAt = prev.CreatedAt
	}
	rec.UpdatedAt = now
	s.recs[u.ID] = rec
	return nil
}

func (s *InMemoryReplica) Delete(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return false, nil
	}
	delete(s.recs, id)
	return true, nil
}

// FindByEmail returns the most recently written record carrying email.
func (s *InMemoryReplica) FindByEmail(ctx context.Context, email string) (Identity, error) {
	email = NormalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found Identity
		ok    bool
	)
	for _, u := range s.recs {
		if u.Email != email {
			continue
		}
		if !ok || u.UpdatedAt.After(found.UpdatedAt) {
			found, ok = u, true
		}
	}
	if !ok {
		return Identity{}, ErrNotFound
	}
	return found.Clone(), nil
}

func (s *InMemoryReplica) List(ctx context.Context) ([]Identity, error) {
	return s.list(func(Identity) bool { return true }), nil
}

func (s *InMemoryReplica) ListEnabled(ctx context.Context) ([]Identity, error) {
	return s.list(func(u Identity) bool { return u.Enabled }), nil
}

// Len reports the number of records held.
func (s *InMemoryReplica) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

func (s *InMemoryReplica) list(keep func(Identity) bool) []Identity {
	s.mu.RLock()
	out := make([]Identity, 0, len(s.recs))
	for _, u := range s.recs {
		if keep(u) {
			out = append(out, u.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
