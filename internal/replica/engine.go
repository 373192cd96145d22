// Package replica keeps a read-side copy of identities in step with the
// authority by applying identity events.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"edgeward.io/internal/events"
	"edgeward.io/internal/identity"
	"edgeward.io/internal/obs"
)

// ErrInvalidSnapshot marks an event whose snapshot lacks an id.
var ErrInvalidSnapshot = errors.New("replica: snapshot has no id")

// ErrUnknownEventType marks an event type the engine does not handle.
var ErrUnknownEventType = errors.New("replica: unknown event type")

// ProcessingError is terminal for a single event.
type ProcessingError struct {
	Type identity.EventType
	ID   int64
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("replica: apply %s for identity %d: %v", e.Type, e.ID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Engine applies identity events to a ReplicaStore. Transitions for one id
// never run concurrently; different ids proceed in parallel.
type Engine struct {
	store identity.ReplicaStore
	locks *keyedMutex
	log   zerolog.Logger
}

// NewEngine creates an engine writing to store.
func NewEngine(store identity.ReplicaStore) *Engine {
	return &Engine{
		store: store,
		locks: newKeyedMutex(),
		log:   obs.Component("replica.engine"),
	}
}

// Apply performs the state transition for ev:
//
//	CREATED, UPDATED -> record = snapshot (upsert)
//	DELETED          -> record removed; absent record is a no-op
//
// Repeated or reordered delivery of the same snapshot converges to the same
// state.
func (e *Engine) Apply(ctx context.Context, ev identity.Event) error {
	id := ev.User.ID
	if id <= 0 {
		return &ProcessingError{Type: ev.Type, ID: id, Err: ErrInvalidSnapshot}
	}
	if !ev.Type.Known() {
		return &ProcessingError{Type: ev.Type, ID: id, Err: ErrUnknownEventType}
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	switch ev.Type {
	case identity.EventCreated, identity.EventUpdated:
		if err := e.store.Upsert(ctx, ev.User); err != nil {
			return &ProcessingError{Type: ev.Type, ID: id, Err: err}
		}
	case identity.EventDeleted:
		existed, err := e.store.Delete(ctx, id)
		if err != nil {
			return &ProcessingError{Type: ev.Type, ID: id, Err: err}
		}
		if !existed {
			e.log.Debug().Int64("identity_id", id).Msg("delete for absent identity ignored")
		}
	}
	return nil
}

// Handle is the subscription handler: it applies ev and swallows failures
// after logging them, so one bad event never stops consumption.
func (e *Engine) Handle(ctx context.Context, ev identity.Event) error {
	err := e.Apply(ctx, ev)
	if err == nil {
		obs.ObserveReplicaApply(string(ev.Type), "applied")
		return nil
	}
	outcome := "error"
	if errors.Is(err, ErrUnknownEventType) {
		outcome = "dropped"
	}
	obs.ObserveReplicaApply(string(ev.Type), outcome)
	e.log.Warn().Err(err).
		Str("event_type", string(ev.Type)).
		Int64("identity_id", ev.User.ID).
		Msg("identity event dropped")
	return nil
}

// Run subscribes the engine to topic on sub.
func (e *Engine) Run(ctx context.Context, sub events.Subscriber, topic string) error {
	if err := sub.Subscribe(ctx, topic, e.Handle); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	e.log.Info().Str("topic", topic).Msg("replica sync running")
	return nil
}

// keyedMutex hands out one mutex per id and forgets it once idle.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*refLock)}
}

func (k *keyedMutex) Lock(id int64) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
