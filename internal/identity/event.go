package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// EventType discriminates identity change events.
type EventType string

const (
	EventCreated EventType = "CREATED"
	EventUpdated EventType = "UPDATED"
	EventDeleted EventType = "DELETED"
)

// Known reports whether t is one of the event types the replica understands.
func (t EventType) Known() bool {
	switch t {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	}
	return false
}

// ErrMalformedEvent is returned when an event payload cannot be decoded.
var ErrMalformedEvent = errors.New("identity: malformed event")

// Event is an immutable fact about an identity. A correction is always a new
// event, never an edit of a published one.
type Event struct {
	Type      EventType
	User      Identity
	Timestamp time.Time
}

// NewEvent stamps an event for the given snapshot.
func NewEvent(t EventType, snapshot Identity, at time.Time) Event {
	return Event{Type: t, User: snapshot.Clone(), Timestamp: at.UTC()}
}

// PartitionKey is the ordering key events for one identity share on the channel.
func (e Event) PartitionKey() string {
	return strconv.FormatInt(e.User.ID, 10)
}

type wireEvent struct {
	EventType string          `json:"eventType"`
	User      json.RawMessage `json:"user"`
	Timestamp int64           `json:"timestamp"`
}

// MarshalJSON renders the wire schema with an epoch-millis timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	user, err := json.Marshal(e.User)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		EventType: string(e.Type),
		User:      user,
		Timestamp: e.Timestamp.UnixMilli(),
	})
}

// UnmarshalJSON accepts unknown event types so the consumer can log and drop
// them; a missing snapshot or snapshot id is malformed.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(w.User) == 0 || string(w.User) == "null" {
		return fmt.Errorf("%w: user snapshot missing", ErrMalformedEvent)
	}
	var user Identity
	if err := json.Unmarshal(w.User, &user); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if user.ID <= 0 {
		return fmt.Errorf("%w: user id missing", ErrMalformedEvent)
	}
	e.Type = EventType(w.EventType)
	e.User = user
	e.Timestamp = time.UnixMilli(w.Timestamp).UTC()
	return nil
}

// EncodeEvent serializes an event for the channel.
func EncodeEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an event received from the channel.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return e, nil
}
