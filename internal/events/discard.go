package events

import (
	"context"

	"edgeward.io/internal/identity"
	"edgeward.io/internal/obs"
)

// Discard is a Publisher that only logs. The authority uses it when no broker
// is configured.
var Discard Publisher = PublisherFunc(func(ctx context.Context, topic string, ev identity.Event) error {
	log := obs.Component("events.discard")
	log.Debug().
		Str("topic", topic).
		Str("event_type", string(ev.Type)).
		Str("key", ev.PartitionKey()).
		Msg("event discarded")
	return nil
})
