package dummy

import "github.com/barnybug/gonilm/pubsub"

// Publisher for testing - records emitted events.
type Publisher struct {
	Events []*pubsub.Event
}

func (pub *Publisher) ID() string {
	return "dummy"
}

func (pub *Publisher) Emit(ev *pubsub.Event) {
	pub.Events = append(pub.Events, ev)
	if ev.Published != nil {
		ev.Published.Set()
	}
}
