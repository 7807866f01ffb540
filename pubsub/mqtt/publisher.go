package mqtt

import (
	"log"

	"github.com/barnybug/gonilm/pubsub"
)

// Publisher emits bus events over mqtt.
type Publisher struct {
	broker *Broker
}

// ID of Publisher
func (pub *Publisher) ID() string {
	return pub.broker.Id()
}

// Emit an event. Delivery is asynchronous - waiters can block on
// ev.Published if they need confirmation.
func (pub *Publisher) Emit(ev *pubsub.Event) {
	topic := TopicPrefix + ev.Topic
	token := pub.broker.client.Publish(topic, 1, ev.Retained, ev.Bytes())
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Println("Error publishing:", token.Error())
		}
		if ev.Published != nil {
			ev.Published.Set()
		}
	}()
}
