package mqtt

import (
	"log"
	"strings"
	"sync"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/barnybug/gonilm/pubsub"
)

type eventChannel struct {
	C      chan *pubsub.Event
	topics []pubsub.Topic
}

// Subscriber dispatches bus events to subscribed channels.
type Subscriber struct {
	broker         *Broker
	channels       []eventChannel
	channelsLock   sync.Mutex
	topicCount     map[string]int
	topicCountLock sync.RWMutex
}

func NewSubscriber(broker *Broker) *Subscriber {
	return &Subscriber{broker: broker, topicCount: map[string]int{}}
}

func (sub *Subscriber) ID() string {
	return sub.broker.Id()
}

func (sub *Subscriber) publishHandler(client MQTT.Client, msg MQTT.Message) {
	topic := strings.TrimPrefix(msg.Topic(), TopicPrefix)
	event := pubsub.Parse(string(msg.Payload()), topic)
	if event == nil {
		return
	}
	event.SetRetained(msg.Retained())
	sub.channelsLock.Lock()
	for _, ch := range sub.channels {
		for _, t := range ch.topics {
			if t.Match(topic) {
				ch.C <- event
				break
			}
		}
	}
	sub.channelsLock.Unlock()
}

// resubscribe on reconnection - the broker forgets clean session
// subscriptions.
func (sub *Subscriber) resubscribe() {
	subs := map[string]byte{}
	sub.topicCountLock.RLock()
	for topic := range sub.topicCount {
		subs[topic] = 1 // QOS
	}
	sub.topicCountLock.RUnlock()

	if len(subs) > 0 {
		if token := sub.broker.client.SubscribeMultiple(subs, nil); token.Wait() && token.Error() != nil {
			log.Println("Error subscribing:", token.Error())
		}
	}
}

func topicToMqtt(topic pubsub.Topic) string {
	switch topic := topic.(type) {
	case *pubsub.AllTopic:
		return TopicPrefix + "#"
	case *pubsub.ExactTopic:
		return TopicPrefix + topic.Exact
	case *pubsub.PrefixTopic:
		return TopicPrefix + topic.Prefix + "/#"
	default:
		log.Panicln("Topic type unsupported")
	}
	return ""
}

func (sub *Subscriber) addChannel(topics []pubsub.Topic) eventChannel {
	// subscribe topics not yet subscribed to
	subs := map[string]byte{}
	sub.topicCountLock.Lock()
	for _, topic := range topics {
		t := topicToMqtt(topic)
		if _, exists := sub.topicCount[t]; !exists {
			subs[t] = 1 // QOS
		}
		sub.topicCount[t] += 1
	}
	sub.topicCountLock.Unlock()

	ch := eventChannel{
		C:      make(chan *pubsub.Event, 16),
		topics: topics,
	}
	sub.channelsLock.Lock()
	sub.channels = append(sub.channels, ch)
	sub.channelsLock.Unlock()

	if len(subs) > 0 {
		// nil = all messages go to the default handler
		if token := sub.broker.client.SubscribeMultiple(subs, nil); token.Wait() && token.Error() != nil {
			log.Println("Error subscribing:", token.Error())
		}
	}

	return ch
}

func (sub *Subscriber) Subscribe(topics ...pubsub.Topic) <-chan *pubsub.Event {
	ch := sub.addChannel(topics)
	return ch.C
}

func (sub *Subscriber) Close(channel <-chan *pubsub.Event) {
	var channels []eventChannel
	for _, ch := range sub.channels {
		if channel == chan *pubsub.Event(ch.C) {
			for _, topic := range ch.topics {
				t := topicToMqtt(topic)
				sub.topicCountLock.Lock()
				sub.topicCount[t] -= 1
				current := sub.topicCount[t]
				if current == 0 {
					delete(sub.topicCount, t)
				}
				sub.topicCountLock.Unlock()
				if current == 0 {
					if token := sub.broker.client.Unsubscribe(t); token.Wait() && token.Error() != nil {
						log.Println("Error unsubscribing:", token.Error())
					}
				}
			}
			close(ch.C)
		} else {
			channels = append(channels, ch)
		}
	}
	sub.channelsLock.Lock()
	sub.channels = channels
	sub.channelsLock.Unlock()
}
