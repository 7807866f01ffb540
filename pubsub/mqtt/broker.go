// MQTT adapter for the message bus.
package mqtt

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/barnybug/gonilm/pubsub"
)

// Prefix all bus topics are published under.
const TopicPrefix = "gonilm/"

const connectTimeout = 10 * time.Second
const publishTimeout = 5 * time.Second

type will struct {
	topic   string
	payload string
	retain  bool
}

// Broker wraps a single mqtt connection, shared by the bus publisher,
// the bus subscriber and any raw topic publishing (discovery, states).
type Broker struct {
	broker     string
	name       string
	client     MQTT.Client
	subscriber *Subscriber
	will       *will

	onConnect     []func()
	onConnectLock sync.Mutex
}

func NewBroker(broker string, name string) *Broker {
	return &Broker{broker: broker, name: name}
}

func (b *Broker) Id() string {
	return "mqtt: " + b.broker
}

// SetWill arranges a last will message, sent by the broker if the
// connection drops uncleanly. Must be called before Connect.
func (b *Broker) SetWill(topic string, payload string, retain bool) {
	b.will = &will{topic, payload, retain}
}

// OnConnect registers a callback invoked on every (re)connection.
func (b *Broker) OnConnect(fn func()) {
	b.onConnectLock.Lock()
	b.onConnect = append(b.onConnect, fn)
	b.onConnectLock.Unlock()
}

func (b *Broker) connected(client MQTT.Client) {
	if b.subscriber != nil {
		b.subscriber.resubscribe()
	}
	b.onConnectLock.Lock()
	callbacks := b.onConnect
	b.onConnectLock.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (b *Broker) Connect() error {
	hostname, _ := os.Hostname()
	clientId := fmt.Sprintf("%s/%s-%d-%d", b.name, hostname, os.Getpid(), rand.Int())
	opts := MQTT.NewClientOptions()
	opts.AddBroker(b.broker)
	opts.SetClientID(clientId)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(b.connected)
	opts.SetConnectionLostHandler(func(client MQTT.Client, err error) {
		log.Println("mqtt connection lost:", err)
	})
	opts.SetDefaultPublishHandler(func(client MQTT.Client, msg MQTT.Message) {
		if b.subscriber != nil {
			b.subscriber.publishHandler(client, msg)
		}
	})
	if b.will != nil {
		opts.SetWill(b.will.topic, b.will.payload, 1, b.will.retain)
	}

	b.client = MQTT.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.Errorf("timed out connecting to %s", b.broker)
	}
	return errors.Wrapf(token.Error(), "connecting to %s", b.broker)
}

// Publish sends a raw message on an absolute topic (not under the bus
// prefix), waiting at most publishTimeout for delivery.
func (b *Broker) Publish(topic string, payload string, retain bool) error {
	token := b.client.Publish(topic, 1, retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// IsConnected reports whether the underlying connection is up.
func (b *Broker) IsConnected() bool {
	return b.client != nil && b.client.IsConnectionOpen()
}

func (b *Broker) Publisher() *Publisher {
	return &Publisher{broker: b}
}

func (b *Broker) Subscriber() *Subscriber {
	if b.subscriber == nil {
		b.subscriber = NewSubscriber(b)
	}
	return b.subscriber
}

func (b *Broker) Close() {
	if b.client != nil {
		b.client.Disconnect(250)
	}
}

var _ pubsub.Publisher = (*Publisher)(nil)
var _ pubsub.Subscriber = (*Subscriber)(nil)
