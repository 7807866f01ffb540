package pubsub

import (
	"encoding/json"
	"time"

	"github.com/barnybug/gonilm/util"
)

type Fields map[string]interface{}

// Event is a single message on the bus: a topic, a timestamp and a flat
// set of fields, serialized as JSON.
type Event struct {
	Topic     string
	Timestamp time.Time
	Fields    Fields
	Retained  bool
	Published *util.Event
}

const TimeFormat = "2006-01-02 15:04:05.000000"

func NewEvent(topic string, fields map[string]interface{}) *Event {
	timestamp := time.Now().UTC()
	if ts, ok := fields["timestamp"].(string); ok {
		delete(fields, "timestamp")
		timestamp, _ = time.Parse(TimeFormat, ts)
	}
	return &Event{Topic: topic, Timestamp: timestamp, Fields: fields, Published: util.NewEvent()}
}

func (event *Event) Map() map[string]interface{} {
	data := make(map[string]interface{})
	data["topic"] = event.Topic
	data["timestamp"] = event.Timestamp.Format(TimeFormat)
	for k, v := range event.Fields {
		data[k] = v
	}
	return data
}

func (event *Event) Bytes() []byte {
	v, _ := json.Marshal(event.Map())
	return v
}

func (event *Event) String() string {
	return string(event.Bytes())
}

func (event *Event) SetRetained(retained bool) {
	event.Retained = retained
}

func (event *Event) StringField(name string) string {
	ret, _ := event.Fields[name].(string)
	return ret
}

// Parse reconstructs an Event from its JSON form. The message topic takes
// precedence over any topic field embedded in the payload.
func Parse(msg string, topic string) *Event {
	var fields map[string]interface{}
	err := json.Unmarshal([]byte(msg), &fields)
	if err != nil {
		return nil
	}
	if topic == "" {
		topic, _ = fields["topic"].(string)
	}
	delete(fields, "topic")
	if topic == "" {
		return nil
	}
	return NewEvent(topic, fields)
}
