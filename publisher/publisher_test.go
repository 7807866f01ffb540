package publisher

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barnybug/gonilm/artifact"
	"github.com/barnybug/gonilm/nilm/stabilizer"
)

type message struct {
	topic   string
	payload string
	retain  bool
}

type fakeConn struct {
	messages  []message
	will      *message
	onConnect []func()
	fail      bool
}

func (f *fakeConn) Publish(topic string, payload string, retain bool) error {
	if f.fail {
		return errors.New("broker unreachable")
	}
	f.messages = append(f.messages, message{topic, payload, retain})
	return nil
}

func (f *fakeConn) SetWill(topic string, payload string, retain bool) {
	f.will = &message{topic, payload, retain}
}

func (f *fakeConn) OnConnect(fn func()) {
	f.onConnect = append(f.onConnect, fn)
}

func (f *fakeConn) reconnect() {
	for _, fn := range f.onConnect {
		fn()
	}
}

func (f *fakeConn) find(topic string) (message, bool) {
	for _, m := range f.messages {
		if m.topic == topic {
			return m, true
		}
	}
	return message{}, false
}

func (f *fakeConn) all(topic string) []string {
	var payloads []string
	for _, m := range f.messages {
		if m.topic == topic {
			payloads = append(payloads, m.payload)
		}
	}
	return payloads
}

var devices = []artifact.Device{
	{Id: "dishwasher", Name: "Dishwasher", Icon: "mdi:dishwasher"},
	{Id: "kettle", Name: "Kettle"},
}

func newTest(conn *fakeConn) *Publisher {
	return New(conn, Config{
		BaseTopic: "nilm",
		HaPrefix:  "homeassistant",
		Discovery: true,
		Node:      "gw1",
		OnWatts:   10,
	}, devices)
}

func TestWillArrangedBeforeConnect(t *testing.T) {
	conn := &fakeConn{}
	newTest(conn)
	require.NotNil(t, conn.will)
	assert.Equal(t, "nilm/availability", conn.will.topic)
	assert.Equal(t, "offline", conn.will.payload)
	assert.True(t, conn.will.retain)
}

func TestOnlineDiscovery(t *testing.T) {
	conn := &fakeConn{}
	p := newTest(conn)
	require.NoError(t, p.Online())

	avail, ok := conn.find("nilm/availability")
	require.True(t, ok)
	assert.Equal(t, "online", avail.payload)
	assert.True(t, avail.retain)

	cfg, ok := conn.find("homeassistant/binary_sensor/gw1_nilm_dishwasher_pred_state/config")
	require.True(t, ok, "discovery config published")
	assert.True(t, cfg.retain, "discovery configs are retained")

	var entity map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(cfg.payload), &entity))
	assert.Equal(t, "Dishwasher Predicted", entity["name"])
	assert.Equal(t, "gw1_nilm_dishwasher_pred_state", entity["unique_id"])
	assert.Equal(t, "nilm/dishwasher/state", entity["state_topic"])
	assert.Equal(t, "ON", entity["payload_on"])
	assert.Equal(t, "mdi:dishwasher", entity["icon"])

	_, ok = conn.find("homeassistant/sensor/gw1_nilm_mains_power_w/config")
	assert.True(t, ok)
	_, ok = conn.find("homeassistant/sensor/gw1_host_temp_c/config")
	assert.True(t, ok)
	_, ok = conn.find("homeassistant/sensor/gw1_nilm_kettle_pred_conf/config")
	assert.True(t, ok)
}

func TestDiscoveryIdempotent(t *testing.T) {
	conn := &fakeConn{}
	p := newTest(conn)
	require.NoError(t, p.Online())
	count := len(conn.messages)
	require.NoError(t, p.Online())

	// second call re-asserts availability only
	assert.Equal(t, count+1, len(conn.messages))
}

func TestDiscoveryDisabled(t *testing.T) {
	conn := &fakeConn{}
	p := New(conn, Config{BaseTopic: "nilm", HaPrefix: "homeassistant", Node: "gw1"}, devices)
	require.NoError(t, p.Online())
	for _, m := range conn.messages {
		assert.False(t, strings.HasPrefix(m.topic, "homeassistant/"), m.topic)
	}
}

func TestStateChanged(t *testing.T) {
	conn := &fakeConn{}
	p := newTest(conn)
	p.StateChanged(stabilizer.Transition{
		Device: "kettle", From: "OFF", To: "ON", Confidence: 0.91,
	})

	state, ok := conn.find("nilm/kettle/state")
	require.True(t, ok)
	assert.Equal(t, "ON", state.payload)
	conf, ok := conn.find("nilm/kettle/confidence")
	require.True(t, ok)
	assert.Equal(t, "0.9100", conf.payload)
}

func TestRepublishOnReconnect(t *testing.T) {
	conn := &fakeConn{}
	p := newTest(conn)
	p.StateChanged(stabilizer.Transition{Device: "kettle", To: "ON", Confidence: 0.9})
	p.StateChanged(stabilizer.Transition{Device: "kettle", To: "OFF", Confidence: 0.1})

	conn.messages = nil
	conn.reconnect()

	// coalesced: only the latest state per device comes back
	assert.Equal(t, []string{"OFF"}, conn.all("nilm/kettle/state"))
	avail, ok := conn.find("nilm/availability")
	require.True(t, ok)
	assert.Equal(t, "online", avail.payload)
}

func TestPublishFailureRemembered(t *testing.T) {
	conn := &fakeConn{fail: true}
	p := newTest(conn)
	p.StateChanged(stabilizer.Transition{Device: "kettle", To: "ON", Confidence: 0.9})
	assert.Empty(t, conn.messages)

	// broker back: reconnect recovers the lost state
	conn.fail = false
	conn.reconnect()
	assert.Equal(t, []string{"ON"}, conn.all("nilm/kettle/state"))
}

func TestMainsAndLatency(t *testing.T) {
	conn := &fakeConn{}
	p := newTest(conn)
	p.Mains(time.Now(), 423.52)
	p.Latency(12345 * time.Microsecond)

	mains, _ := conn.find("nilm/mains/power_W")
	assert.Equal(t, "423.5", mains.payload)
	latency, _ := conn.find("nilm/host/latency_ms")
	assert.Equal(t, "12.345", latency.payload)
}

func TestTruth(t *testing.T) {
	conn := &fakeConn{}
	p := newTest(conn)
	p.Truth(time.Now(), map[string]float64{"dishwasher": 1200, "kettle": 0})

	power, _ := conn.find("nilm/dishwasher/truth/power_W")
	assert.Equal(t, "1200.0", power.payload)
	state, _ := conn.find("nilm/dishwasher/truth/state")
	assert.Equal(t, "ON", state.payload)
	state, _ = conn.find("nilm/kettle/truth/state")
	assert.Equal(t, "OFF", state.payload)
}

func TestHostMetrics(t *testing.T) {
	conn := &fakeConn{}
	p := newTest(conn)
	p.HostMetrics(map[string]string{"cpu_percent": "12.5", "uptime_s": "3600"})

	cpu, _ := conn.find("nilm/host/cpu_percent")
	assert.Equal(t, "12.5", cpu.payload)
	uptime, _ := conn.find("nilm/host/uptime_s")
	assert.Equal(t, "3600", uptime.payload)
}

func TestClose(t *testing.T) {
	conn := &fakeConn{}
	p := newTest(conn)
	p.Close()
	avail, ok := conn.find("nilm/availability")
	require.True(t, ok)
	assert.Equal(t, "offline", avail.payload)
	assert.True(t, avail.retain)
}
