package source

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barnybug/gonilm/config"
)

func TestMonotonic(t *testing.T) {
	m := monotonic{name: "test"}
	t0 := time.Date(2017, 11, 8, 12, 0, 0, 0, time.UTC)
	assert.True(t, m.accept(t0))
	assert.False(t, m.accept(t0), "duplicate discarded")
	assert.False(t, m.accept(t0.Add(-time.Second)), "out of order discarded")
	assert.True(t, m.accept(t0.Add(time.Second)))
}

func TestQueueDropsOldest(t *testing.T) {
	q := newQueue("test", 2)
	t0 := time.Now()
	for i := 0; i < 3; i++ {
		q.push(&Sample{Timestamp: t0.Add(time.Duration(i) * time.Second), Power: float64(i)})
	}
	assert.Equal(t, int64(1), q.Drops())
	first := <-q.ch
	assert.Equal(t, 1.0, first.Power, "oldest sample was dropped")
}

func TestLiveStale(t *testing.T) {
	l := newLive("test", 4, 10*time.Millisecond)
	sample, err := l.Next()
	require.NoError(t, err)
	assert.True(t, sample.Stale)

	l.offer(&Sample{Timestamp: time.Now(), Power: 42})
	sample, err = l.Next()
	require.NoError(t, err)
	assert.False(t, sample.Stale)
	assert.Equal(t, 42.0, sample.Power)
}

func TestLiveClose(t *testing.T) {
	l := newLive("test", 4, time.Minute)
	close(l.closed)
	_, err := l.Next()
	assert.Equal(t, io.EOF, err)
}

func TestParseWatts(t *testing.T) {
	msg := `<msg><src>CC128-v0.11</src><tmpr>21.6</tmpr><ch1><watts>00423</watts></ch1></msg>`
	watts, ok := parseWatts(msg)
	assert.True(t, ok)
	assert.Equal(t, 423.0, watts)

	_, ok = parseWatts("<msg>garbled</msg>")
	assert.False(t, ok)
}

func TestShellyRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"emeters": [{"power": 100.5}, {"power": 50.25}, {"power": 0}]}`))
	}))
	defer server.Close()

	s := &Shelly{
		live:   newLive("shelly", 4, time.Minute),
		url:    server.URL + "/status",
		client: &http.Client{},
	}
	power, err := s.read()
	require.NoError(t, err)
	assert.Equal(t, 150.75, power)
}

func TestShellyReadError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := &Shelly{
		live:   newLive("shelly", 4, time.Minute),
		url:    server.URL + "/status",
		client: &http.Client{},
	}
	_, err := s.read()
	assert.Error(t, err)
}

func TestReplayQuery(t *testing.T) {
	r := &Replay{
		mains:   59,
		start:   time.Date(2017, 11, 8, 12, 0, 0, 0, time.UTC),
		end:     time.Date(2017, 11, 23, 12, 0, 0, 0, time.UTC),
		devices: []string{"dishwasher"},
		items:   []int{13},
	}
	query, args := r.buildQuery()
	assert.Contains(t, query, "m.item_id = $1")
	assert.Contains(t, query, "LEFT JOIN measurements d0 ON d0.item_id = $4")
	assert.Contains(t, query, "ORDER BY m.time ASC")
	assert.Equal(t, []interface{}{59, r.start, r.end, 13}, args)
}

func TestReplayBadRange(t *testing.T) {
	_, err := NewReplay(config.ReplayConf{
		Start: "2017-11-23T12:00:00Z",
		End:   "2017-11-08T12:00:00Z",
	}, 1.0)
	assert.Error(t, err)

	_, err = NewReplay(config.ReplayConf{Start: "yesterday", End: "today"}, 1.0)
	assert.Error(t, err)
}

func TestToFloat(t *testing.T) {
	v, ok := toFloat(1.5)
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)
	v, ok = toFloat(int64(2))
	assert.True(t, ok)
	assert.Equal(t, 2.0, v)
	v, ok = toFloat([]byte("3.5"))
	assert.True(t, ok)
	assert.Equal(t, 3.5, v)
	_, ok = toFloat(nil)
	assert.False(t, ok)
}
