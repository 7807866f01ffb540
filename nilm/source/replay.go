package source

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/barnybug/gonilm/config"
)

const fetchSize = 1000

// Replay streams a historical mains series from postgres, ordered by
// time over a bounded range, optionally paced to emulate real time.
type Replay struct {
	monotonic
	db       *sqlx.DB
	mains    int
	start    time.Time
	end      time.Time
	interval time.Duration
	devices  []string
	items    []int

	page []*Sample
	idx  int
	tref time.Time
}

// NewReplay connects to the replay store. sampleRate is the expected
// rate of the recorded series in Hz; cfg.Speed scales pacing (0 = as
// fast as consumed).
func NewReplay(cfg config.ReplayConf, sampleRate float64) (*Replay, error) {
	start, err := time.Parse(time.RFC3339, cfg.Start)
	if err != nil {
		return nil, errors.Wrap(err, "replay start")
	}
	end, err := time.Parse(time.RFC3339, cfg.End)
	if err != nil {
		return nil, errors.Wrap(err, "replay end")
	}
	if !end.After(start) {
		return nil, errors.New("replay range is empty")
	}

	db, err := sqlx.Connect("postgres", cfg.Url)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to replay store")
	}

	r := &Replay{
		monotonic: monotonic{name: "replay"},
		db:        db,
		mains:     cfg.Mains,
		// paging is keyset on time > cursor, so back off one tick to
		// include the range start itself
		start: start.Add(-time.Nanosecond),
		end:   end,
	}
	if cfg.Speed > 0 && sampleRate > 0 {
		r.interval = time.Duration(float64(time.Second) / sampleRate / cfg.Speed)
	}
	if cfg.Truth {
		for device, item := range cfg.Items {
			r.devices = append(r.devices, device)
			r.items = append(r.items, item)
		}
	}
	return r, nil
}

// buildQuery pages by keyset on the mains timestamp, joining any ground
// truth series on the same timestamps.
func (r *Replay) buildQuery() (string, []interface{}) {
	cols := "m.time, m.value"
	joins := ""
	args := []interface{}{r.mains, r.start, r.end}
	for i, item := range r.items {
		alias := fmt.Sprintf("d%d", i)
		cols += fmt.Sprintf(", %s.value", alias)
		joins += fmt.Sprintf(
			" LEFT JOIN measurements %s ON %s.item_id = $%d AND %s.time = m.time",
			alias, alias, len(args)+1, alias)
		args = append(args, item)
	}
	query := fmt.Sprintf(
		"SELECT %s FROM measurements m%s"+
			" WHERE m.item_id = $1 AND m.time > $2 AND m.time < $3"+
			" ORDER BY m.time ASC LIMIT %d",
		cols, joins, fetchSize)
	return query, args
}

func toFloat(v interface{}) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case []byte:
		f, err := strconv.ParseFloat(string(v), 64)
		return f, err == nil
	}
	return 0, false
}

func (r *Replay) fetchPage() error {
	query, args := r.buildQuery()
	rows, err := r.db.Queryx(query, args...)
	if err != nil {
		return errors.Wrap(err, "replay query")
	}
	defer rows.Close()

	r.page = r.page[:0]
	r.idx = 0
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return errors.Wrap(err, "replay scan")
		}
		ts, ok := values[0].(time.Time)
		if !ok {
			return errors.Errorf("replay: unexpected time column %T", values[0])
		}
		power, _ := toFloat(values[1])
		sample := &Sample{Timestamp: ts, Power: power}
		if len(r.devices) > 0 {
			sample.Truth = map[string]float64{}
			for i, device := range r.devices {
				v, ok := toFloat(values[2+i])
				if !ok {
					v = 0 // no submetered reading at this timestamp
				}
				sample.Truth[device] = v
			}
		}
		r.page = append(r.page, sample)
		r.start = ts // keyset cursor
	}
	return rows.Err()
}

func (r *Replay) pace() {
	if r.interval == 0 {
		return
	}
	now := time.Now()
	if r.tref.IsZero() {
		r.tref = now
	}
	r.tref = r.tref.Add(r.interval)
	if delay := r.tref.Sub(now); delay > 0 {
		time.Sleep(delay)
	}
}

func (r *Replay) Next() (*Sample, error) {
	for {
		if r.idx >= len(r.page) {
			if err := r.fetchPage(); err != nil {
				return nil, err
			}
			if len(r.page) == 0 {
				return nil, io.EOF
			}
		}
		sample := r.page[r.idx]
		r.idx++
		if !r.accept(sample.Timestamp) {
			continue
		}
		r.pace()
		return sample, nil
	}
}

func (r *Replay) Close() error {
	return r.db.Close()
}
