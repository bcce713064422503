// Package metrics keeps simple time series counters in an embedded
// tstorage database under the work directory.
package metrics

import (
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

const (
	MessagesIn        = "wabridge_messages_in"
	MessagesOut       = "wabridge_messages_out"
	SessionTransition = "wabridge_session_transition"
)

var (
	mu      sync.RWMutex
	storage tstorage.Storage
)

// InitMetrics opens the metric store under workdir/data/metrics. An empty
// workdir keeps the store in memory.
func InitMetrics(workdir string) error {
	opts := []tstorage.Option{
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithPartitionDuration(time.Hour),
		tstorage.WithRetention(30 * 24 * time.Hour),
	}
	if workdir != "" {
		opts = append(opts, tstorage.WithDataPath(path.Join(workdir, "data", "metrics")))
	}
	s, err := tstorage.NewStorage(opts...)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if storage != nil {
		_ = storage.Close()
	}
	storage = s
	return nil
}

func labelsOf(pairs []string) []tstorage.Label {
	var out []tstorage.Label
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, tstorage.Label{Name: pairs[i], Value: pairs[i+1]})
	}
	return out
}

func insert(name string, value float64, pairs []string) {
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{{
		Metric:    name,
		Labels:    labelsOf(pairs),
		DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: value},
	}})
}

// Incr records one occurrence of name. pairs are label name/value pairs.
func Incr(name string, pairs ...string) {
	insert(name, 1, pairs)
}

// SetGauge records the current value of name.
func SetGauge(name string, value int64, pairs ...string) {
	insert(name, float64(value), pairs)
}

// Point is one bucket of a series.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Series sums name per bucket from since until now.
func Series(name string, since time.Time, bucket time.Duration, pairs ...string) ([]Point, error) {
	if bucket <= 0 {
		bucket = time.Hour
	}
	mu.RLock()
	defer mu.RUnlock()
	if storage == nil {
		return []Point{}, nil
	}
	points, err := storage.Select(name, labelsOf(pairs), since.Unix(), time.Now().Unix()+1)
	if errors.Is(err, tstorage.ErrNoDataPoints) {
		return []Point{}, nil
	}
	if err != nil {
		return nil, err
	}
	step := int64(bucket / time.Second)
	sums := map[int64]float64{}
	for _, p := range points {
		sums[p.Timestamp-p.Timestamp%step] += p.Value
	}
	out := make([]Point, 0, len(sums))
	for ts, v := range sums {
		out = append(out, Point{Time: time.Unix(ts, 0), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

// Total sums name from since until now.
func Total(name string, since time.Time, pairs ...string) (float64, error) {
	series, err := Series(name, since, 24*time.Hour, pairs...)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, p := range series {
		total += p.Value
	}
	return total, nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if storage == nil {
		return nil
	}
	err := storage.Close()
	storage = nil
	return err
}
