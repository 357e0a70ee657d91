package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
	"nuha.dev/gpsgateway/internal/gateway/device"
	"nuha.dev/gpsgateway/internal/observability"
)

const KeyPrefix = "gps:last:"

// Setter is satisfied by *redis.Client.
type Setter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Store keeps the last known position of every device under
// gps:last:<imei>. Writes happen on a background goroutine.
type Store struct {
	rdb   Setter
	ttl   time.Duration
	queue chan device.Report
	log   log.Logger
}

func Dial(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func NewStore(rdb Setter, ttl time.Duration, queue int) *Store {
	if queue <= 0 {
		queue = 1024
	}
	o := &Store{rdb: rdb, ttl: ttl, queue: make(chan device.Report, queue)}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "redisstore").Value()
	return o
}

func (st *Store) Put(r device.Report, _ time.Time) {
	select {
	case st.queue <- r:
	default:
		observability.SinkErrors.WithLabelValues("redis").Inc()
		st.log.Warn().Str("imei", r.IMEI).Msg("queue full, dropping position")
	}
}

// Run writes queued positions until ctx is done.
func (st *Store) Run(ctx context.Context) {
	for {
		select {
		case r := <-st.queue:
			st.save(ctx, r)
		case <-ctx.Done():
			return
		}
	}
}

func (st *Store) save(ctx context.Context, r device.Report) {
	d, err := r.MarshalJSON()
	if err != nil {
		st.log.Error().Err(err).Str("imei", r.IMEI).Msg("encoding position")
		return
	}
	if err := st.rdb.Set(ctx, KeyPrefix+r.IMEI, d, st.ttl).Err(); err != nil {
		observability.SinkErrors.WithLabelValues("redis").Inc()
		st.log.Error().Err(err).Str("imei", r.IMEI).Msg("redis SET failed")
	}
}
