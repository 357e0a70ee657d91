package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/gpsgateway/internal/gateway/device"
	"nuha.dev/gpsgateway/internal/observability"
)

var columns = []string{"imei", "latitude", "longitude", "speed", "heading", "gps_time", "server_time"}

// Copier is satisfied by *pgxpool.Pool and *pgx.Conn.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type Store struct {
	config *StoreConfig
	wlock  sync.Mutex
	wbuf   buffer
	ready  chan buffer
	db     Copier
	log    log.Logger
	table  string
}

type StoreConfig struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
	// Pending is how many full buffers may wait for the writer before new
	// ones are dropped.
	Pending int
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []record
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]record, 0, len)}
}

type record struct {
	imei    string
	lat     float64
	lon     float64
	speed   float64
	heading float64
	gpst    time.Time
	srvt    time.Time
}

func NewStore(db Copier, table string, config *StoreConfig) *Store {
	if config.TickerDur <= 0 {
		config.TickerDur = time.Second
	}
	if config.Pending <= 0 {
		config.Pending = 4
	}
	o := &Store{}
	o.config = config
	o.table = table
	o.db = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.wbuf = new_buffer(0, config.BufSize)
	o.ready = make(chan buffer, config.Pending)
	return o
}

// Run writes flushed buffers until ctx is done, then writes what is left.
func (st *Store) Run(ctx context.Context) {
	st.log.Info().Msg("starting flusher task")
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case buf := <-st.ready:
			st.write(ctx, buf)
		case t := <-ticker.C:
			st.wlock.Lock()
			if len(st.wbuf.buf) != 0 && t.Sub(st.wbuf.t1) > st.config.MaxAgeFlush {
				st.flush()
			}
			st.wlock.Unlock()
		case <-ctx.Done():
			st.drain()
			return
		}
	}
}

func (st *Store) drain() {
	st.wlock.Lock()
	if len(st.wbuf.buf) != 0 {
		st.flush()
	}
	st.wlock.Unlock()
	for {
		select {
		case buf := <-st.ready:
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			st.write(wctx, buf)
			cancel()
		default:
			return
		}
	}
}

func (st *Store) Put(r device.Report, srvt time.Time) {
	rec := record{imei: r.IMEI, lat: r.Latitude, lon: r.Longitude, speed: r.Speed, heading: r.Heading, gpst: r.Timestamp, srvt: srvt}
	st.wlock.Lock()
	if len(st.wbuf.buf) == 0 {
		st.wbuf.t1 = time.Now().UTC()
	}
	st.wbuf.buf = append(st.wbuf.buf, rec)
	if len(st.wbuf.buf) >= st.config.BufSize {
		st.flush()
	}
	st.wlock.Unlock()
}

// flush hands the write buffer to the writer. Caller holds wlock.
func (st *Store) flush() {
	next := st.wbuf.seq + 1
	select {
	case st.ready <- st.wbuf:
	default:
		observability.SinkErrors.WithLabelValues("pgstore").Inc()
		st.log.Error().Uint64("seq", st.wbuf.seq).Int("length", len(st.wbuf.buf)).Msg("writer busy, dropping buffer")
	}
	st.wbuf = new_buffer(next, st.config.BufSize)
}

func (st *Store) write(ctx context.Context, buf buffer) {
	t1 := time.Now()
	_, err := st.db.CopyFrom(ctx,
		pgx.Identifier{st.table},
		columns,
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			d := buf.buf[i]
			return []interface{}{d.imei, d.lat, d.lon, d.speed, d.heading, d.gpst, d.srvt}, nil
		}))
	if err != nil {
		observability.SinkErrors.WithLabelValues("pgstore").Inc()
		st.log.Error().Err(err).Uint64("seq", buf.seq).Msg("flush error")
	} else {
		st.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
	}
}
