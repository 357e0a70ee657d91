package logstore

import (
	"time"

	"github.com/phuslu/log"
	"nuha.dev/gpsgateway/internal/gateway/device"
)

type LogStore struct {
	log log.Logger
}

func NewStore() *LogStore {
	l := &LogStore{log: log.DefaultLogger}
	l.log.Context = log.NewContext(nil).Str("module", "logstore").Value()
	return l
}

func (l *LogStore) Put(r device.Report, srvt time.Time) {
	l.log.Trace().Str("imei", r.IMEI).Float64("lat", r.Latitude).Float64("lon", r.Longitude).
		Float64("speed", r.Speed).Float64("heading", r.Heading).Time("gpstime", r.Timestamp).Time("srvtime", srvt).Msg("report")
}
