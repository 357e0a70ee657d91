package relay

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/gpsgateway/internal/gateway/device"
	"nuha.dev/gpsgateway/internal/observability"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Relay republishes every report on <subject>.<imei>. It implements
// store.Store so it can sit next to the other sinks.
type Relay struct {
	pub     Publisher
	subject string
	log     log.Logger
}

func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("gpsgateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return nc, nil
}

func New(pub Publisher, subject string) *Relay {
	o := &Relay{pub: pub, subject: subject}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "relay").Value()
	return o
}

// Put publishes r. nats buffers outgoing messages so this does not wait on
// the network.
func (o *Relay) Put(r device.Report, _ time.Time) {
	d, err := r.MarshalJSON()
	if err != nil {
		o.log.Error().Err(err).Str("imei", r.IMEI).Msg("encoding report")
		return
	}
	if err := o.pub.Publish(o.subject+"."+r.IMEI, d); err != nil {
		observability.SinkErrors.WithLabelValues("nats").Inc()
		o.log.Error().Err(err).Str("imei", r.IMEI).Msg("publish failed")
	}
}
