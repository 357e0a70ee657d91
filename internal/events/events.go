package events

import (
	"context"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"nuha.dev/gpsgateway/internal/observability"
)

const (
	DEVICE_CONNECTED    string = "device.connected"
	DEVICE_DISCONNECTED string = "device.disconnected"
	DEVICE_REPLACED     string = "device.replaced"
	VIEWER_CONNECTED    string = "viewer.connected"
	VIEWER_DISCONNECTED string = "viewer.disconnected"
	COMMAND_ROUTED      string = "command.routed"
	COMMAND_DROPPED     string = "command.dropped"
)

var Topics = []string{
	DEVICE_CONNECTED, DEVICE_DISCONNECTED, DEVICE_REPLACED,
	VIEWER_CONNECTED, VIEWER_DISCONNECTED,
	COMMAND_ROUTED, COMMAND_DROPPED,
}

// 2024-01-01T00:00:00Z in milliseconds
const epochMs uint64 = 1704067200000

type DeviceEvent struct {
	IMEI       string
	Cid        uint64
	RemoteAddr string
}

func (d DeviceEvent) MarshalObject(e *log.Entry) {
	e.Str("imei", d.IMEI).Uint64("cid", d.Cid).Str("remote_addr", d.RemoteAddr)
}

type ViewerEvent struct {
	ID         string
	RemoteAddr string
	Pushed     uint64
}

func (v ViewerEvent) MarshalObject(e *log.Entry) {
	e.Str("viewer", v.ID).Str("remote_addr", v.RemoteAddr).Uint64("pushed", v.Pushed)
}

type CommandEvent struct {
	IMEI   string
	Source string
	Size   int
	Reason string
}

func (c CommandEvent) MarshalObject(e *log.Entry) {
	e.Str("imei", c.IMEI).Str("source", c.Source).Int("size", c.Size)
	if c.Reason != "" {
		e.Str("reason", c.Reason)
	}
}

// Emitter publishes lifecycle events. Emit never fails the caller.
type Emitter interface {
	Emit(ctx context.Context, topic string, data interface{})
}

type Nop struct{}

func (Nop) Emit(context.Context, string, interface{}) {}

type Bus struct {
	b   *bus.Bus
	log log.Logger
}

// New builds a bus with every topic registered and the logging and metrics
// handlers attached.
func New(node uint64) (*Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, epochMs)
	if err != nil {
		return nil, err
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, err
	}
	o := &Bus{b: b}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "events").Value()
	o.b.RegisterTopics(Topics...)
	o.b.RegisterHandler("log", bus.Handler{Handle: o.logEvent, Matcher: ".*"})
	o.b.RegisterHandler("metrics", bus.Handler{Handle: countEvent, Matcher: ".*"})
	return o, nil
}

func (o *Bus) Emit(ctx context.Context, topic string, data interface{}) {
	if err := o.b.Emit(ctx, topic, data); err != nil {
		o.log.Error().Err(err).Str("topic", topic).Msg("emit failed")
	}
}

// Handle attaches fn to every topic matching the matcher regexp.
func (o *Bus) Handle(key, matcher string, fn func(ctx context.Context, e bus.Event)) {
	o.b.RegisterHandler(key, bus.Handler{Handle: fn, Matcher: matcher})
}

func (o *Bus) Unhandle(key string) {
	o.b.DeregisterHandler(key)
}

func (o *Bus) logEvent(_ context.Context, e bus.Event) {
	entry := o.log.Debug().Str("event", e.Topic).Str("id", e.ID).Time("at", e.OccurredAt.Truncate(time.Millisecond))
	if obj, ok := e.Data.(log.ObjectMarshaler); ok {
		entry = entry.EmbedObject(obj)
	}
	entry.Msg("")
}

func countEvent(_ context.Context, e bus.Event) {
	observability.Events.WithLabelValues(e.Topic).Inc()
}
