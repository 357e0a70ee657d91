package main

import (
	"context"
	"encoding/hex"
	"math"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/pflag"
	"nuha.dev/gpsgateway/internal/gateway/device"
	"nuha.dev/gpsgateway/internal/gateway/device/coban"
)

const reconnectDelay = 5 * time.Second

var addr = pflag.String("addr", "localhost:5023", "gateway device address")
var imei = pflag.String("imei", "123456789012345", "device identity")
var interval = pflag.Duration("interval", 10*time.Second, "report interval")
var lat = pflag.Float64("lat", -6.2, "start latitude")
var lon = pflag.Float64("lon", 106.8, "start longitude")

func main() {
	pflag.Parse()
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "fakedevice").Str("imei", *imei).Value()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var step int
	for {
		err := session(ctx, &logger, &step)
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("disconnected")
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func session(ctx context.Context, logger *log.Logger, step *int) error {
	d := net.Dialer{Timeout: 10 * time.Second}
	c, err := d.DialContext(ctx, "tcp", *addr)
	if err != nil {
		return err
	}
	defer c.Close()
	logger.Info().Str("addr", *addr).Msg("connected")

	errc := make(chan error, 1)
	go func() {
		b := make([]byte, 512)
		for {
			n, err := c.Read(b)
			if n > 0 {
				logger.Info().Str("hex", hex.EncodeToString(b[:n])).Str("text", string(b[:n])).Msg("command received")
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	t := time.NewTicker(*interval)
	defer t.Stop()
	for {
		r := position(*step)
		*step++
		if _, err := c.Write(append(coban.Encode(r), '\n')); err != nil {
			return err
		}
		logger.Debug().Float64("lat", r.Latitude).Float64("lon", r.Longitude).Msg("report sent")
		select {
		case <-t.C:
		case err := <-errc:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// position walks a small circle around the start point.
func position(step int) device.Report {
	a := float64(step) * math.Pi / 30
	return device.Report{
		IMEI:      *imei,
		Latitude:  *lat + 0.01*math.Sin(a),
		Longitude: *lon + 0.01*math.Cos(a),
		Speed:     30,
		Heading:   math.Mod(float64(step)*6+90, 360),
		Timestamp: time.Now().UTC(),
	}
}
