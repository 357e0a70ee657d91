package store

import (
	"time"

	"nuha.dev/gpsgateway/internal/gateway/device"
)

// Store receives every decoded report after it has been broadcast. Put must
// not block on I/O.
type Store interface {
	Put(r device.Report, srvt time.Time)
}

// Multi fans each report out to several stores in order.
type Multi []Store

func (m Multi) Put(r device.Report, srvt time.Time) {
	for _, s := range m {
		s.Put(r, srvt)
	}
}

type Nop struct{}

func (Nop) Put(device.Report, time.Time) {}
