package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"nuha.dev/gpsgateway/internal/gateway/device"
)

type recStore struct{ got []string }

func (r *recStore) Put(rep device.Report, _ time.Time) { r.got = append(r.got, rep.IMEI) }

func TestMulti(t *testing.T) {
	a, b := &recStore{}, &recStore{}
	m := Multi{a, Nop{}, b}
	m.Put(device.Report{IMEI: "1"}, time.Now())
	m.Put(device.Report{IMEI: "2"}, time.Now())
	assert.Equal(t, []string{"1", "2"}, a.got)
	assert.Equal(t, []string{"1", "2"}, b.got)
}
