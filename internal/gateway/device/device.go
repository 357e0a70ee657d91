package device

import (
	"encoding/json"
	"time"
)

const (
	PROTOCOL_COBAN string = "coban"
)

// TimestampLayout is the ISO-8601 form pushed to viewers.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const maxIdentityLen = 32

// Conn is the transport handle a registry entry points at. Implementations
// must be pointer types, handles are compared by identity.
type Conn interface {
	Write(d []byte) (int, error)
	Cid() uint64
	RemoteAddr() string
}

// Report is one decoded positional record.
type Report struct {
	IMEI      string
	Latitude  float64
	Longitude float64
	Speed     float64
	Heading   float64
	Timestamp time.Time
}

type reportJSON struct {
	IMEI      string  `json:"imei"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	Timestamp string  `json:"timestamp"`
}

func (r Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		IMEI:      r.IMEI,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Speed:     r.Speed,
		Heading:   r.Heading,
		Timestamp: r.Timestamp.UTC().Format(TimestampLayout),
	})
}

func (r *Report) UnmarshalJSON(d []byte) error {
	var o reportJSON
	if err := json.Unmarshal(d, &o); err != nil {
		return err
	}
	t, err := time.Parse(TimestampLayout, o.Timestamp)
	if err != nil {
		return err
	}
	*r = Report{IMEI: o.IMEI, Latitude: o.Latitude, Longitude: o.Longitude, Speed: o.Speed, Heading: o.Heading, Timestamp: t}
	return nil
}

// ValidIdentity reports whether s is acceptable as a registry key.
func ValidIdentity(s string) bool {
	if len(s) == 0 || len(s) > maxIdentityLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
