package coban

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"nuha.dev/gpsgateway/internal/gateway/device"
)

var ErrMalformed = errors.New("malformed record")

const (
	fieldIdentity = 1
	fieldLat      = 3
	fieldLatHemi  = 4
	fieldLon      = 5
	fieldLonHemi  = 6
	fieldSpeed    = 7
	fieldHeading  = 8
	fieldDate     = 9
	fieldTime     = 10

	minFields = 11
)

// timeLayout is date field, a space, then time field.
const timeLayout = "20060102 150405"

func malformed(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, a...))
}

// Decode parses one record. It either returns a complete report or an error
// wrapping ErrMalformed.
func Decode(line []byte) (device.Report, error) {
	var r device.Report
	s := strings.TrimSpace(string(line))
	if s == "" {
		return r, malformed("empty record")
	}
	tok := strings.Split(s, ",")
	if len(tok) < minFields {
		return r, malformed("expected at least %d fields, got %d", minFields, len(tok))
	}

	idf := strings.SplitN(tok[fieldIdentity], ":", 2)
	if len(idf) != 2 {
		return r, malformed("identity field has no label separator")
	}
	imei := strings.TrimSpace(idf[1])
	if !device.ValidIdentity(imei) {
		return r, malformed("invalid identity %q", imei)
	}

	lat, err := parseCoordinate(tok[fieldLat], tok[fieldLatHemi], 'N', 'S', 90)
	if err != nil {
		return r, fmt.Errorf("latitude: %w", err)
	}
	lon, err := parseCoordinate(tok[fieldLon], tok[fieldLonHemi], 'E', 'W', 180)
	if err != nil {
		return r, fmt.Errorf("longitude: %w", err)
	}
	speed, err := parseFloat(tok[fieldSpeed])
	if err != nil {
		return r, fmt.Errorf("speed: %w", err)
	}
	if speed < 0 {
		return r, malformed("negative speed %v", speed)
	}
	heading, err := parseFloat(tok[fieldHeading])
	if err != nil {
		return r, fmt.Errorf("heading: %w", err)
	}
	ts, err := time.ParseInLocation(timeLayout, strings.TrimSpace(tok[fieldDate])+" "+strings.TrimSpace(tok[fieldTime]), time.UTC)
	if err != nil {
		return r, malformed("timestamp: %v", err)
	}

	r.IMEI = imei
	r.Latitude = lat
	r.Longitude = lon
	r.Speed = speed
	r.Heading = heading
	r.Timestamp = ts
	return r, nil
}

func parseFloat(p string) (float64, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return 0, malformed("missing value")
	}
	f, err := strconv.ParseFloat(p, 64)
	if err != nil {
		return 0, malformed("not a number %q", p)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, malformed("not a finite number %q", p)
	}
	return f, nil
}

func parseCoordinate(value, hemi string, pos, neg byte, limit float64) (float64, error) {
	f, err := parseFloat(value)
	if err != nil {
		return 0, err
	}
	hemi = strings.TrimSpace(hemi)
	switch {
	case hemi == "":
	case len(hemi) == 1 && hemi[0] == pos:
	case len(hemi) == 1 && hemi[0] == neg:
		f = -f
	default:
		return 0, malformed("bad hemisphere %q", hemi)
	}
	if f < -limit || f > limit {
		return 0, malformed("%v out of range", f)
	}
	return f, nil
}

// Encode renders r as a wire record, the inverse of Decode.
func Encode(r device.Report) []byte {
	lat, ns := r.Latitude, "N"
	if lat < 0 {
		lat, ns = -lat, "S"
	}
	lon, ew := r.Longitude, "E"
	if lon < 0 {
		lon, ew = -lon, "W"
	}
	ts := r.Timestamp.UTC()
	buf := make([]byte, 0, 96)
	buf = append(buf, "##,imei:"...)
	buf = append(buf, r.IMEI...)
	buf = append(buf, ",A,"...)
	buf = strconv.AppendFloat(buf, lat, 'f', 6, 64)
	buf = append(buf, ',')
	buf = append(buf, ns...)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, lon, 'f', 6, 64)
	buf = append(buf, ',')
	buf = append(buf, ew...)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, r.Speed, 'f', 1, 64)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, r.Heading, 'f', 1, 64)
	buf = append(buf, ',')
	buf = ts.AppendFormat(buf, "20060102")
	buf = append(buf, ',')
	buf = ts.AppendFormat(buf, "150405")
	buf = append(buf, ",*"...)
	buf = append(buf, checksum(buf)...)
	buf = append(buf, "##"...)
	return buf
}

// checksum is an XOR over the record body, rendered as two hex digits.
// Decode does not verify it.
func checksum(b []byte) string {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return fmt.Sprintf("%02X", x)
}
