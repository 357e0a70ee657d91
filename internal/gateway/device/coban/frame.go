package coban

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxRecordLen bounds a single record. A longer run of bytes without a
// terminator ends the connection.
const MaxRecordLen = 1024

var ErrRecordTooLong = errors.New("record too long")

var trailer = []byte("##")

// SplitRecord is a bufio.SplitFunc yielding one record per token. A record
// ends at '\n', '\r', or at the "##" trailer that follows the "##," header.
// Empty records between terminators are skipped. A record must end with "##"
// or a line terminator; an unterminated tail is only yielded at EOF.
func SplitRecord(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\n' || data[start] == '\r') {
		start++
	}
	rest := data[start:]
	if len(rest) == 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	from := 0
	if bytes.HasPrefix(rest, trailer) {
		from = len(trailer)
	}
	nl := bytes.IndexAny(rest[from:], "\r\n")
	tr := bytes.Index(rest[from:], trailer)
	switch {
	case tr >= 0 && (nl < 0 || tr < nl):
		end := from + tr + len(trailer)
		return start + end, rest[:end], nil
	case nl >= 0:
		end := from + nl
		return start + end + 1, rest[:end], nil
	}

	if len(rest) > MaxRecordLen {
		return 0, nil, ErrRecordTooLong
	}
	if atEOF {
		return len(data), rest, nil
	}
	return start, nil, nil
}

// NewScanner returns a scanner that yields records from r.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 256), MaxRecordLen+len(trailer))
	s.Split(SplitRecord)
	return s
}
