package bso

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// ServerTimestamp is a storage-service timestamp. The service speaks
// decimal seconds with centisecond precision ("1634433871.35"); we hold
// the value as integer milliseconds so equality and ordering behave.
type ServerTimestamp int64

// ParseServerTimestamp converts the header/JSON representation (seconds
// with up to two decimal places) into a ServerTimestamp.
func ParseServerTimestamp(s string) (ServerTimestamp, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse server timestamp %q: %w", s, err)
	}
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("server timestamp %q out of range", s)
	}
	return ServerTimestamp(math.Round(secs * 1000.0)), nil
}

// Millis returns the timestamp as milliseconds since the epoch.
func (t ServerTimestamp) Millis() int64 { return int64(t) }

// Time returns the timestamp as a time.Time.
func (t ServerTimestamp) Time() time.Time {
	return time.UnixMilli(int64(t))
}

// String renders the on-the-wire form: seconds with centisecond
// precision, matching what the service itself emits.
func (t ServerTimestamp) String() string {
	return strconv.FormatFloat(float64(t)/1000.0, 'f', 2, 64)
}

// MarshalJSON implements json.Marshaler using the wire form (a bare
// decimal number, not a string).
func (t ServerTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalJSON accepts both the float-seconds wire form and (for
// robustness against older clients) an integer-seconds form.
func (t *ServerTimestamp) UnmarshalJSON(data []byte) error {
	parsed, err := ParseServerTimestamp(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
