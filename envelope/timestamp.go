package envelope

import (
	"fmt"
	"time"
)

// TimestampLayout is the wire format for envelope timestamps:
// ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is the creation time of an envelope.  It marshals as an
// ISO-8601 UTC string with millisecond precision.
type Timestamp time.Time

// Now returns the current time as a Timestamp, truncated to milliseconds.
func Now() Timestamp {
	return Timestamp(time.Now().UTC().Truncate(time.Millisecond))
}

func (ts Timestamp) Time() time.Time {
	return time.Time(ts)
}

func (ts Timestamp) IsZero() bool {
	return time.Time(ts).IsZero()
}

func (ts Timestamp) String() string {
	return time.Time(ts).UTC().Format(TimestampLayout)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + ts.String() + `"`), nil
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' {
		return fmt.Errorf("timestamp must be a JSON string: %s", data)
	}

	raw := string(data[1 : len(data)-1])
	parsed, err := time.Parse(TimestampLayout, raw)
	if err != nil {
		// tolerate timestamps from peers that omit or extend the
		// fractional seconds
		parsed, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return err
		}
	}

	*ts = Timestamp(parsed.UTC())
	return nil
}

// Expired tests if an envelope created at this timestamp with the given
// expireAfterSeconds is past its deadline at the supplied instant.
// A zero expireAfterSeconds means the envelope never expires.
func (ts Timestamp) Expired(expireAfterSeconds int, now time.Time) bool {
	if expireAfterSeconds <= 0 || ts.IsZero() {
		return false
	}

	deadline := time.Time(ts).Add(time.Duration(expireAfterSeconds) * time.Second)
	return now.After(deadline)
}
