package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewHash returns a new internal message hash. ULIDs sort by creation time,
// which keeps correlation indexes append-friendly.
func NewHash() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// NewActivityID returns an id for activities created by the pipeline.
func NewActivityID() string {
	return "act_" + NewHash()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

// UnixString parses a provider "seconds since epoch" string, falling back to
// now when the field is absent or malformed.
func UnixString(s string) time.Time {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return NowUTC()
		}
		n = n*10 + int64(r-'0')
	}
	if n == 0 {
		return NowUTC()
	}
	return time.Unix(n, 0).UTC()
}
