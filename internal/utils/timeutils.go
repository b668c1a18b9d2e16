package utils

import (
	"fmt"
	"strconv"
	"time"
)

// ParseTimeParam accepts RFC3339 or unix seconds. An empty value yields the zero time.
func ParseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: want RFC3339 or unix seconds", value)
	}
	return time.Unix(secs, 0).UTC(), nil
}
