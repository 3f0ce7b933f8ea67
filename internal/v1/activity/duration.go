package activity

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ban durations on the wire are an unsigned integer followed by a unit, one of
// s, m, h or d. "1h" bans for one hour, "30m" for thirty minutes.

// ParseBanDuration converts a duration literal to a time.Duration.
func ParseBanDuration(duration string) (time.Duration, error) {
	duration = strings.TrimSpace(duration)
	if len(duration) < 2 {
		return 0, fmt.Errorf("invalid ban duration %q", duration)
	}

	unit := duration[len(duration)-1]
	value, err := strconv.ParseUint(duration[:len(duration)-1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid ban duration %q: %w", duration, err)
	}

	switch unit {
	case 's':
		return time.Duration(value) * time.Second, nil
	case 'm':
		return time.Duration(value) * time.Minute, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid ban duration unit %q in %q", string(unit), duration)
	}
}

// BanDurationToTimestamp converts a duration literal to the absolute epoch
// second the ban expires at.
func BanDurationToTimestamp(duration string, now time.Time) (int64, error) {
	d, err := ParseBanDuration(duration)
	if err != nil {
		return 0, err
	}
	return now.Add(d).Unix(), nil
}

// BanDurationToDatetime formats the ban expiry using the default date format.
func BanDurationToDatetime(duration string, now time.Time) (string, error) {
	d, err := ParseBanDuration(duration)
	if err != nil {
		return "", err
	}
	return now.Add(d).UTC().Format(DefaultDateFormat), nil
}
