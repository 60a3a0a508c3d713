package types

import (
	"fmt"
	"time"
)

// ValidateCronSpec checks a spec at admission. Invalid specs are rejected
// before they are persisted; the scheduler assumes stored specs are valid.
func ValidateCronSpec(spec *CronSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("cron spec requires a name")
	}
	if !KnownKind(spec.Kind) {
		return fmt.Errorf("unknown job kind: %s", spec.Kind)
	}
	if spec.RunTarget == "" {
		return fmt.Errorf("cron spec requires a run target")
	}
	switch spec.Frequency {
	case FrequencySecond, FrequencyMinute, FrequencyHour, FrequencyDay:
	default:
		return fmt.Errorf("invalid frequency %q, must be one of: second, minute, hour, day", spec.Frequency)
	}
	if (spec.Interval > 0) == (spec.At != "") {
		return fmt.Errorf("exactly one of interval or at is required")
	}
	if spec.Interval < 0 {
		return fmt.Errorf("interval must be a positive integer")
	}
	if spec.At != "" {
		if err := ValidateAtTime(spec.Frequency, spec.At); err != nil {
			return err
		}
	}
	if err := ValidateTimezone(spec.Timezone); err != nil {
		return err
	}
	return nil
}

// ValidateAtTime checks the time-of-day string shape for a frequency:
//
//	minute: :SS
//	hour:   :MM or MM:SS
//	day:    HH:MM or HH:MM:SS
//
// Only the shape is checked, not the field ranges; "25:00" passes for day.
func ValidateAtTime(freq Frequency, at string) error {
	switch freq {
	case FrequencySecond:
		return fmt.Errorf(`frequency cannot be "second" when using at`)
	case FrequencyMinute:
		if len(at) == 3 && at[0] == ':' && isDigits(at[1:]) {
			return nil
		}
		return fmt.Errorf(`invalid at time %q for frequency "minute" (:SS), examples: :30, :05`, at)
	case FrequencyHour:
		if len(at) == 3 && at[0] == ':' && isDigits(at[1:]) {
			return nil
		}
		if len(at) == 5 && at[2] == ':' && isDigits(at[:2]) && isDigits(at[3:]) {
			return nil
		}
		return fmt.Errorf(`invalid at time %q for frequency "hour" (MM:SS or :MM), examples: 30:05, :05`, at)
	case FrequencyDay:
		if len(at) == 5 && at[2] == ':' && isDigits(at[:2]) && isDigits(at[3:]) {
			return nil
		}
		if len(at) == 8 && at[2] == ':' && at[5] == ':' &&
			isDigits(at[:2]) && isDigits(at[3:5]) && isDigits(at[6:]) {
			return nil
		}
		return fmt.Errorf(`invalid at time %q for frequency "day" (HH:MM:SS or HH:MM), examples: 12:30:05, 05:30`, at)
	}
	return fmt.Errorf("invalid frequency %q, must be one of: second, minute, hour, day", freq)
}

// ValidateTimezone checks that tz is a recognised IANA zone. Empty means UTC.
func ValidateTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return nil
}

// Location resolves the spec timezone, defaulting to UTC
func (c *CronSpec) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
