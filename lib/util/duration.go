package util

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Duration wraps time.Duration to add JSON (de)serialization and a relaxed
// parser that accepts day/week/month/year suffixes, used for retention and
// cooldown settings in configuration.
type Duration time.Duration

var unitMap = map[string]Duration{
	"d": 24,
	"D": 24,
	"w": 7 * 24,
	"W": 7 * 24,
	"M": 30 * 24,
	"y": 365 * 24,
	"Y": 365 * 24,
}

// MarshalJSON represents Duration as its standard string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a number of nanoseconds or a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		return d.StoreStringDuration(value)
	default:
		return fmt.Errorf("util: incorrect duration type")
	}
}

// StoreStringDuration parses a duration string into d, extending
// time.ParseDuration with day(d/D), week(w/W), month(M) and year(y/Y) units.
// Example: "10d", "-1.5w" or "3Y4M5d".
func (d *Duration) StoreStringDuration(s string) error {
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}

	re := regexp.MustCompile(`(\d*\.\d+|\d+)[^\d]*`)
	strs := re.FindAllString(s, -1)
	var sumDur Duration
	for _, str := range strs {
		var hours Duration = 1
		for unit, h := range unitMap {
			if strings.Contains(str, unit) {
				str = strings.ReplaceAll(str, unit, "h")
				hours = h
				break
			}
		}

		dur, err := time.ParseDuration(str)
		if err != nil {
			return err
		}

		sumDur += Duration(dur) * hours
	}

	if neg {
		sumDur = -sumDur
	}

	*d = sumDur

	return nil
}
