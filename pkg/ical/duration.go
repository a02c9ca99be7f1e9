package ical

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// durationPattern mirrors the RFC 5545 DURATION value grammar:
// P[nW][nD][T[nH][nM][nS]] with an optional leading sign.
var durationPattern = regexp.MustCompile(
	`^(?P<sign>[+-])?P(?:(?P<W>\d+)W)?(?:(?P<D>\d+)D)?(?:T(?:(?P<H>\d+)H)?(?:(?P<M>\d+)M)?(?:(?P<S>\d+)S)?)?$`,
)

// ErrInvalidDurationFormat is returned by ParseICalDuration when the input
// does not match the RFC 5545 DURATION grammar.
var ErrInvalidDurationFormat = fmt.Errorf("invalid duration format")

// ParseICalDuration parses an RFC 5545 DURATION value, e.g. "P1DT2H3M4S" or
// "-PT15M". It fails with ErrInvalidDurationFormat rather than a generic
// parse error so callers can surface the CalDAV precondition body.
func ParseICalDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, ErrInvalidDurationFormat
	}
	names := durationPattern.SubexpNames()
	var weeks, days, hours, minutes, seconds int
	negative := false
	for i, val := range m {
		if i == 0 || val == "" {
			continue
		}
		switch names[i] {
		case "sign":
			negative = val == "-"
		case "W":
			weeks, _ = strconv.Atoi(val)
		case "D":
			days, _ = strconv.Atoi(val)
		case "H":
			hours, _ = strconv.Atoi(val)
		case "M":
			minutes, _ = strconv.Atoi(val)
		case "S":
			seconds, _ = strconv.Atoi(val)
		}
	}
	d := time.Duration(weeks)*7*24*time.Hour +
		time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	if negative {
		d = -d
	}
	return d, nil
}
