// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fsd implements Flux Standard Duration strings: a non-negative
// floating point number with an optional unit suffix (ms, s, m, h, d), or
// one of the infinity spellings.
package fsd

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned for strings that are not a valid duration.
var ErrInvalid = errors.New("fsd: invalid duration")

// ErrUnlimited is returned when a relative adjustment targets an unlimited duration.
var ErrUnlimited = errors.New("fsd: cannot adjust an unlimited duration")

type unit struct {
	suffix  string
	seconds float64
}

// ordered largest first so Format prefers the coarsest exact unit
var units = []unit{
	{"d", 86400},
	{"h", 3600},
	{"m", 60},
	{"s", 1},
	{"ms", 0.001},
}

// Parse converts s to seconds. Infinity spellings return +Inf.
func Parse(s string) (float64, error) {
	str := strings.TrimSpace(s)
	if str == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalid)
	}
	switch strings.ToLower(str) {
	case "inf", "infinity":
		return math.Inf(1), nil
	}
	num, mult := str, 1.0
	switch {
	case strings.HasSuffix(str, "ms"):
		num, mult = str[:len(str)-2], 0.001
	case strings.HasSuffix(str, "s"):
		num = str[:len(str)-1]
	case strings.HasSuffix(str, "m"):
		num, mult = str[:len(str)-1], 60
	case strings.HasSuffix(str, "h"):
		num, mult = str[:len(str)-1], 3600
	case strings.HasSuffix(str, "d"):
		num, mult = str[:len(str)-1], 86400
	}
	if num == "" || strings.ContainsAny(num[:1], "+-") {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalid, s)
	}
	return v * mult, nil
}

// Format renders seconds as the shortest exact duration string, so that
// Parse(Format(x)) == x for every finite non-negative x.
func Format(seconds float64) (string, error) {
	if math.IsNaN(seconds) || seconds < 0 {
		return "", fmt.Errorf("%w: %v", ErrInvalid, seconds)
	}
	if math.IsInf(seconds, 1) {
		return "inf", nil
	}
	if seconds == 0 {
		return "0s", nil
	}
	for _, u := range units {
		v := seconds / u.seconds
		if v < 1 || v != math.Trunc(v) || v > 1e15 {
			continue
		}
		if u.suffix == "ms" && seconds >= 1 {
			continue
		}
		candidate := strconv.FormatFloat(v, 'f', -1, 64) + u.suffix
		if got, err := Parse(candidate); err == nil && got == seconds {
			return candidate, nil
		}
	}
	return strconv.FormatFloat(seconds, 'g', -1, 64) + "s", nil
}

// Duration parses s into a time.Duration. Infinity maps to zero.
func Duration(s string) (time.Duration, error) {
	v, err := Parse(s)
	if err != nil {
		return 0, err
	}
	if math.IsInf(v, 1) {
		return 0, nil
	}
	return time.Duration(v * float64(time.Second)), nil
}

// Apply evaluates s against the current duration in seconds. A leading '+'
// or '-' adjusts current, anything else replaces it. Zero means unlimited
// both in and out, and infinity is stored as zero.
func Apply(current float64, s string) (float64, error) {
	str := strings.TrimSpace(s)
	if str == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalid)
	}
	sign := str[0]
	if sign != '+' && sign != '-' {
		v, err := Parse(str)
		if err != nil {
			return 0, err
		}
		if math.IsInf(v, 1) {
			return 0, nil
		}
		return v, nil
	}
	delta, err := Parse(str[1:])
	if err != nil {
		return 0, err
	}
	if math.IsInf(delta, 1) {
		return 0, fmt.Errorf("%w: relative duration %q must be finite", ErrInvalid, s)
	}
	if current == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnlimited, s)
	}
	next := current + delta
	if sign == '-' {
		next = current - delta
	}
	if next <= 0 {
		return 0, fmt.Errorf("%w: %q would make duration non-positive", ErrInvalid, s)
	}
	return next, nil
}
