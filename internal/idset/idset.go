// SPDX-License-Identifier: AGPL-3.0-or-later

// Package idset handles sets of non-negative integers written as
// comma-separated ranges, e.g. "0-3,7,9-10".
package idset

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalid is returned for malformed idset strings.
var ErrInvalid = errors.New("idset: invalid idset")

// Set is a sorted list of unique ids.
type Set []uint64

// Parse decodes s. Surrounding brackets are accepted.
func Parse(s string) (Set, error) {
	str := strings.TrimSpace(s)
	str = strings.TrimPrefix(str, "[")
	str = strings.TrimSuffix(str, "]")
	if str == "" {
		return Set{}, nil
	}
	seen := make(map[uint64]struct{})
	var out Set
	for _, part := range strings.Split(str, ",") {
		lo, hi, err := parseRange(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		for v := lo; ; v++ {
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				out = append(out, v)
			}
			if v == hi {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func parseRange(part string) (uint64, uint64, error) {
	part = strings.TrimSpace(part)
	if part == "" {
		return 0, 0, ErrInvalid
	}
	loStr, hiStr, isRange := strings.Cut(part, "-")
	lo, err := strconv.ParseUint(loStr, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return lo, lo, nil
	}
	hi, err := strconv.ParseUint(hiStr, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if hi < lo || hi-lo > 1<<20 {
		return 0, 0, ErrInvalid
	}
	return lo, hi, nil
}

// String encodes the set with runs collapsed into ranges.
func (s Set) String() string {
	var parts []string
	for i := 0; i < len(s); {
		j := i
		for j+1 < len(s) && s[j+1] == s[j]+1 {
			j++
		}
		switch {
		case j == i:
			parts = append(parts, strconv.FormatUint(s[i], 10))
		default:
			parts = append(parts, fmt.Sprintf("%d-%d", s[i], s[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

// Count returns the number of ids in the set.
func (s Set) Count() int {
	return len(s)
}

// Contains reports whether id is a member.
func (s Set) Contains(id uint64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= id })
	return i < len(s) && s[i] == id
}
