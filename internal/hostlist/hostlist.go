// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hostlist expands and compresses bracketed host lists such as
// "node[1-4,7],login0".
package hostlist

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/flux-framework/flux-core-sub001/internal/idset"
)

// ErrInvalid is returned for malformed host lists.
var ErrInvalid = errors.New("hostlist: invalid hostlist")

// Decode expands s into host names in order of appearance.
func Decode(s string) ([]string, error) {
	var hosts []string
	for _, term := range splitTerms(s) {
		expanded, err := expand(term)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
		hosts = append(hosts, expanded...)
	}
	return hosts, nil
}

// Encode compresses hosts, merging adjacent hosts that share a prefix and
// numeric width. Order is preserved.
func Encode(hosts []string) string {
	var (
		terms []string
		cur   *run
	)
	flush := func() {
		if cur != nil {
			terms = append(terms, cur.String())
			cur = nil
		}
	}
	for _, h := range hosts {
		prefix, num, width, ok := splitHost(h)
		if !ok {
			flush()
			terms = append(terms, h)
			continue
		}
		if cur != nil && cur.prefix == prefix && cur.width == width {
			cur.nums = append(cur.nums, num)
			continue
		}
		flush()
		cur = &run{prefix: prefix, width: width, nums: []uint64{num}}
	}
	flush()
	return strings.Join(terms, ",")
}

// First returns the first host of s.
func First(s string) (string, error) {
	hosts, err := Decode(s)
	if err != nil {
		return "", err
	}
	if len(hosts) == 0 {
		return "", fmt.Errorf("%w: empty", ErrInvalid)
	}
	return hosts[0], nil
}

type run struct {
	prefix string
	width  int
	nums   []uint64
}

func (r *run) String() string {
	if len(r.nums) == 1 {
		return r.prefix + pad(r.nums[0], r.width)
	}
	var parts []string
	for i := 0; i < len(r.nums); {
		j := i
		for j+1 < len(r.nums) && r.nums[j+1] == r.nums[j]+1 {
			j++
		}
		if j == i {
			parts = append(parts, pad(r.nums[i], r.width))
		} else {
			parts = append(parts, pad(r.nums[i], r.width)+"-"+pad(r.nums[j], r.width))
		}
		i = j + 1
	}
	return r.prefix + "[" + strings.Join(parts, ",") + "]"
}

func pad(n uint64, width int) string {
	s := strconv.FormatUint(n, 10)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// splitHost splits a trailing number off h. Width is non-zero only for
// zero-padded numbers.
func splitHost(h string) (prefix string, num uint64, width int, ok bool) {
	i := len(h)
	for i > 0 && h[i-1] >= '0' && h[i-1] <= '9' {
		i--
	}
	digits := h[i:]
	if digits == "" {
		return "", 0, 0, false
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	if len(digits) > 1 && digits[0] == '0' {
		width = len(digits)
	}
	return h[:i], n, width, true
}

func splitTerms(s string) []string {
	var (
		terms []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				terms = append(terms, s[start:i])
				start = i + 1
			}
		}
	}
	terms = append(terms, s[start:])
	out := terms[:0]
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func expand(term string) ([]string, error) {
	open := strings.IndexByte(term, '[')
	if open < 0 {
		if strings.ContainsAny(term, "]") {
			return nil, ErrInvalid
		}
		return []string{term}, nil
	}
	end := strings.IndexByte(term, ']')
	if end < open {
		return nil, ErrInvalid
	}
	prefix, body, suffix := term[:open], term[open+1:end], term[end+1:]
	if body == "" || strings.ContainsAny(suffix, "[]") {
		return nil, ErrInvalid
	}
	var hosts []string
	for _, part := range strings.Split(body, ",") {
		width := 0
		lo, _, _ := strings.Cut(part, "-")
		if len(lo) > 1 && lo[0] == '0' {
			width = len(lo)
		}
		ids, err := idset.Parse(part)
		if err != nil || len(ids) == 0 {
			return nil, ErrInvalid
		}
		for _, id := range ids {
			hosts = append(hosts, prefix+pad(id, width)+suffix)
		}
	}
	return hosts, nil
}
