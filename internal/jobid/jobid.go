// SPDX-License-Identifier: AGPL-3.0-or-later

// Package jobid implements 64-bit job identifiers and their textual encodings.
package jobid

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrInvalid is returned when a string cannot be decoded as a job id.
var ErrInvalid = errors.New("jobid: invalid job id")

// Encoding names a textual job id representation.
type Encoding string

const (
	Dec    Encoding = "dec"
	Hex    Encoding = "hex"
	DotHex Encoding = "dothex"
	KVS    Encoding = "kvs"
	F58    Encoding = "f58"
	Emoji  Encoding = "emoji"
	Words  Encoding = "words"
)

// Encodings lists every supported encoding.
var Encodings = []Encoding{Dec, Hex, DotHex, KVS, F58, Emoji, Words}

const (
	f58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	f58Prefix   = "ƒ"
	emojiBase   = 0x1F400
)

// ID is a job identifier.
type ID uint64

// Any matches any job in job-manager.wait.
const Any = ID(^uint64(0))

// String returns the f58 form.
func (id ID) String() string {
	return id.Encode(F58)
}

// Encode renders id in the requested encoding. Unknown encodings fall back
// to decimal.
func (id ID) Encode(enc Encoding) string {
	v := uint64(id)
	switch enc {
	case Hex:
		return "0x" + strconv.FormatUint(v, 16)
	case DotHex:
		return dothex(v)
	case KVS:
		return "job." + dothex(v)
	case F58:
		return f58Prefix + encodeBase(v, f58Alphabet)
	case Emoji:
		return encodeEmoji(v)
	case Words:
		return encodeWords(v)
	default:
		return strconv.FormatUint(v, 10)
	}
}

// KVSPath returns the KVS directory of the job, optionally joined with key.
func (id ID) KVSPath(key string) string {
	base := id.Encode(KVS)
	if key == "" {
		return base
	}
	return base + "." + key
}

// Parse decodes any supported encoding.
func Parse(s string) (ID, error) {
	str := strings.TrimSpace(s)
	if str == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalid)
	}
	var (
		v   uint64
		err error
	)
	switch {
	case strings.HasPrefix(str, "0x"):
		v, err = strconv.ParseUint(str[2:], 16, 64)
	case strings.HasPrefix(str, "job."):
		v, err = parseDothex(str[len("job."):])
	case strings.Count(str, ".") == 3:
		v, err = parseDothex(str)
	case strings.Contains(str, "--"):
		v, err = decodeWords(str)
	case strings.HasPrefix(str, f58Prefix):
		v, err = decodeBase(str[len(f58Prefix):], f58Alphabet)
	case str[0] == 'f' && len(str) > 1:
		v, err = decodeBase(str[1:], f58Alphabet)
	case str[0] >= '0' && str[0] <= '9':
		v, err = strconv.ParseUint(str, 10, 64)
	default:
		v, err = decodeEmoji(str)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return ID(v), nil
}

// MarshalJSON encodes the id as a JSON number.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(id), 10)), nil
}

// UnmarshalJSON accepts a JSON number or any encoded string form.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := Parse(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	if string(data) == "-1" {
		*id = Any
		return nil
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, data)
	}
	*id = ID(v)
	return nil
}

// JobID is an ID that remembers the string it was parsed from.
type JobID struct {
	ID
	orig string
}

// New parses s and retains it as the original representation.
func New(s string) (JobID, error) {
	id, err := Parse(s)
	if err != nil {
		return JobID{}, err
	}
	return JobID{ID: id, orig: strings.TrimSpace(s)}, nil
}

// FromID wraps id without an original string.
func FromID(id ID) JobID {
	return JobID{ID: id}
}

// Orig returns the original string, or the f58 form when there is none.
func (j JobID) Orig() string {
	if j.orig != "" {
		return j.orig
	}
	return j.ID.String()
}

// String returns the original representation.
func (j JobID) String() string {
	return j.Orig()
}

func dothex(v uint64) string {
	h := fmt.Sprintf("%016x", v)
	return h[0:4] + "." + h[4:8] + "." + h[8:12] + "." + h[12:16]
}

func parseDothex(s string) (uint64, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, ErrInvalid
	}
	for _, p := range parts {
		if len(p) != 4 {
			return 0, ErrInvalid
		}
	}
	return strconv.ParseUint(strings.Join(parts, ""), 16, 64)
}

func encodeBase(v uint64, alphabet string) string {
	base := uint64(len(alphabet))
	if v == 0 {
		return alphabet[:1]
	}
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = alphabet[v%base]
		v /= base
	}
	return string(buf[i:])
}

func decodeBase(s, alphabet string) (uint64, error) {
	if s == "" {
		return 0, ErrInvalid
	}
	base := uint64(len(alphabet))
	var v uint64
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(alphabet, s[i])
		if d < 0 {
			return 0, ErrInvalid
		}
		if v > (math.MaxUint64-uint64(d))/base {
			return 0, ErrInvalid
		}
		v = v*base + uint64(d)
	}
	return v, nil
}

func encodeEmoji(v uint64) string {
	if v == 0 {
		return string(rune(emojiBase))
	}
	var digits []rune
	for v > 0 {
		digits = append(digits, rune(emojiBase+v%64))
		v /= 64
	}
	var b strings.Builder
	for i := len(digits) - 1; i >= 0; i-- {
		b.WriteRune(digits[i])
	}
	return b.String()
}

func decodeEmoji(s string) (uint64, error) {
	if s == "" || !utf8.ValidString(s) {
		return 0, ErrInvalid
	}
	var v uint64
	n := 0
	for _, r := range s {
		d := int64(r) - emojiBase
		if d < 0 || d >= 64 {
			return 0, ErrInvalid
		}
		n++
		if n > 11 || (n == 11 && v >= 1<<58) {
			return 0, ErrInvalid
		}
		v = v*64 + uint64(d)
	}
	return v, nil
}

var wordIndex = func() map[string]uint64 {
	m := make(map[string]uint64, len(wordlist))
	for i, w := range wordlist {
		m[w] = uint64(i)
	}
	return m
}()

func encodeWords(v uint64) string {
	groups := make([]string, 4)
	for g := 0; g < 4; g++ {
		shift := uint(48 - 16*g)
		hi := (v >> (shift + 8)) & 0xff
		lo := (v >> shift) & 0xff
		groups[g] = wordlist[hi] + "-" + wordlist[lo]
	}
	return strings.Join(groups, "--")
}

func decodeWords(s string) (uint64, error) {
	groups := strings.Split(s, "--")
	if len(groups) != 4 {
		return 0, ErrInvalid
	}
	var v uint64
	for _, g := range groups {
		pair := strings.Split(g, "-")
		if len(pair) != 2 {
			return 0, ErrInvalid
		}
		hi, ok := wordIndex[pair[0]]
		if !ok {
			return 0, ErrInvalid
		}
		lo, ok := wordIndex[pair[1]]
		if !ok {
			return 0, ErrInvalid
		}
		v = v<<16 | hi<<8 | lo
	}
	return v, nil
}
