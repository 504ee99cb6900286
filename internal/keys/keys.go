// Package keys derives deterministic surrogate keys for dimension and fact rows.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// Width is the number of hex characters in a surrogate key (64 bits).
	Width = 16

	// NullToken replaces nil values so that two missing natural keys collide.
	NullToken = "__NULL__"

	sep = "\x1f"
)

// Generate returns the surrogate key for the ordered natural-key values
// within namespace. It is a pure function of its arguments.
func Generate(namespace string, values ...any) string {
	var b strings.Builder
	b.WriteString(namespace)
	for _, v := range values {
		b.WriteString(sep)
		b.WriteString(Canonical(v))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:Width]
}

// Composite prefixes a generated key, e.g. "game_1a2b...".
func Composite(prefix, namespace string, values ...any) string {
	return prefix + "_" + Generate(namespace, values...)
}

// Canonical renders a natural-key value the way Generate hashes it.
func Canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return NullToken
	case string:
		return strings.ToLower(strings.TrimSpace(x))
	case *string:
		if x == nil {
			return NullToken
		}
		return Canonical(*x)
	case time.Time:
		u := x.UTC()
		if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
			return u.Format("2006-01-02")
		}
		return u.Format(time.RFC3339Nano)
	case float64:
		return canonicalFloat(x)
	case float32:
		return canonicalFloat(float64(x))
	case int:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", x)))
	}
}

func canonicalFloat(f float64) string {
	if math.IsNaN(f) {
		return NullToken
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Valid reports whether key has the shape Generate produces.
func Valid(key string) bool {
	if len(key) != Width {
		return false
	}
	for _, c := range key {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// DateKey returns t as a YYYYMMDD integer.
func DateKey(t time.Time) int64 {
	t = t.UTC()
	return int64(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// TimeKey returns t as an HHMMSS integer.
func TimeKey(t time.Time) int64 {
	t = t.UTC()
	return int64(t.Hour()*10000 + t.Minute()*100 + t.Second())
}
