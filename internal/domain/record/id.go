package record

import (
	"encoding/json"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Synthetic ID timestamps are epoch milliseconds with 12 to 14 digits,
// i.e. roughly 1973 through 5138.
const (
	minMillisDigits = 12
	maxMillisDigits = 14
)

// SynthesizeID builds an ID of the form {prefix}_{unixMillis}_{random}.
func SynthesizeID(prefix string, at time.Time, random string) string {
	prefix = sanitizePrefix(prefix)
	var millis int64
	if !at.IsZero() {
		millis = at.UnixMilli()
	}
	return prefix + "_" + strconv.FormatInt(millis, 10) + "_" + random
}

// NewLocalID returns a fresh synthetic ID for a locally created record.
func NewLocalID(prefix string, at time.Time) string {
	return SynthesizeID(prefix, at, RandomSuffix())
}

// RandomSuffix returns 12 hex characters of uuid entropy.
func RandomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Fingerprint is a deterministic hash of the record's content excluding its ID.
// Identical ID-less records yield identical fingerprints across runs.
func Fingerprint(r Record) string {
	r.ID = ""
	data, err := json.Marshal(r)
	if err != nil {
		data = []byte(r.TenantID + "|" + r.Type + "|" + r.UserID)
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return strconv.FormatUint(h.Sum64(), 16)
}

// DeterministicID returns the synthetic ID assigned to an ID-less remote record.
func DeterministicID(prefix string, r Record) string {
	var at time.Time
	if r.CreatedAt != nil {
		at = *r.CreatedAt
	}
	return SynthesizeID(prefix, at, Fingerprint(r))
}

// ParseSyntheticID returns the creation time embedded in a synthetic ID. Both the
// {prefix}_{millis}_{random} form and bare millisecond IDs are recognised.
func ParseSyntheticID(id string) (time.Time, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return time.Time{}, false
	}
	if ms, ok := parseMillis(id); ok {
		return time.UnixMilli(ms).UTC(), true
	}

	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return time.Time{}, false
	}
	random := parts[len(parts)-1]
	prefix := strings.Join(parts[:len(parts)-2], "_")
	if random == "" || prefix == "" {
		return time.Time{}, false
	}
	ms, ok := parseMillis(parts[len(parts)-2])
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func parseMillis(s string) (int64, bool) {
	if len(s) < minMillisDigits || len(s) > maxMillisDigits {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return ms, true
}

func sanitizePrefix(prefix string) string {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	prefix = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, prefix)
	if prefix == "" {
		return "rec"
	}
	return prefix
}
