package ldap

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DisplayTimeLayout is the layout every timestamp is rendered with.
const DisplayTimeLayout = "2006-01-02 15:04:05"

// generalizedTimeLayout is the layout Active Directory uses for whenCreated/whenChanged.
const generalizedTimeLayout = "20060102150405.0Z"

// filetimeUnixOffset is the number of 100ns ticks between 1601-01-01 and 1970-01-01.
const filetimeUnixOffset int64 = 116444736000000000

// FiletimeNever is the sentinel Active Directory stores for "never".
const FiletimeNever int64 = math.MaxInt64

// ParseFiletime parses a FILETIME tick count (100ns intervals since 1601-01-01 UTC).
// It returns ok=false for 0 and the never sentinel.
func ParseFiletime(value string) (t time.Time, ok bool, err error) {
	ticks, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid FILETIME %q: %w", value, err)
	}

	if ticks < 0 {
		return time.Time{}, false, fmt.Errorf("negative FILETIME %d", ticks)
	}

	if ticks == 0 || ticks == FiletimeNever {
		return time.Time{}, false, nil
	}

	return FiletimeToTime(ticks), true, nil
}

// FiletimeToTime converts FILETIME ticks to UTC time without overflowing time.Duration.
func FiletimeToTime(ticks int64) time.Time {
	unixTicks := ticks - filetimeUnixOffset
	sec := unixTicks / 1e7
	nsec := (unixTicks % 1e7) * 100
	return time.Unix(sec, nsec).UTC()
}

// ParseGeneralizedTime parses an LDAP GeneralizedTime such as 20240115103000.0Z.
func ParseGeneralizedTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)

	for _, layout := range []string{generalizedTimeLayout, "20060102150405Z", "20060102150405Z0700", "20060102150405.0Z0700"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid generalized time %q", value)
}

// FormatDisplayTime renders t in DisplayTimeLayout, UTC.
func FormatDisplayTime(t time.Time) string {
	return t.UTC().Format(DisplayTimeLayout)
}
