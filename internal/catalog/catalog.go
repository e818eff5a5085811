// Package catalog implements the snapshot catalog: name parsing against a
// configurable timestamp format, and creation-name computation with a
// monotonic suffix on same-second collision.
package catalog

import (
	"fmt"
	"strings"
	"time"
)

// ParseTimestamp extracts the timestamp portion of name (after prefix) and
// parses it with layout, a Go time layout string (the config converts the
// strftime-style %Y%m%d-%H%M%S into Go's reference-time layout once, at
// load time, so this package only ever sees Go layouts). Returns ok=false
// for names that don't start with prefix or whose remainder doesn't parse —
// the endpoint listings that call this skip such names without logging
// them, so they are excluded from retention/planning and never deleted.
func ParseTimestamp(name, prefix, layout string) (time.Time, bool) {
	if !strings.HasPrefix(name, prefix) {
		return time.Time{}, false
	}
	rest := name[len(prefix):]
	// A monotonic collision suffix ("-N") may follow the timestamp; strip
	// it before parsing since it is not part of the configured layout.
	if idx := strings.LastIndex(rest, "-"); idx >= 0 {
		if t, err := time.ParseInLocation(layout, rest, time.Local); err == nil {
			return t, true
		}
		if t, err := time.ParseInLocation(layout, rest[:idx], time.Local); err == nil {
			return t, true
		}
	}
	t, err := time.ParseInLocation(layout, rest, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Names is the minimal seam NextName needs to check for same-second
// collisions without depending on the endpoint package (which itself
// depends on catalog for ParseTimestamp), avoiding an import cycle.
type Names interface {
	Exists(name string) bool
}

// NextName computes the name for a new snapshot: `{prefix}{now in layout}`,
// with a monotonic `-N` suffix appended if that exact name already exists.
func NextName(prefix, layout string, now time.Time, existing Names) string {
	base := prefix + now.In(time.Local).Format(layout)
	if !existing.Exists(base) {
		return base
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if !existing.Exists(candidate) {
			return candidate
		}
	}
}

// ToGoLayout converts the strftime-style directives the config format names
// (default `%Y%m%d-%H%M%S`) into a Go reference-time layout. Only a fixed
// set of directives is supported; an unrecognized directive is left as a
// literal (it will simply fail to round-trip, which is caught by
// config-time validation, out of scope here).
func ToGoLayout(strftime string) string {
	replacer := strings.NewReplacer(
		"%Y", "2006",
		"%m", "01",
		"%d", "02",
		"%H", "15",
		"%M", "04",
		"%S", "05",
	)
	return replacer.Replace(strftime)
}
