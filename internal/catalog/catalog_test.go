package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToGoLayout(t *testing.T) {
	assert.Equal(t, "20060102-150405", ToGoLayout("%Y%m%d-%H%M%S"))
}

func TestParseTimestampRoundTrip(t *testing.T) {
	layout := ToGoLayout("%Y%m%d-%H%M%S")
	now := time.Date(2026, 8, 2, 13, 45, 0, 0, time.Local)
	name := "home-" + now.Format(layout)

	got, ok := ParseTimestamp(name, "home-", layout)
	require.True(t, ok)
	assert.True(t, got.Equal(now))
}

func TestParseTimestampStripsCollisionSuffix(t *testing.T) {
	layout := ToGoLayout("%Y%m%d-%H%M%S")
	now := time.Date(2026, 8, 2, 13, 45, 0, 0, time.Local)
	name := "home-" + now.Format(layout) + "-1"

	got, ok := ParseTimestamp(name, "home-", layout)
	require.True(t, ok)
	assert.True(t, got.Equal(now))
}

func TestParseTimestampRejectsWrongPrefix(t *testing.T) {
	layout := ToGoLayout("%Y%m%d-%H%M%S")
	_, ok := ParseTimestamp("other-20260802-134500", "home-", layout)
	assert.False(t, ok)
}

type fakeNames map[string]bool

func (f fakeNames) Exists(name string) bool { return f[name] }

func TestNextNameNoCollision(t *testing.T) {
	layout := ToGoLayout("%Y%m%d-%H%M%S")
	now := time.Date(2026, 8, 2, 13, 45, 0, 0, time.Local)
	got := NextName("home-", layout, now, fakeNames{})
	assert.Equal(t, "home-"+now.Format(layout), got)
}

func TestNextNameAppendsMonotonicSuffixOnCollision(t *testing.T) {
	layout := ToGoLayout("%Y%m%d-%H%M%S")
	now := time.Date(2026, 8, 2, 13, 45, 0, 0, time.Local)
	base := "home-" + now.Format(layout)
	existing := fakeNames{base: true, base + "-1": true}

	got := NextName("home-", layout, now, existing)
	assert.Equal(t, base+"-2", got)
}
