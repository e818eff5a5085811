package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkSnap(name string, t time.Time) Snapshot {
	return Snapshot{Name: name, Prefix: "home-", Timestamp: t}
}

func TestSnapshotCompareOrdersByTimestampThenName(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := mkSnap("home-20260101-000000", base)
	b := mkSnap("home-20260101-010000", base.Add(time.Hour))
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))

	// Equal timestamps break ties lexicographically by name.
	c := mkSnap("home-a", base)
	d := mkSnap("home-b", base)
	assert.True(t, c.Less(d))
}

func TestSnapshotFull(t *testing.T) {
	assert.True(t, Snapshot{}.Full())
	assert.False(t, Snapshot{ParentUUID: "x"}.Full())
}

func TestChainAncestors(t *testing.T) {
	a := Snapshot{Name: "a", UUID: "UA"}
	b := Snapshot{Name: "b", UUID: "UB", ParentUUID: "UA"}
	c := Snapshot{Name: "c", UUID: "UC", ParentUUID: "UB"}

	chain := NewChain([]Snapshot{a, b, c})
	anc := chain.Ancestors("UC")
	assert.True(t, anc["UB"])
	assert.True(t, anc["UA"])
	assert.Len(t, anc, 2)

	assert.True(t, chain.Has("UA"))
	assert.False(t, chain.Has("nope"))
}
