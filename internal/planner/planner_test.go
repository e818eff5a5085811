package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrsync/internal/model"
)

func snap(name, uuid string, t time.Time) model.Snapshot {
	return model.Snapshot{Name: name, Prefix: "home-", Timestamp: t, UUID: uuid}
}

func TestDecideNoTransferWhenAllSourceSnapshotsReceived(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	source := []model.Snapshot{snap("home-1", "u1", t0)}
	dest := []model.Snapshot{{ReceivedUUID: "u1"}}

	plan := Decide(source, dest, true)
	assert.Nil(t, plan.Send)
}

func TestDecideSendsLatestUnreceivedSnapshot(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	source := []model.Snapshot{snap("home-1", "u1", t0), snap("home-2", "u2", t1)}
	dest := []model.Snapshot{{ReceivedUUID: "u1"}}

	plan := Decide(source, dest, true)
	require.NotNil(t, plan.Send)
	assert.Equal(t, "u2", plan.Send.UUID)
	require.NotNil(t, plan.Parent)
	assert.Equal(t, "u1", plan.Parent.UUID)
}

func TestDecideFullTransferWhenNoEligibleParent(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	source := []model.Snapshot{snap("home-1", "u1", t0)}

	plan := Decide(source, nil, true)
	require.NotNil(t, plan.Send)
	assert.Equal(t, "u1", plan.Send.UUID)
	assert.Nil(t, plan.Parent)
}

func TestDecideForcesFullWhenIncrementalDisabled(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	source := []model.Snapshot{snap("home-1", "u1", t0), snap("home-2", "u2", t1)}
	dest := []model.Snapshot{{ReceivedUUID: "u1"}}

	plan := Decide(source, dest, false)
	require.NotNil(t, plan.Send)
	assert.Equal(t, "u2", plan.Send.UUID)
	assert.Nil(t, plan.Parent)
}

func TestDecideElectsMostRecentEligibleParent(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t0.Add(2 * time.Hour)
	source := []model.Snapshot{snap("home-1", "u1", t0), snap("home-2", "u2", t1), snap("home-3", "u3", t2)}
	dest := []model.Snapshot{{ReceivedUUID: "u1"}, {ReceivedUUID: "u2"}}

	plan := Decide(source, dest, true)
	require.NotNil(t, plan.Send)
	assert.Equal(t, "u3", plan.Send.UUID)
	require.NotNil(t, plan.Parent)
	assert.Equal(t, "u2", plan.Parent.UUID)
}

func TestDecideNoTransferWhenNoSourceSnapshots(t *testing.T) {
	plan := Decide(nil, nil, true)
	assert.Nil(t, plan.Send)
	assert.Nil(t, plan.Parent)
}
