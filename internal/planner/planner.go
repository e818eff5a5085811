// Package planner implements the Planner: a pure function over
// enumerated source and destination snapshots that decides what, if
// anything, to send next and which parent to send it against.
package planner

import (
	"sort"

	"btrsync/internal/model"
)

// Plan is the Planner's decision: nil Send means nothing needs sending.
type Plan struct {
	Send   *model.Snapshot
	Parent *model.Snapshot // nil means a full (non-incremental) transfer
}

// Decide implements the election algorithm: filter, common-set intersection
// by received_uuid, latest-not-yet-sent, most-recent-eligible-parent.
// incremental=false forces every transfer to be full, matching the global
// "incremental disabled" switch.
func Decide(source, dest []model.Snapshot, incremental bool) Plan {
	s := sortedByCompare(source)
	if len(s) == 0 {
		return Plan{}
	}

	received := make(map[string]model.Snapshot, len(dest))
	for _, d := range dest {
		if d.ReceivedUUID != "" {
			received[d.ReceivedUUID] = d
		}
	}

	// The snapshot to send is the latest source snapshot whose uuid has not
	// already arrived at the destination as a received_uuid.
	var target *model.Snapshot
	for i := len(s) - 1; i >= 0; i-- {
		if _, ok := received[s[i].UUID]; !ok {
			t := s[i]
			target = &t
			break
		}
	}
	if target == nil {
		return Plan{}
	}

	if !incremental {
		return Plan{Send: target}
	}

	// Parent election: the most-recent source snapshot, strictly older than
	// target, whose uuid has already been received at the destination.
	var parent *model.Snapshot
	for i := len(s) - 1; i >= 0; i-- {
		cand := s[i]
		if !cand.Timestamp.Before(target.Timestamp) {
			continue
		}
		if _, ok := received[cand.UUID]; ok {
			p := cand
			parent = &p
			break
		}
	}
	return Plan{Send: target, Parent: parent}
}

// sortedByCompare returns an ascending, stably-tie-broken copy of snaps per
// Snapshot.Compare. Unparseable-name filtering already happened upstream,
// at the catalog listing that produced snaps.
func sortedByCompare(snaps []model.Snapshot) []model.Snapshot {
	out := make([]model.Snapshot, len(snaps))
	copy(out, snaps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
