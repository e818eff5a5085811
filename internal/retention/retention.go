// Package retention implements the Retention Evaluator: a pure
// function that partitions a volume's snapshots into keep and prune sets
// using a time-bucket policy, a minimum-age floor, and chain protection.
package retention

import (
	"fmt"
	"sort"
	"time"

	"btrsync/internal/model"
)

// Result is the evaluator's decision. Keep and Prune partition the input
// snapshots: every input snapshot appears in exactly one of the two slices.
type Result struct {
	Keep  []model.Snapshot
	Prune []model.Snapshot
}

// bucketSpec names one of the five fixed eviction granularities and how
// many of its most recent intervals to preserve a keeper from.
type bucketSpec struct {
	count int
	key   func(time.Time) string
}

// EvaluateSource runs the algorithm over one volume's local snapshots.
// Chain protection here follows chainProtect, since a broken local chain
// only affects future sends, not data already safely elsewhere.
func EvaluateSource(now time.Time, snapshots []model.Snapshot, policy model.RetentionPolicy, chainProtect bool) Result {
	return evaluate(now, snapshots, policy, chainProtect)
}

// EvaluateDestination runs the algorithm over one volume's snapshots as
// received at one destination. Chain protection is always on here: deleting
// an ancestor a future incremental send depends on would break replication
// to this destination permanently.
func EvaluateDestination(now time.Time, snapshots []model.Snapshot, policy model.RetentionPolicy) Result {
	return evaluate(now, snapshots, policy, true)
}

// identity is uuid uniformly: parent_uuid is a kernel-native field that
// always names a local uuid, on both the source and every destination, so
// chain-protection and deletion both key on the same attribute regardless
// of which side is being evaluated (see model.Chain).
func identity(s model.Snapshot) string { return s.UUID }

func evaluate(
	now time.Time,
	snapshots []model.Snapshot,
	policy model.RetentionPolicy,
	chainProtect bool,
) Result {
	ordered := sortedAscending(snapshots)

	kept := make(map[string]bool, len(ordered))
	markKeeper := func(s model.Snapshot) {
		// A snapshot this evaluator can't identify (no uuid at all) is
		// never one we chose to touch — it is kept by default rather than
		// risk pruning something unrelated.
		if id := identity(s); id != "" {
			kept[id] = true
		}
	}

	minAge := policy.MinAge.Value
	var eligible []model.Snapshot
	for _, s := range ordered {
		if minAge > 0 && now.Sub(s.Timestamp) < minAge {
			markKeeper(s) // step 1: protected_by_age
			continue
		}
		eligible = append(eligible, s)
	}

	// Step 2: bucket election. Buckets run smallest first (hourly to
	// yearly), but since election only ever adds to
	// the kept set, the order among buckets has no actual effect — any
	// snapshot elected by any bucket is a keeper.
	for _, b := range buckets(policy) {
		electBucket(eligible, b, markKeeper)
	}

	// Step 3: chain-protection closure.
	if chainProtect {
		chain := model.NewChain(ordered)
		for id := range snapshotIdentitySet(kept) {
			for ancestor := range chain.Ancestors(id) {
				kept[ancestor] = true
			}
		}
	}

	var result Result
	for _, s := range ordered {
		id := identity(s)
		if id == "" || kept[id] {
			result.Keep = append(result.Keep, s)
		} else {
			result.Prune = append(result.Prune, s)
		}
	}
	return result
}

// snapshotIdentitySet is a tiny indirection so the chain-protection loop
// above doesn't mutate the map it is ranging over.
func snapshotIdentitySet(kept map[string]bool) map[string]bool {
	out := make(map[string]bool, len(kept))
	for id, ok := range kept {
		if ok {
			out[id] = true
		}
	}
	return out
}

// electBucket marks the earliest snapshot in each of the b.count most
// recent intervals (that contain at least one eligible snapshot) as a
// keeper. eligible must already be ascending by timestamp: the first
// snapshot seen for a given interval key is therefore its earliest member,
// and the order intervals are first encountered in is itself chronological,
// so the last b.count distinct keys are the most recent intervals.
func electBucket(eligible []model.Snapshot, b bucketSpec, markKeeper func(model.Snapshot)) {
	if b.count <= 0 {
		return
	}
	earliest := make(map[string]model.Snapshot)
	var order []string
	for _, s := range eligible {
		key := b.key(s.Timestamp)
		if _, ok := earliest[key]; !ok {
			earliest[key] = s
			order = append(order, key)
		}
	}
	if len(order) > b.count {
		order = order[len(order)-b.count:]
	}
	for _, key := range order {
		markKeeper(earliest[key])
	}
}

// buckets returns the five interval specs in smaller-to-larger order,
// keyed in the system's local timezone.
func buckets(policy model.RetentionPolicy) []bucketSpec {
	return []bucketSpec{
		{count: policy.Hourly, key: hourKey},
		{count: policy.Daily, key: dayKey},
		{count: policy.Weekly, key: weekKey},
		{count: policy.Monthly, key: monthKey},
		{count: policy.Yearly, key: yearKey},
	}
}

func hourKey(t time.Time) string  { return t.In(time.Local).Format("2006-01-02T15") }
func dayKey(t time.Time) string   { return t.In(time.Local).Format("2006-01-02") }
func monthKey(t time.Time) string { return t.In(time.Local).Format("2006-01") }
func yearKey(t time.Time) string  { return t.In(time.Local).Format("2006") }

func weekKey(t time.Time) string {
	y, w := t.In(time.Local).ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

func sortedAscending(snapshots []model.Snapshot) []model.Snapshot {
	out := make([]model.Snapshot, len(snapshots))
	copy(out, snapshots)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
