package model

import "time"

// SourceKind distinguishes how a volume's snapshots are produced.
type SourceKind string

const (
	SourceNative           SourceKind = "native"
	SourceForeignSnapshots SourceKind = "foreign-snapshot-manager"
)

// Volume is a configured replication source: a subvolume path, a snapshot
// naming scheme, and the destinations that receive its snapshots. A Volume
// owns its snapshots.
type Volume struct {
	Path            string
	SnapshotPrefix  string
	SnapshotDir     string
	Enabled         bool
	Retention       RetentionPolicy
	Destinations    []Destination
	Source          SourceKind
	TimestampFormat string
}

// RetentionPolicy is the time-bucket eviction policy consumed by the
// retention evaluator.
type RetentionPolicy struct {
	MinAge  DurationSpec
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
	Yearly  int
}

// DurationSpec is a parsed "Nm|Nh|Nd|Nw" duration as used by the retention
// policy's min-age floor. Raw is retained for journal/log readability.
type DurationSpec struct {
	Raw   string
	Value time.Duration
}
