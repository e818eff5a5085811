// Package model defines the data types shared across the replication engine:
// snapshots, volumes, destinations, chains, locks, and journal entries (see
// the data model in the design documents). It has no dependency on any other
// internal package.
package model

import (
	"fmt"
	"time"
)

// Snapshot is a read-only point-in-time image of a subvolume.
//
// A Snapshot is immutable after creation; destruction is the only mutation.
// ReceivedUUID is preserved through any number of re-transmissions across
// destinations, which is what lets two endpoints agree "this is the same
// snapshot" without comparing bytes.
type Snapshot struct {
	Name         string
	Path         string
	Prefix       string
	Timestamp    time.Time
	UUID         string
	ReceivedUUID string
	ParentUUID   string // empty iff sent as a full stream
}

// Full reports whether the snapshot was (or would be) sent as a full,
// non-incremental stream.
func (s Snapshot) Full() bool {
	return s.ParentUUID == ""
}

// Compare orders two snapshots by prefix, then by timestamp, then by name
// as a final tie-break so ordering is stable across hosts and endpoints
// that observe the same inputs.
func (s Snapshot) Compare(other Snapshot) int {
	if s.Prefix != other.Prefix {
		if s.Prefix < other.Prefix {
			return -1
		}
		return 1
	}
	if !s.Timestamp.Equal(other.Timestamp) {
		if s.Timestamp.Before(other.Timestamp) {
			return -1
		}
		return 1
	}
	switch {
	case s.Name < other.Name:
		return -1
	case s.Name > other.Name:
		return 1
	default:
		return 0
	}
}

// Less reports whether s sorts strictly before other.
func (s Snapshot) Less(other Snapshot) bool {
	return s.Compare(other) < 0
}

func (s Snapshot) String() string {
	return fmt.Sprintf("Snapshot{%s uuid=%s received=%s parent=%s}", s.Name, short(s.UUID), short(s.ReceivedUUID), short(s.ParentUUID))
}

func short(uuid string) string {
	if uuid == "" {
		return "-"
	}
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// SubvolumeInfo is the result of asking an endpoint to introspect a path.
type SubvolumeInfo struct {
	UUID         string
	ReceivedUUID string
	ParentUUID   string
	ReadOnly     bool
}

// SpaceInfo is the result of a free-bytes precheck. QuotaFree is nil when
// the endpoint has no quota configured.
type SpaceInfo struct {
	FilesystemFree int64
	QuotaFree      *int64
}
