package model

import "time"

// LockClass distinguishes transfer locks from restore locks, a dedicated
// lock class so concurrent transfers do not starve restores.
type LockClass string

const (
	LockClassTransfer LockClass = "transfer"
	LockClassRestore  LockClass = "restore"
	// LockClassVolume guards one volume's snapshot-creation-and-prune
	// sequence end to end, keyed by the volume's path rather than a
	// (destination, source) pair so it can never collide with a transfer
	// or restore lock's key.
	LockClassVolume LockClass = "volume"
)

// Lock is the body of a lock file.
type Lock struct {
	OwnerPID  int
	Host      string
	StartedAt time.Time
	OpKind    LockClass
	SessionID string
}
