package model

import "time"

// JournalAction identifies which phase of the orchestrator produced a
// journal entry.
type JournalAction string

const (
	ActionSnapshot JournalAction = "snapshot"
	ActionTransfer JournalAction = "transfer"
	ActionPrune    JournalAction = "prune"
	ActionRestore  JournalAction = "restore"
	ActionVerify   JournalAction = "verify"
)

// JournalStatus is the outcome recorded for a journal entry.
type JournalStatus string

const (
	StatusStarted   JournalStatus = "started"
	StatusCompleted JournalStatus = "completed"
	StatusFailed    JournalStatus = "failed"
	StatusPartial   JournalStatus = "partial"
)

// ReasonParentMissing is recorded on a StatusPartial transfer entry whose
// claimed incremental parent was not found at the destination, forcing a
// downgrade to a full send.
const ReasonParentMissing = "parent-missing"

// JournalEntry is one append-only record. Sequence breaks ties between
// entries with identical timestamps: journal writes are totally ordered
// by wall-clock timestamp and by a per-process monotonic sequence.
type JournalEntry struct {
	TimestampUTC  time.Time     `json:"timestamp_utc"`
	Sequence      uint64        `json:"sequence"`
	Action        JournalAction `json:"action"`
	Status        JournalStatus `json:"status"`
	Volume        string        `json:"volume"`
	Destination   string        `json:"destination,omitempty"`
	BytesTransfer int64         `json:"bytes_transferred,omitempty"`
	DurationMS    int64         `json:"duration_ms,omitempty"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	ErrorDetail   string        `json:"error_detail,omitempty"`
	// Reason carries an informational cause for a non-failure status, e.g.
	// ReasonParentMissing on a StatusPartial entry. It is never populated
	// alongside ErrorKind/ErrorDetail, which are reserved for StatusFailed.
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id"`
}
