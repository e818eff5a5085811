// Package endpoint implements the uniform operations over a filesystem
// location: LocalEndpoint and RemoteEndpoint drive the native btrfs
// send/receive protocol over a transport.Transport; RawFileEndpoint and
// S3RawEndpoint relax the same-filesystem-type invariant by storing the
// stream as an opaque file plus a metadata sidecar.
package endpoint

import (
	"context"
	"io"

	"btrsync/internal/model"
)

// Endpoint is the capability set every variant implements.
type Endpoint interface {
	// ListSnapshots returns snapshots whose name starts with prefix,
	// ordered ascending by timestamp.
	ListSnapshots(ctx context.Context, prefix string) ([]model.Snapshot, error)

	// CreateSnapshot takes a fresh read-only snapshot at the source side.
	CreateSnapshot(ctx context.Context, vol model.Volume, name string) (model.Snapshot, error)

	// DestroySnapshot removes a snapshot; idempotent on "already gone".
	DestroySnapshot(ctx context.Context, snap model.Snapshot) error

	// OpenSendStream yields filesystem-native (or raw-file) replication
	// bytes for snap, incremental against parent if non-nil.
	OpenSendStream(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (io.ReadCloser, error)

	// OpenReceiveStream returns a sink that materialises (or stores, for
	// raw) the stream written to it under destDir/destName.
	OpenReceiveStream(ctx context.Context, destDir, destName string, meta RawMeta) (io.WriteCloser, error)

	// SubvolumeShow introspects an already-materialised path.
	SubvolumeShow(ctx context.Context, path string) (model.SubvolumeInfo, error)

	// FreeBytes reports free space at path for the pre-flight space check.
	FreeBytes(ctx context.Context, path string) (model.SpaceInfo, error)

	// EnsureDirectory creates path (with elevation if configured);
	// idempotent.
	EnsureDirectory(ctx context.Context, path string) error

	// RequireMounted fails with a NotMountedError if a safety flag is set
	// and path is not a mount point.
	RequireMounted(ctx context.Context, path string) error

	// EstimateSendSize approximates the byte count `open_send_stream` would
	// produce, for the pipeline's pre-flight space check. ok is false when
	// no estimate can be made (for the raw and S3 raw endpoints: when the
	// sidecar is missing or unreadable), in which case the space check is
	// skipped rather than blocking on an unknowable number.
	EstimateSendSize(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (bytes int64, ok bool, err error)
}

// RawMeta is the sidecar document for a raw destination: `{uuid,
// received_uuid, parent_uuid?, compression, encryption, bytes,
// created_at}`.
type RawMeta struct {
	UUID         string `json:"uuid"`
	ReceivedUUID string `json:"received_uuid"`
	ParentUUID   string `json:"parent_uuid,omitempty"`
	Compression  string `json:"compression"`
	Encryption   string `json:"encryption"`
	Bytes        int64  `json:"bytes"`
	CreatedAt    string `json:"created_at"`
}
