package endpoint

import (
	"btrsync/internal/transport"
)

// NewLocal returns the native-protocol Endpoint for the local host.
// timestampFmt is a Go reference-time layout already converted from the
// user-facing strftime string by internal/config.
func NewLocal(timestampFmt string) Endpoint {
	return &btrfsEndpoint{
		t:            transport.NewLocal(),
		convertRW:    true,
		timestampFmt: timestampFmt,
	}
}
