package endpoint

import (
	"context"
	"io"

	"btrsync/internal/model"
	"btrsync/internal/sshmux"
	"btrsync/internal/transport"
)

// remoteEndpoint wraps btrfsEndpoint with a Close method that releases the
// underlying sshmux session, since the shared Endpoint interface has no
// Close of its own (local endpoints have nothing to release).
type remoteEndpoint struct {
	*btrfsEndpoint
}

// Close releases this endpoint's reference on the shared ControlMaster
// session. Callers that acquire a remote Endpoint must release it via a
// type assertion to io.Closer once the volume's transfers are done.
func (r *remoteEndpoint) Close() error {
	return r.t.Close()
}

// NewRemote acquires (or reuses) a multiplexed SSH session to dest and
// returns the native-protocol Endpoint driving `btrfs` over it.
// promptSecret supplies an interactive elevation-password prompt when dest
// requires sudo and no BTRSYNC_SUDO_PASSWORD-style secret is cached; it may
// be nil when no elevation is configured.
func NewRemote(ctx context.Context, mgr *sshmux.Manager, dest model.Destination, timestampFmt string, promptSecret func() (string, error)) (Endpoint, error) {
	sess, err := mgr.Acquire(ctx, dest.Host, dest.User, dest.Port, dest.SSHKeyPath, 0, dest.SSHPasswordOK)
	if err != nil {
		return nil, err
	}

	var elevate func(context.Context) (string, bool, error)
	if dest.SSHSudo {
		elevate = func(ctx context.Context) (string, bool, error) {
			secret, err := mgr.ResolveElevationSecret("BTRSYNC_SUDO_PASSWORD", promptSecret)
			if err != nil {
				return "", false, err
			}
			return secret, true, nil
		}
	}

	rt := transport.NewSecureRemote(sess, dest.SSHSudo, elevate)
	return &remoteEndpoint{btrfsEndpoint: &btrfsEndpoint{
		t:            rt,
		convertRW:    true,
		timestampFmt: timestampFmt,
	}}, nil
}

var _ io.Closer = (*remoteEndpoint)(nil)
