// Package app is the thin wiring layer between the CLI entry point
// (cmd/btrsync) and the core engine packages: it turns a validated
// *config.Config into live collaborators — endpoints, the lock manager,
// the transaction journal, the logger — and exposes the two operations
// the dispatcher drives, Run and Restore. Command parsing, help/usage,
// shell completions, and man pages stay in cmd/btrsync; this package only
// constructs what the engine's components need to run once per
// invocation.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"btrsync/internal/config"
	"btrsync/internal/encrypt"
	"btrsync/internal/endpoint"
	"btrsync/internal/journal"
	"btrsync/internal/lock"
	"btrsync/internal/logging"
	"btrsync/internal/model"
	"btrsync/internal/orchestrator"
	"btrsync/internal/restore"
	"btrsync/internal/sshmux"
)

// App holds the collaborators one CLI invocation needs. Construct with New
// and release with Close.
type App struct {
	cfg *config.Config

	Logger    *slog.Logger
	Journal   *journal.Journal
	Locks     *lock.Manager
	sshMgr    *sshmux.Manager
	sessionID string

	logClose func() error
}

// New wires an App from cfg: opens the log file and transaction journal,
// roots the lock manager under the configured snapshot directory, and
// mints a fresh session ID and sshmux.Manager for this run. Every
// config-derived collaborator is constructed once; the caller drives the
// resulting struct and tears everything down via Close.
func New(cfg *config.Config) (*App, error) {
	logger, logClose, err := logging.New(logging.Options{
		LogFile: cfg.LogFile,
		Level:   slog.LevelInfo,
		Stderr:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}

	txPath := cfg.TransactionLog
	if txPath == "" {
		txPath = filepath.Join(cfg.SnapshotDir, "transactions.log")
	}
	j, err := journal.Open(txPath)
	if err != nil {
		logClose()
		return nil, fmt.Errorf("opening transaction journal: %w", err)
	}

	locks, err := lock.New(DefaultLockDir(cfg.SnapshotDir))
	if err != nil {
		j.Close()
		logClose()
		return nil, fmt.Errorf("creating lock manager: %w", err)
	}

	return &App{
		cfg:       cfg,
		Logger:    logger,
		Journal:   j,
		Locks:     locks,
		sshMgr:    sshmux.NewManager(),
		sessionID: journal.NewCorrelationID(),
		logClose:  logClose,
	}, nil
}

// Close releases the journal and log file, returning the first error
// encountered.
func (a *App) Close() error {
	var firstErr error
	if err := a.Journal.Close(); err != nil {
		firstErr = err
	}
	if a.logClose != nil {
		if err := a.logClose(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Volumes converts every configured volume into its runtime model.Volume.
func (a *App) Volumes() ([]model.Volume, error) {
	vols := make([]model.Volume, 0, len(a.cfg.Volumes))
	for _, vc := range a.cfg.Volumes {
		v, err := vc.ToVolume(a.cfg)
		if err != nil {
			return nil, err
		}
		vols = append(vols, v)
	}
	return vols, nil
}

// Run drives every enabled volume through snapshot, transfer, and prune
// via internal/orchestrator, resolving live endpoints from this App's
// config for the duration of ctx.
func (a *App) Run(ctx context.Context) (orchestrator.Result, error) {
	vols, err := a.Volumes()
	if err != nil {
		return orchestrator.Result{}, err
	}

	deps := orchestrator.Deps{
		Locks:     a.Locks,
		Journal:   a.Journal,
		SessionID: a.sessionID,

		SourceEndpoint: a.sourceEndpoint,
		DestEndpoint: func(vol model.Volume, dest model.Destination) (endpoint.Endpoint, error) {
			return a.destEndpoint(ctx, vol, dest)
		},
		EncryptOpts: a.encryptOpts,

		ParallelVolumes:    a.cfg.ParallelVolumes,
		ParallelTargets:    a.cfg.ParallelTargets,
		DisableIncremental: !a.cfg.Incremental,
	}

	return orchestrator.Run(ctx, vols, deps)
}

// Restore resolves volumePath/destName against the configured volumes and
// replays spec's resulting chain into the volume's local path via
// internal/restore.
func (a *App) Restore(ctx context.Context, volumePath, destName string, spec restore.TargetSpec, opts restore.Options) ([]restore.StepOutcome, error) {
	vols, err := a.Volumes()
	if err != nil {
		return nil, err
	}
	vol, dest, err := findVolumeAndDest(vols, volumePath, destName)
	if err != nil {
		return nil, err
	}

	handle, err := a.Locks.Acquire(model.LockClassRestore, vol.Path, a.sessionID)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	backupEp, err := a.destEndpoint(ctx, vol, dest)
	if err != nil {
		return nil, err
	}
	localEp, err := a.sourceEndpoint(vol)
	if err != nil {
		return nil, err
	}

	backupSnaps, err := backupEp.ListSnapshots(ctx, filepath.Join(dest.Path, vol.SnapshotPrefix))
	if err != nil {
		return nil, err
	}
	localSnaps, err := localEp.ListSnapshots(ctx, filepath.Join(vol.SnapshotDir, vol.SnapshotPrefix))
	if err != nil {
		return nil, err
	}

	ordered, err := restore.Plan(backupSnaps, localSnaps, spec)
	if err != nil {
		return nil, err
	}

	byUUID := make(map[string]model.Snapshot, len(backupSnaps))
	for _, s := range backupSnaps {
		byUUID[s.UUID] = s
	}

	rdeps := restore.Deps{
		Backup:      backupEp,
		Local:       localEp,
		Locks:       a.Locks,
		SessionID:   a.sessionID,
		Journal:     a.Journal,
		Volume:      vol,
		EncryptOpts: a.encryptOpts(dest),
	}
	return restore.Run(ctx, ordered, byUUID, rdeps, opts)
}

func findVolumeAndDest(vols []model.Volume, volumePath, destName string) (model.Volume, model.Destination, error) {
	for _, v := range vols {
		if v.Path != volumePath {
			continue
		}
		for _, d := range v.Destinations {
			if d.Name == destName {
				return v, d, nil
			}
		}
		return model.Volume{}, model.Destination{}, fmt.Errorf("volume %s has no destination named %q", volumePath, destName)
	}
	return model.Volume{}, model.Destination{}, fmt.Errorf("no configured volume at path %q", volumePath)
}

// sourceEndpoint resolves a volume's always-local source endpoint:
// replication sources are never remote, only destinations are.
func (a *App) sourceEndpoint(vol model.Volume) (endpoint.Endpoint, error) {
	return endpoint.NewLocal(vol.TimestampFormat), nil
}

// destEndpoint resolves dest into a live Endpoint per its URL scheme.
func (a *App) destEndpoint(ctx context.Context, vol model.Volume, dest model.Destination) (endpoint.Endpoint, error) {
	switch dest.Proto {
	case model.ProtoLocal:
		return endpoint.NewLocal(vol.TimestampFormat), nil
	case model.ProtoRemote:
		return endpoint.NewRemote(ctx, a.sshMgr, dest, vol.TimestampFormat, a.promptSecret)
	case model.ProtoRaw:
		return endpoint.NewRawFile(vol.TimestampFormat), nil
	case model.ProtoRawS3:
		return endpoint.NewS3Raw(ctx, dest.S3Bucket, dest.S3Prefix, endpoint.S3Options{Region: dest.S3Region}, vol.TimestampFormat)
	default:
		return nil, model.NewError(model.ErrProtocol, fmt.Sprintf("endpoint scheme %q not yet supported", dest.Proto), nil)
	}
}

// encryptOpts carries the target's GPG recipient through to the transfer
// pipeline's encrypt stage. It sets no age recipient, age identity or
// passphrase environment variable, since the target schema has no slot for
// any of them: an age target therefore fails with ErrAuthUnavailable, and
// openssl runs without a -pass argument.
func (a *App) encryptOpts(dest model.Destination) encrypt.Options {
	return encrypt.Options{GPGRecipient: dest.GPGRecipient}
}

// promptSecret reads an elevation password from the controlling terminal
// without echoing it, gating on HasTerminal the same way
// sshmux.ResolveElevationSecret does.
func (a *App) promptSecret() (string, error) {
	if !sshmux.HasTerminal() {
		return "", model.NewError(model.ErrAuthUnavailable, "no terminal attached to prompt for an elevation secret", nil)
	}
	fmt.Fprint(os.Stderr, "Elevation password: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading elevation password: %w", err)
	}
	return string(secret), nil
}
