// Package orchestrator implements the top-level driver: for every
// enabled volume, take a snapshot, fan out transfers to its destinations,
// then evaluate and apply retention on both sides — bounded by a configured
// volume- and destination-level concurrency limit, and retrying only the
// error kinds the taxonomy marks transient.
package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"btrsync/internal/catalog"
	"btrsync/internal/encrypt"
	"btrsync/internal/endpoint"
	"btrsync/internal/journal"
	"btrsync/internal/lock"
	"btrsync/internal/model"
	"btrsync/internal/pipeline"
	"btrsync/internal/planner"
	"btrsync/internal/retention"
)

// RetryPolicy is the Orchestrator's exponential-backoff schedule for
// transient transfer failures: initial 3s, cap 30s, up to a configured
// number of attempts.
type RetryPolicy struct {
	MaxAttempts    int           // 0 selects 3
	InitialBackoff time.Duration // 0 selects 3s
	MaxBackoff     time.Duration // 0 selects 30s
}

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 3 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return defaultMaxAttempts
}

func (p RetryPolicy) initialBackoff() time.Duration {
	if p.InitialBackoff > 0 {
		return p.InitialBackoff
	}
	return defaultInitialBackoff
}

func (p RetryPolicy) maxBackoff() time.Duration {
	if p.MaxBackoff > 0 {
		return p.MaxBackoff
	}
	return defaultMaxBackoff
}

// backoff returns the delay before the nth retry attempt (n=1 is the delay
// before the second try), doubling from InitialBackoff and capped at
// MaxBackoff.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.initialBackoff()
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.maxBackoff() {
			return p.maxBackoff()
		}
	}
	return d
}

// Deps are the collaborators a Run needs. SourceEndpoint and DestEndpoint
// are seams: the caller resolves live endpoints (local, remote-shell, raw,
// raw+s3) from config, while tests supply in-memory fakes. internal/app
// resolves no raw+remote-shell endpoint; such a target fails with
// ErrProtocol.
type Deps struct {
	Locks     *lock.Manager
	Journal   *journal.Journal
	SessionID string

	SourceEndpoint func(vol model.Volume) (endpoint.Endpoint, error)
	DestEndpoint   func(vol model.Volume, dest model.Destination) (endpoint.Endpoint, error)

	// EncryptOpts supplies the secret material the transfer pipeline needs
	// when a destination has encryption configured. Nil is fine when no
	// destination encrypts.
	EncryptOpts func(dest model.Destination) encrypt.Options

	Retry RetryPolicy

	ParallelVolumes int // 0 selects 1
	ParallelTargets int // 0 selects 1

	// DisableIncremental forces every transfer to a full send, the global
	// switch planner.Decide's incremental parameter exposes.
	DisableIncremental bool

	Now   func() time.Time    // defaults to time.Now
	Sleep func(time.Duration) // defaults to time.Sleep; tests override to skip real waits
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Deps) sleep(dur time.Duration) {
	if d.Sleep != nil {
		d.Sleep(dur)
		return
	}
	time.Sleep(dur)
}

func (d Deps) parallelVolumes() int {
	if d.ParallelVolumes > 0 {
		return d.ParallelVolumes
	}
	return 1
}

func (d Deps) parallelTargets() int {
	if d.ParallelTargets > 0 {
		return d.ParallelTargets
	}
	return 1
}

func (d Deps) incremental() bool {
	return !d.DisableIncremental
}

// TransferResult is one destination's outcome within a volume run.
type TransferResult struct {
	Destination string
	Skipped     bool // planner found nothing new to send
	Outcome     model.TransferOutcome
	Attempts    int
}

// VolumeResult is one volume's full run: the lock, the snapshot step, every
// destination's transfer, and the prune step.
type VolumeResult struct {
	Volume string

	LockErr error // set and nothing else runs if the per-volume lock was held

	SnapshotErr error
	Snapshot    *model.Snapshot

	Transfers []TransferResult

	PruneErr     error
	PrunedSource []model.Snapshot
}

// Failed reports whether this volume's run hit a terminal error at the
// lock, snapshot, or prune step (destination transfer failures are
// reported per-destination in Transfers, not here).
func (r VolumeResult) Failed() bool {
	return r.LockErr != nil || r.SnapshotErr != nil || r.PruneErr != nil
}

// Result is the full run's outcome across every enabled volume.
type Result struct {
	Volumes []VolumeResult
}

// Run drives every enabled volume in volumes through snapshot, transfer,
// and prune, honoring deps.ParallelVolumes/ParallelTargets as concurrency
// bounds: a static worker pool of N volume-workers and, within each, M
// destination-workers. A failure within one volume or one destination
// never aborts its siblings; Run itself only returns an error
// if ctx is cancelled before every worker finishes.
func Run(ctx context.Context, volumes []model.Volume, deps Deps) (Result, error) {
	var enabled []model.Volume
	for _, v := range volumes {
		if v.Enabled {
			enabled = append(enabled, v)
		}
	}

	results := make([]VolumeResult, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deps.parallelVolumes())

	for i, vol := range enabled {
		i, vol := i, vol
		g.Go(func() error {
			results[i] = runVolume(gctx, vol, deps)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{Volumes: results}, err
	}
	return Result{Volumes: results}, nil
}

func runVolume(ctx context.Context, vol model.Volume, deps Deps) VolumeResult {
	result := VolumeResult{Volume: vol.Path}
	correlationID := journal.NewCorrelationID()

	handle, err := deps.Locks.Acquire(model.LockClassVolume, vol.Path, deps.SessionID)
	if err != nil {
		result.LockErr = err
		return result
	}
	defer handle.Release()

	srcEp, err := deps.SourceEndpoint(vol)
	if err != nil {
		result.SnapshotErr = err
		return result
	}

	sourcePrefix := filepath.Join(vol.SnapshotDir, vol.SnapshotPrefix)
	existing, err := srcEp.ListSnapshots(ctx, sourcePrefix)
	if err != nil {
		result.SnapshotErr = err
		return result
	}

	var created model.Snapshot
	snapErr := deps.Journal.Record(model.ActionSnapshot, vol.Path, "", correlationID, func() (model.JournalStatus, model.TransferOutcome, error) {
		name := catalog.NextName(vol.SnapshotPrefix, vol.TimestampFormat, deps.now(), existingNames(existing))
		s, err := srcEp.CreateSnapshot(ctx, vol, name)
		if err != nil {
			return model.StatusFailed, model.TransferOutcome{}, err
		}
		created = s
		return model.StatusCompleted, model.TransferOutcome{}, nil
	})
	if snapErr != nil {
		result.SnapshotErr = snapErr
		return result
	}
	result.Snapshot = &created
	sourceSnaps := append(append([]model.Snapshot(nil), existing...), created)

	dg, dgctx := errgroup.WithContext(ctx)
	dg.SetLimit(deps.parallelTargets())
	transfers := make([]TransferResult, len(vol.Destinations))
	for i, dest := range vol.Destinations {
		i, dest := i, dest
		dg.Go(func() error {
			transfers[i] = runDestination(dgctx, vol, dest, sourceSnaps, srcEp, deps, correlationID)
			return nil
		})
	}
	_ = dg.Wait()
	result.Transfers = transfers

	result.PruneErr = deps.Journal.Record(model.ActionPrune, vol.Path, "", correlationID, func() (model.JournalStatus, model.TransferOutcome, error) {
		prunedSource, err := pruneVolume(ctx, vol, srcEp, sourcePrefix, deps)
		result.PrunedSource = prunedSource
		if err != nil {
			return model.StatusFailed, model.TransferOutcome{}, err
		}
		return model.StatusCompleted, model.TransferOutcome{}, nil
	})

	return result
}

// pruneVolume evaluates retention on the source and on every destination
// and destroys whatever each side's evaluator elects: prune_src =
// retention.evaluate(source); for each destination: prune_dst =
// retention.evaluate(dest, chain_protection=on); destroy(prune_dst);
// destroy(prune_src)". A destination that can't be resolved or listed is
// skipped rather than aborting the other destinations' pruning.
func pruneVolume(ctx context.Context, vol model.Volume, srcEp endpoint.Endpoint, sourcePrefix string, deps Deps) ([]model.Snapshot, error) {
	for _, dest := range vol.Destinations {
		destEp, err := deps.DestEndpoint(vol, dest)
		if err != nil {
			continue
		}
		destSnaps, err := destEp.ListSnapshots(ctx, filepath.Join(dest.Path, vol.SnapshotPrefix))
		if err != nil {
			continue
		}
		destResult := retention.EvaluateDestination(deps.now(), destSnaps, vol.Retention)
		for _, s := range destResult.Prune {
			_ = destEp.DestroySnapshot(ctx, s)
		}
	}

	latestSource, err := srcEp.ListSnapshots(ctx, sourcePrefix)
	if err != nil {
		return nil, err
	}
	srcResult := retention.EvaluateSource(deps.now(), latestSource, vol.Retention, true)
	for _, s := range srcResult.Prune {
		if err := srcEp.DestroySnapshot(ctx, s); err != nil {
			return srcResult.Prune, err
		}
	}
	return srcResult.Prune, nil
}

func runDestination(ctx context.Context, vol model.Volume, dest model.Destination, sourceSnaps []model.Snapshot, srcEp endpoint.Endpoint, deps Deps, correlationID string) TransferResult {
	result := TransferResult{Destination: dest.Name}

	destEp, err := deps.DestEndpoint(vol, dest)
	if err != nil {
		result.Outcome = model.TransferOutcome{State: model.StateFailed, Err: err}
		return result
	}

	destSnaps, err := destEp.ListSnapshots(ctx, filepath.Join(dest.Path, vol.SnapshotPrefix))
	if err != nil {
		result.Outcome = model.TransferOutcome{State: model.StateFailed, Err: err}
		return result
	}

	decision := planner.Decide(sourceSnaps, destSnaps, deps.incremental())
	if decision.Send == nil {
		result.Skipped = true
		return result
	}

	plan := model.TransferPlan{
		Volume:   vol,
		Source:   *decision.Send,
		Parent:   decision.Parent,
		Dest:     dest,
		DestPath: dest.Path,
	}

	var encOpts encrypt.Options
	if deps.EncryptOpts != nil {
		encOpts = deps.EncryptOpts(dest)
	}
	pdeps := pipeline.Deps{
		Source:      srcEp,
		Dest:        destEp,
		Locks:       deps.Locks,
		SessionID:   deps.SessionID,
		EncryptOpts: encOpts,
	}

	for attempt := 1; ; attempt++ {
		var outcome model.TransferOutcome
		_ = deps.Journal.Record(model.ActionTransfer, vol.Path, dest.Name, correlationID, func() (model.JournalStatus, model.TransferOutcome, error) {
			outcome = pipeline.Run(ctx, plan, pdeps)
			switch {
			case outcome.Failed():
				return model.StatusFailed, outcome, outcome.Err
			case outcome.Partial():
				return model.StatusPartial, outcome, nil
			default:
				return model.StatusCompleted, outcome, nil
			}
		})
		result.Outcome = outcome
		result.Attempts = attempt

		if !outcome.Failed() || !retryable(outcome.Err) || attempt >= deps.Retry.maxAttempts() {
			return result
		}

		select {
		case <-ctx.Done():
			return result
		default:
			deps.sleep(deps.Retry.backoff(attempt))
		}
	}
}

func retryable(err error) bool {
	var me *model.Error
	if errors.As(err, &me) {
		return me.Kind.Retryable()
	}
	return false
}

// nameSet is the minimal catalog.Names implementation backed by a fixed
// slice of already-listed snapshots.
type nameSet map[string]bool

func (n nameSet) Exists(name string) bool { return n[name] }

func existingNames(snaps []model.Snapshot) catalog.Names {
	out := make(nameSet, len(snaps))
	for _, s := range snaps {
		out[s.Name] = true
	}
	return out
}
