// Package pipeline implements the Transfer Pipeline: the one-shot
// state machine that moves a single (snapshot, destination) pair through
// pre-flight, locking, chain matching, streaming, and post-verification.
// Retry policy belongs to the Orchestrator; a Pipeline run either succeeds
// or reports a terminal failure once.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"btrsync/internal/compress"
	"btrsync/internal/encrypt"
	"btrsync/internal/endpoint"
	"btrsync/internal/lock"
	"btrsync/internal/model"
	"btrsync/internal/ratelimit"
)

// defaultSpaceMarginPct and defaultSpaceMarginMinBytes are the pre-flight
// space check's default safety margin.
const (
	defaultSpaceMarginPct   = 0.10
	defaultSpaceMarginMinBytes = 100 * 1024 * 1024
	defaultDrainWindow      = 5 * time.Second
)

// Deps are the collaborators a Pipeline run needs, resolved by the caller
// (normally the Orchestrator) once per transfer.
type Deps struct {
	Source endpoint.Endpoint
	Dest   endpoint.Endpoint

	Locks     *lock.Manager
	SessionID string

	// LockClass distinguishes transfer sessions from restore sessions, a
	// dedicated lock class so concurrent transfers do not starve restores.
	// Empty selects model.LockClassTransfer.
	LockClass model.LockClass

	EncryptOpts encrypt.Options

	SpaceMarginPct      float64 // 0 selects the default
	SpaceMarginMinBytes int64   // 0 selects the default
	DrainWindow         time.Duration

	Logger *slog.Logger // nil selects slog.Default()
}

func (d Deps) marginPct() float64 {
	if d.SpaceMarginPct > 0 {
		return d.SpaceMarginPct
	}
	return defaultSpaceMarginPct
}

func (d Deps) marginMinBytes() int64 {
	if d.SpaceMarginMinBytes > 0 {
		return d.SpaceMarginMinBytes
	}
	return defaultSpaceMarginMinBytes
}

func (d Deps) drainWindow() time.Duration {
	if d.DrainWindow > 0 {
		return d.DrainWindow
	}
	return defaultDrainWindow
}

func (d Deps) lockClass() model.LockClass {
	if d.LockClass != "" {
		return d.LockClass
	}
	return model.LockClassTransfer
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Run drives plan through the full pipeline state machine and returns a
// terminal TransferOutcome. It never panics on a stage failure: every
// failure path is translated into TransferOutcome{State: Failed, Err: ...}.
func Run(ctx context.Context, plan model.TransferPlan, deps Deps) model.TransferOutcome {
	start := time.Now()
	outcome := model.TransferOutcome{State: model.StatePlanned}

	// Step 1: pre-flight.
	if err := deps.Dest.EnsureDirectory(ctx, plan.DestPath); err != nil {
		return fail(outcome, start, err)
	}
	if plan.Dest.RequireMount {
		if err := deps.Dest.RequireMounted(ctx, plan.DestPath); err != nil {
			return fail(outcome, start, err)
		}
	}
	if err := checkSpace(ctx, plan, deps); err != nil {
		return fail(outcome, start, err)
	}

	// Step 2: lock, keyed on (destination, source snapshot name).
	lockKey := plan.Dest.Name + "/" + plan.Source.Name
	handle, err := deps.Locks.Acquire(deps.lockClass(), lockKey, deps.SessionID)
	if err != nil {
		return fail(outcome, start, err)
	}
	defer handle.Release()
	outcome.State = model.StateLocked

	// Step 3: chain match — downgrade to full if the destination doesn't
	// hold the claimed parent.
	parent := plan.Parent
	downgraded := false
	if parent != nil {
		ok, err := destHasReceivedUUID(ctx, deps.Dest, destListPrefix(plan), parent.ReceivedUUID)
		if err != nil {
			return fail(outcome, start, err)
		}
		if !ok {
			parent = nil
			downgraded = true
		}
	}
	outcome.State = model.StatePrechecked
	outcome.Downgraded = downgraded

	// Steps 4-5: assemble and execute the byte-flow pipeline.
	received, bytesOut, err := stream(ctx, plan, parent, deps)
	outcome.BytesTransfered = bytesOut
	if err != nil {
		cleanupPartial(plan, deps)
		return fail(outcome, start, err)
	}
	outcome.State = model.StateStreaming

	// Step 6: post-verify.
	if err := verify(ctx, plan, deps, received); err != nil {
		cleanupPartial(plan, deps)
		return fail(outcome, start, err)
	}
	outcome.State = model.StateVerified
	outcome.Received = received
	outcome.Duration = time.Since(start)
	outcome.State = model.StateReleased
	return outcome
}

func fail(outcome model.TransferOutcome, start time.Time, err error) model.TransferOutcome {
	outcome.State = model.StateFailed
	outcome.Err = err
	outcome.Duration = time.Since(start)
	return outcome
}

// cleanupPartial removes any partially-received snapshot left behind at the
// destination by a failure past step 4: once streaming has begun, the
// leftover subvolume/file is deleted best-effort with a diagnostic
// logged. It runs on its own timeout derived from
// deps.drainWindow() rather than the caller's ctx, since the caller's ctx is
// very often the thing that just got cancelled. Listing or destroy failures
// are logged, never propagated — cleanup never turns a real transfer failure
// into a different one.
func cleanupPartial(plan model.TransferPlan, deps Deps) {
	cctx, cancel := context.WithTimeout(context.Background(), deps.drainWindow())
	defer cancel()

	destName := receiveName(plan)
	all, err := deps.Dest.ListSnapshots(cctx, destListPrefix(plan))
	if err != nil {
		deps.logger().Warn("cleanup: listing destination after failed transfer",
			"destination", plan.Dest.Name, "source", plan.Source.Name, "error", err)
		return
	}
	for i := range all {
		if all[i].ReceivedUUID != plan.Source.UUID && all[i].Name != destName && all[i].Name != plan.Source.Name {
			continue
		}
		if err := deps.Dest.DestroySnapshot(cctx, all[i]); err != nil {
			deps.logger().Warn("cleanup: removing partial receive",
				"destination", plan.Dest.Name, "snapshot", all[i].Name, "error", err)
			return
		}
		deps.logger().Info("cleanup: removed partial receive after failed transfer",
			"destination", plan.Dest.Name, "snapshot", all[i].Name)
		return
	}
}

// receiveName is the on-disk name a raw or S3 destination gives this
// transfer's stream; a native btrfs destination ignores it and names the
// subvolume from the stream's own embedded snapshot name instead, which is
// why cleanupPartial also matches on plan.Source.Name.
func receiveName(plan model.TransferPlan) string {
	return plan.Source.Name + ".btrfs" + compress.Extension(plan.Dest.Compress) + encrypt.Extension(plan.Dest.Encrypt)
}

// checkSpace estimates the source stream size and compares it against the
// destination's free space plus a safety margin, skipping the check
// entirely when the destination is not a native btrfs destination or the
// source can't estimate (ok=false, e.g. a raw or S3 restore source whose
// sidecar can't be read).
func checkSpace(ctx context.Context, plan model.TransferPlan, deps Deps) error {
	if plan.Dest.Kind() != model.StreamNative {
		return nil // raw destinations relax the filesystem-type invariant
	}
	estimate, ok, err := deps.Source.EstimateSendSize(ctx, plan.Source, plan.Parent)
	if err != nil || !ok {
		return nil
	}
	space, err := deps.Dest.FreeBytes(ctx, plan.DestPath)
	if err != nil {
		return err
	}
	margin := int64(float64(estimate) * deps.marginPct())
	if margin < deps.marginMinBytes() {
		margin = deps.marginMinBytes()
	}
	if !plan.ForceSpace && space.FilesystemFree < estimate+margin {
		return model.NewError(model.ErrInsufficientSpc, fmt.Sprintf(
			"need ~%d bytes (+%d margin), destination has %d free", estimate, margin, space.FilesystemFree,
		), nil)
	}
	return nil
}

// destHasReceivedUUID lists the destination and checks whether any snapshot
// there already carries receivedUUID, the protocol invariant an incremental
// send's parent depends on.
func destHasReceivedUUID(ctx context.Context, dest endpoint.Endpoint, destPath, receivedUUID string) (bool, error) {
	if receivedUUID == "" {
		return false, nil
	}
	existing, err := dest.ListSnapshots(ctx, destPath)
	if err != nil {
		return false, err
	}
	for _, s := range existing {
		if s.ReceivedUUID == receivedUUID {
			return true, nil
		}
	}
	return false, nil
}

// stream assembles source.OpenSendStream -> compress? -> rate-limit? ->
// encrypt? -> dest sink, running every stage concurrently and cancelling the
// rest within deps.drainWindow() if any one of them fails.
func stream(ctx context.Context, plan model.TransferPlan, parent *model.Snapshot, deps Deps) (*model.Snapshot, int64, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	send, err := deps.Source.OpenSendStream(sctx, plan.Source, parent)
	if err != nil {
		return nil, 0, err
	}
	defer send.Close()

	var r io.Reader = send
	var closers []func() error

	if plan.Dest.Compress != model.CompressNone && plan.Dest.Compress != "" {
		stage, err := compress.StartCompress(sctx, plan.Dest.Compress, r)
		if err != nil {
			return nil, 0, err
		}
		r = stage.Stdout
		closers = append(closers, stage.Wait)
	}

	if plan.Dest.RateLimit > 0 {
		r = ratelimit.NewReader(sctx, r, plan.Dest.RateLimit)
	}

	if plan.Dest.Encrypt != model.EncryptNone && plan.Dest.Encrypt != "" {
		opts := deps.EncryptOpts
		opts.GPGRecipient = plan.Dest.GPGRecipient
		stage, err := encrypt.StartEncrypt(sctx, plan.Dest.Encrypt, r, opts)
		if err != nil {
			return nil, 0, err
		}
		r = stage.Stdout
		closers = append(closers, stage.Wait)
	}

	destName := receiveName(plan)
	meta := endpoint.RawMeta{
		UUID:         plan.Source.UUID,
		ReceivedUUID: plan.Source.UUID, // a raw store never runs `btrfs receive`, so it mints no distinct received_uuid
		ParentUUID:   plan.Source.ParentUUID,
		Compression:  string(plan.Dest.Compress),
		Encryption:   string(plan.Dest.Encrypt),
		CreatedAt:    plan.Source.Timestamp.UTC().Format(time.RFC3339),
	}
	if parent != nil {
		meta.ParentUUID = parent.UUID
	}

	sink, err := deps.Dest.OpenReceiveStream(sctx, plan.DestPath, destName, meta)
	if err != nil {
		return nil, 0, err
	}

	counted := &countingReader{r: r}
	copyErr := copyWithCancel(sctx, sink, counted, deps.drainWindow())

	closeErr := sink.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	for _, wait := range closers {
		if waitErr := wait(); waitErr != nil && copyErr == nil {
			copyErr = waitErr
		}
	}
	if copyErr != nil {
		return nil, counted.n, copyErr
	}

	received, err := reReadReceived(ctx, deps.Dest, destListPrefix(plan), plan.Source, destName)
	return received, counted.n, err
}

// destListPrefix is the destination-side prefix ListSnapshots expects: the
// destination directory joined with the volume's snapshot prefix, since a
// received native subvolume keeps the exact name the source stream carried,
// and a raw file is named from the same prefix+timestamp scheme.
func destListPrefix(plan model.TransferPlan) string {
	return filepath.Join(plan.DestPath, plan.Source.Prefix)
}

// reReadReceived re-lists the destination to find the snapshot this run
// just produced, matching by the source's UUID becoming its received_uuid
// (native) or its own name (raw, where OpenReceiveStream already returns
// the definitive on-disk name).
func reReadReceived(ctx context.Context, dest endpoint.Endpoint, destPath string, source model.Snapshot, destName string) (*model.Snapshot, error) {
	if dest == nil {
		return nil, nil
	}
	all, err := dest.ListSnapshots(ctx, destPath)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ReceivedUUID == source.UUID || all[i].Name == source.Name {
			return &all[i], nil
		}
	}
	return nil, model.NewError(model.ErrCorruptStream, "received snapshot not found after transfer", nil)
}

// verify re-checks the protocol invariant: for native
// destinations the newly-received subvolume's received_uuid must equal the
// source's uuid; for raw destinations the sidecar and file must both exist
// and agree on size, which OpenReceiveStream's atomic write already
// guarantees by construction, so this only re-reads to confirm.
func verify(ctx context.Context, plan model.TransferPlan, deps Deps, received *model.Snapshot) error {
	if received == nil {
		return model.NewError(model.ErrCorruptStream, "no snapshot materialised at destination", nil)
	}
	if plan.Dest.Kind() == model.StreamNative && received.ReceivedUUID != plan.Source.UUID {
		return model.NewError(model.ErrCorruptStream, fmt.Sprintf(
			"received_uuid %s does not match source uuid %s", received.ReceivedUUID, plan.Source.UUID,
		), nil)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// copyWithCancel copies src into dst, aborting within window of ctx being
// cancelled rather than blocking on a stuck subprocess forever.
func copyWithCancel(ctx context.Context, dst io.Writer, src io.Reader, window time.Duration) error {
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(dst, src)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		case <-time.After(window):
			return model.NewError(model.ErrCancelled, "transfer cancelled, drain window exceeded", ctx.Err())
		}
	}
}
