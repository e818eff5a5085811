// Package restore implements the Restore Engine: given a backup
// endpoint and a target selector, it reconstructs the dependency-ordered
// parent chain within the backup endpoint and replays it into a local
// endpoint via the Transfer Pipeline run in reverse (backup as source,
// local as destination).
package restore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"btrsync/internal/endpoint"
	"btrsync/internal/encrypt"
	"btrsync/internal/journal"
	"btrsync/internal/lock"
	"btrsync/internal/model"
	"btrsync/internal/pipeline"
)

// TargetKind selects which backup snapshot(s) a restore aims at.
type TargetKind string

const (
	TargetLatest TargetKind = "latest"
	TargetName   TargetKind = "name"
	TargetBefore TargetKind = "before"
	TargetAll    TargetKind = "all"
)

// TargetSpec names what to restore. Name and Before are only meaningful for
// their matching Kind.
type TargetSpec struct {
	Kind   TargetKind
	Name   string
	Before time.Time
}

// Resolve turns a TargetSpec into the concrete backup snapshot(s) it names.
// backup must be sorted ascending by timestamp.
func Resolve(backup []model.Snapshot, spec TargetSpec) ([]model.Snapshot, error) {
	if len(backup) == 0 {
		return nil, model.NewError(model.ErrEnumeration, "no snapshots at backup location", nil)
	}
	switch spec.Kind {
	case TargetAll:
		return append([]model.Snapshot(nil), backup...), nil
	case TargetLatest:
		return []model.Snapshot{backup[len(backup)-1]}, nil
	case TargetName:
		for _, s := range backup {
			if s.Name == spec.Name {
				return []model.Snapshot{s}, nil
			}
		}
		return nil, model.NewError(model.ErrEnumeration, fmt.Sprintf("snapshot %q not found at backup location", spec.Name), nil)
	case TargetBefore:
		var best *model.Snapshot
		for i := range backup {
			if !backup[i].Timestamp.After(spec.Before) {
				s := backup[i]
				best = &s
			}
		}
		if best == nil {
			return nil, model.NewError(model.ErrEnumeration, "no snapshot found before the given time", nil)
		}
		return []model.Snapshot{*best}, nil
	default:
		return nil, model.NewError(model.ErrEnumeration, fmt.Sprintf("unknown target kind %q", spec.Kind), nil)
	}
}

// Plan resolves spec against backup, reconstructs the parent chain for each
// resulting target within the backup endpoint (following parent_uuid),
// prunes any prefix the local destination already holds (matched by
// received_uuid), and returns the union of all
// surviving elements in dependency order (step 5).
func Plan(backup []model.Snapshot, local []model.Snapshot, spec TargetSpec) ([]model.Snapshot, error) {
	targets, err := Resolve(sortedAscending(backup), spec)
	if err != nil {
		return nil, err
	}

	byUUID := make(map[string]model.Snapshot, len(backup))
	for _, s := range backup {
		byUUID[s.UUID] = s
	}
	localReceived := make(map[string]bool, len(local))
	for _, s := range local {
		if s.ReceivedUUID != "" {
			localReceived[s.ReceivedUUID] = true
		}
	}

	seen := make(map[string]bool)
	var union []model.Snapshot
	for _, t := range targets {
		for _, s := range chainFor(t, byUUID, localReceived) {
			if !seen[s.UUID] {
				seen[s.UUID] = true
				union = append(union, s)
			}
		}
	}
	return sortedAscending(union), nil
}

// chainFor walks backward from target along parent_uuid (a local identity
// within the backup endpoint — see model.Chain) until it reaches a full
// snapshot or a snapshot whose received_uuid the local destination already
// holds, at which point that snapshot can serve as the incremental base and
// need not itself be restored.
func chainFor(target model.Snapshot, byUUID map[string]model.Snapshot, localReceived map[string]bool) []model.Snapshot {
	var chain []model.Snapshot
	cur := target
	for {
		if cur.ReceivedUUID != "" && localReceived[cur.ReceivedUUID] {
			break
		}
		chain = append([]model.Snapshot{cur}, chain...)
		if cur.ParentUUID == "" {
			break
		}
		parent, ok := byUUID[cur.ParentUUID]
		if !ok {
			break // parent not present at the backup; this element restores in full
		}
		cur = parent
	}
	return chain
}

func sortedAscending(snapshots []model.Snapshot) []model.Snapshot {
	out := make([]model.Snapshot, len(snapshots))
	copy(out, snapshots)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Collision is the per-element disposition decided at replay time: a
// local snapshot with the same received_uuid may already exist
// (from a prior partial restore, or from overlapping target chains).
type Collision int

const (
	NoCollision Collision = iota
	SkipExisting
	OverwriteExisting
)

// Options configures a restore Run.
type Options struct {
	// Overwrite destroys a colliding local snapshot before re-restoring it.
	// The default (false) skips elements that already exist locally.
	Overwrite bool

	// InPlace restores directly into the volume's live path. It requires an
	// explicit caller confirmation (the flag itself) — there is
	// deliberately no "are you sure" prompt inside this package.
	InPlace bool

	// RestoreDir is where snapshots materialise when InPlace is false; the
	// caller is responsible for moving them into place afterward.
	RestoreDir string
}

func (o Options) destPath(volumePath string) string {
	if o.InPlace {
		return volumePath
	}
	return o.RestoreDir
}

// Deps are the collaborators a restore Run needs.
type Deps struct {
	Backup endpoint.Endpoint
	Local  endpoint.Endpoint

	Locks     *lock.Manager
	SessionID string
	Journal   *journal.Journal

	Volume      model.Volume
	EncryptOpts encrypt.Options
}

// StepOutcome is the per-element result of a restore Run.
type StepOutcome struct {
	Snapshot  model.Snapshot
	Collision Collision
	Outcome   model.TransferOutcome
}

// Run executes ordered (as produced by Plan) against deps, replaying each
// element through the Transfer Pipeline with the backup endpoint as source
// and the local endpoint as destination. It does not abort on
// a single element's failure — later elements depending on a failed one
// will themselves fail to find their declared parent and downgrade to full,
// exactly as the forward Pipeline would; the caller inspects StepOutcome to
// decide whether to stop a deeper replay.
func Run(ctx context.Context, ordered []model.Snapshot, byUUID map[string]model.Snapshot, deps Deps, opts Options) ([]StepOutcome, error) {
	correlationID := journal.NewCorrelationID()
	results := make([]StepOutcome, 0, len(ordered))

	localDest := model.Destination{Name: "restore", Proto: model.ProtoLocal}
	destPath := opts.destPath(deps.Volume.Path)

	for _, s := range ordered {
		existing, err := findByReceivedUUID(ctx, deps.Local, destPath, s.ReceivedUUID)
		if err != nil {
			return results, err
		}

		if existing != nil {
			if !opts.Overwrite {
				results = append(results, StepOutcome{Snapshot: s, Collision: SkipExisting})
				continue
			}
			if err := deps.Local.DestroySnapshot(ctx, *existing); err != nil {
				return results, fmt.Errorf("removing colliding local snapshot %s before overwrite: %w", existing.Name, err)
			}
		}
		collision := NoCollision
		if existing != nil {
			collision = OverwriteExisting
		}

		var parent *model.Snapshot
		if s.ParentUUID != "" {
			if p, ok := byUUID[s.ParentUUID]; ok {
				parent = &p
			}
		}

		plan := model.TransferPlan{
			Volume:   deps.Volume,
			Source:   s,
			Parent:   parent,
			Dest:     localDest,
			DestPath: destPath,
		}
		pdeps := pipeline.Deps{
			Source:      deps.Backup,
			Dest:        deps.Local,
			Locks:       deps.Locks,
			SessionID:   deps.SessionID,
			LockClass:   model.LockClassRestore,
			EncryptOpts: deps.EncryptOpts,
		}

		var outcome model.TransferOutcome
		journalErr := deps.Journal.Record(model.ActionRestore, deps.Volume.Path, localDest.Name, correlationID, func() (model.JournalStatus, model.TransferOutcome, error) {
			outcome = pipeline.Run(ctx, plan, pdeps)
			status := model.StatusCompleted
			switch {
			case outcome.Failed():
				status = model.StatusFailed
			case outcome.Partial():
				status = model.StatusPartial
			}
			return status, outcome, outcome.Err
		})

		results = append(results, StepOutcome{Snapshot: s, Collision: collision, Outcome: outcome})
		if journalErr != nil && outcome.Err == nil {
			return results, journalErr
		}
	}
	return results, nil
}

func findByReceivedUUID(ctx context.Context, local endpoint.Endpoint, destPath, receivedUUID string) (*model.Snapshot, error) {
	if receivedUUID == "" {
		return nil, nil
	}
	existing, err := local.ListSnapshots(ctx, destPath)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].ReceivedUUID == receivedUUID {
			return &existing[i], nil
		}
	}
	return nil, nil
}
