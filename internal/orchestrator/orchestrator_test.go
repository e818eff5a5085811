package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrsync/internal/catalog"
	"btrsync/internal/endpoint"
	"btrsync/internal/journal"
	"btrsync/internal/lock"
	"btrsync/internal/model"
)

// fakeEndpoint is an in-memory stand-in for endpoint.Endpoint, in the same
// spirit as the pipeline and restore packages' own test doubles, extended
// here to track per-destination writes since one volume run fans out to
// several of these concurrently.
type fakeEndpoint struct {
	mu sync.Mutex

	snaps     []model.Snapshot
	nextUUID  int
	createErr error

	failEnsureDirectory int // EnsureDirectory fails this many times before succeeding
	received             map[string][]byte // destName -> bytes written
	destroyed            []string
}

func (f *fakeEndpoint) ListSnapshots(ctx context.Context, prefix string) ([]model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Snapshot(nil), f.snaps...), nil
}

func (f *fakeEndpoint) CreateSnapshot(ctx context.Context, vol model.Volume, name string) (model.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return model.Snapshot{}, f.createErr
	}
	f.nextUUID++
	ts, _ := catalog.ParseTimestamp(name, vol.SnapshotPrefix, vol.TimestampFormat)
	s := model.Snapshot{
		Name:      name,
		Path:      name,
		Prefix:    vol.SnapshotPrefix,
		Timestamp: ts,
		UUID:      fmt.Sprintf("src-uuid-%d", f.nextUUID),
	}
	f.snaps = append(f.snaps, s)
	return s, nil
}

func (f *fakeEndpoint) DestroySnapshot(ctx context.Context, snap model.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, snap.Name)
	kept := f.snaps[:0]
	for _, s := range f.snaps {
		if s.UUID != snap.UUID {
			kept = append(kept, s)
		}
	}
	f.snaps = kept
	return nil
}

func (f *fakeEndpoint) OpenSendStream(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte("stream:" + snap.Name))), nil
}

type fakeSink struct {
	f    *fakeEndpoint
	name string
	buf  []byte
	dest model.Snapshot
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *fakeSink) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.snaps = append(s.f.snaps, s.dest)
	if s.f.received == nil {
		s.f.received = make(map[string][]byte)
	}
	s.f.received[s.name] = s.buf
	return nil
}

func (f *fakeEndpoint) OpenReceiveStream(ctx context.Context, destDir, destName string, meta endpoint.RawMeta) (io.WriteCloser, error) {
	return &fakeSink{f: f, name: destName, dest: model.Snapshot{
		Name:         destName,
		ReceivedUUID: meta.UUID,
		ParentUUID:   meta.ParentUUID,
	}}, nil
}

func (f *fakeEndpoint) SubvolumeShow(ctx context.Context, path string) (model.SubvolumeInfo, error) {
	return model.SubvolumeInfo{}, nil
}

func (f *fakeEndpoint) FreeBytes(ctx context.Context, path string) (model.SpaceInfo, error) {
	return model.SpaceInfo{FilesystemFree: 1 << 40}, nil
}

func (f *fakeEndpoint) EnsureDirectory(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEnsureDirectory > 0 {
		f.failEnsureDirectory--
		return model.NewError(model.ErrNetworkTransient, "simulated transient failure", nil)
	}
	return nil
}

func (f *fakeEndpoint) RequireMounted(ctx context.Context, path string) error { return nil }

func (f *fakeEndpoint) EstimateSendSize(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (int64, bool, error) {
	return 0, false, nil
}

var _ endpoint.Endpoint = (*fakeEndpoint)(nil)

func testVolume(dests ...model.Destination) model.Volume {
	return model.Volume{
		Path:            "/data/home",
		SnapshotDir:     "/data",
		SnapshotPrefix:  "home-",
		Enabled:         true,
		TimestampFormat: catalog.ToGoLayout("%Y%m%d-%H%M%S"),
		Destinations:    dests,
	}
}

func testDeps(t *testing.T, src *fakeEndpoint, dests map[string]*fakeEndpoint) Deps {
	dir := t.TempDir()
	mgr, err := lock.New(dir)
	require.NoError(t, err)
	jrn, err := journal.Open(dir + "/journal.log")
	require.NoError(t, err)
	t.Cleanup(func() { jrn.Close() })

	fixedNow := time.Date(2026, 8, 2, 13, 45, 0, 0, time.UTC)
	return Deps{
		Locks:     mgr,
		Journal:   jrn,
		SessionID: "orchestrator-test",
		SourceEndpoint: func(vol model.Volume) (endpoint.Endpoint, error) {
			return src, nil
		},
		DestEndpoint: func(vol model.Volume, dest model.Destination) (endpoint.Endpoint, error) {
			return dests[dest.Name], nil
		},
		Now:   func() time.Time { return fixedNow },
		Sleep: func(time.Duration) {}, // tests never wait on real backoff
	}
}

func TestRunSnapshotsAndTransfersToEachDestination(t *testing.T) {
	src := &fakeEndpoint{}
	d1 := &fakeEndpoint{}
	d2 := &fakeEndpoint{}

	vol := testVolume(
		model.Destination{Name: "backup1", Proto: model.ProtoLocal, Path: "/backup1"},
		model.Destination{Name: "backup2", Proto: model.ProtoLocal, Path: "/backup2"},
	)
	deps := testDeps(t, src, map[string]*fakeEndpoint{"backup1": d1, "backup2": d2})

	result, err := Run(context.Background(), []model.Volume{vol}, deps)
	require.NoError(t, err)
	require.Len(t, result.Volumes, 1)

	vr := result.Volumes[0]
	require.NoError(t, vr.LockErr)
	require.NoError(t, vr.SnapshotErr)
	require.NotNil(t, vr.Snapshot)
	assert.Equal(t, "home-20260802-134500", vr.Snapshot.Name)

	require.Len(t, vr.Transfers, 2)
	for _, tr := range vr.Transfers {
		assert.False(t, tr.Skipped)
		require.NoError(t, tr.Outcome.Err)
		assert.Equal(t, 1, tr.Attempts)
	}
	assert.Contains(t, string(d1.received["home-20260802-134500.btrfs"]), "stream:home-20260802-134500")
	assert.Contains(t, string(d2.received["home-20260802-134500.btrfs"]), "stream:home-20260802-134500")
}

func TestRunSkipsDestinationAlreadyHoldingTheLatestSnapshot(t *testing.T) {
	src := &fakeEndpoint{}
	// backup1 already has the snapshot the source is about to create, keyed
	// by the uuid fakeEndpoint.CreateSnapshot will mint first (src-uuid-1).
	d1 := &fakeEndpoint{snaps: []model.Snapshot{{Name: "home-20260802-134500", ReceivedUUID: "src-uuid-1"}}}

	vol := testVolume(model.Destination{Name: "backup1", Proto: model.ProtoLocal, Path: "/backup1"})
	deps := testDeps(t, src, map[string]*fakeEndpoint{"backup1": d1})

	result, err := Run(context.Background(), []model.Volume{vol}, deps)
	require.NoError(t, err)

	vr := result.Volumes[0]
	require.Len(t, vr.Transfers, 1)
	assert.True(t, vr.Transfers[0].Skipped)
}

func TestRunRetriesTransientFailureThenSucceeds(t *testing.T) {
	src := &fakeEndpoint{}
	d1 := &fakeEndpoint{failEnsureDirectory: 2}

	vol := testVolume(model.Destination{Name: "backup1", Proto: model.ProtoLocal, Path: "/backup1"})
	deps := testDeps(t, src, map[string]*fakeEndpoint{"backup1": d1})
	deps.Retry = RetryPolicy{MaxAttempts: 5}

	result, err := Run(context.Background(), []model.Volume{vol}, deps)
	require.NoError(t, err)

	tr := result.Volumes[0].Transfers[0]
	require.NoError(t, tr.Outcome.Err)
	assert.Equal(t, 3, tr.Attempts)
}

func TestRunGivesUpAfterMaxAttemptsOnTransientFailure(t *testing.T) {
	src := &fakeEndpoint{}
	d1 := &fakeEndpoint{failEnsureDirectory: 100}

	vol := testVolume(model.Destination{Name: "backup1", Proto: model.ProtoLocal, Path: "/backup1"})
	deps := testDeps(t, src, map[string]*fakeEndpoint{"backup1": d1})
	deps.Retry = RetryPolicy{MaxAttempts: 3}

	result, err := Run(context.Background(), []model.Volume{vol}, deps)
	require.NoError(t, err)

	tr := result.Volumes[0].Transfers[0]
	require.Error(t, tr.Outcome.Err)
	assert.Equal(t, 3, tr.Attempts)

	var merr *model.Error
	require.ErrorAs(t, tr.Outcome.Err, &merr)
	assert.Equal(t, model.ErrNetworkTransient, merr.Kind)
}

func TestRunReportsLockErrWhenVolumeLockIsHeld(t *testing.T) {
	src := &fakeEndpoint{}
	vol := testVolume()
	deps := testDeps(t, src, nil)

	held, err := deps.Locks.Acquire(model.LockClassVolume, vol.Path, "other-session")
	require.NoError(t, err)
	defer held.Release()

	result, err := Run(context.Background(), []model.Volume{vol}, deps)
	require.NoError(t, err)

	vr := result.Volumes[0]
	require.Error(t, vr.LockErr)
	var merr *model.Error
	require.ErrorAs(t, vr.LockErr, &merr)
	assert.Equal(t, model.ErrLockHeld, merr.Kind)
}

func TestRunSkipsDisabledVolumes(t *testing.T) {
	src := &fakeEndpoint{}
	vol := testVolume()
	vol.Enabled = false
	deps := testDeps(t, src, nil)

	result, err := Run(context.Background(), []model.Volume{vol}, deps)
	require.NoError(t, err)
	assert.Empty(t, result.Volumes)
}

func TestRetryPolicyBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 3 * time.Second, MaxBackoff: 10 * time.Second}
	assert.Equal(t, 3*time.Second, p.backoff(1))
	assert.Equal(t, 6*time.Second, p.backoff(2))
	assert.Equal(t, 10*time.Second, p.backoff(3)) // would be 12s uncapped
}

func TestRetryPolicyDefaults(t *testing.T) {
	var p RetryPolicy
	assert.Equal(t, defaultMaxAttempts, p.maxAttempts())
	assert.Equal(t, defaultInitialBackoff, p.initialBackoff())
	assert.Equal(t, defaultMaxBackoff, p.maxBackoff())
}
