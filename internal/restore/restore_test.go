package restore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrsync/internal/endpoint"
	"btrsync/internal/journal"
	"btrsync/internal/lock"
	"btrsync/internal/model"
)

// fakeEndpoint is an in-memory stand-in for endpoint.Endpoint, in the same
// spirit as the pipeline package's own test double — letting a restore Run
// be exercised without a real btrfs filesystem.
type fakeEndpoint struct {
	snaps      []model.Snapshot
	sendData   map[string][]byte // keyed by snapshot name
	receivedAs map[string]model.Snapshot
	received   map[string][]byte // keyed by destName, filled in on Close
	destroyed  []string
}

func (f *fakeEndpoint) ListSnapshots(ctx context.Context, prefix string) ([]model.Snapshot, error) {
	return append([]model.Snapshot(nil), f.snaps...), nil
}

func (f *fakeEndpoint) CreateSnapshot(ctx context.Context, vol model.Volume, name string) (model.Snapshot, error) {
	return model.Snapshot{}, nil
}

func (f *fakeEndpoint) DestroySnapshot(ctx context.Context, snap model.Snapshot) error {
	f.destroyed = append(f.destroyed, snap.Name)
	kept := f.snaps[:0]
	for _, s := range f.snaps {
		if s.Name != snap.Name {
			kept = append(kept, s)
		}
	}
	f.snaps = kept
	return nil
}

func (f *fakeEndpoint) OpenSendStream(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.sendData[snap.Name])), nil
}

type fakeSink struct {
	f    *fakeEndpoint
	name string
	buf  []byte
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *fakeSink) Close() error {
	s.f.snaps = append(s.f.snaps, s.f.receivedAs[s.name])
	if s.f.received == nil {
		s.f.received = make(map[string][]byte)
	}
	s.f.received[s.name] = s.buf
	return nil
}

func (f *fakeEndpoint) OpenReceiveStream(ctx context.Context, destDir, destName string, meta endpoint.RawMeta) (io.WriteCloser, error) {
	return &fakeSink{f: f, name: destName}, nil
}

func (f *fakeEndpoint) SubvolumeShow(ctx context.Context, path string) (model.SubvolumeInfo, error) {
	return model.SubvolumeInfo{}, nil
}

func (f *fakeEndpoint) FreeBytes(ctx context.Context, path string) (model.SpaceInfo, error) {
	return model.SpaceInfo{FilesystemFree: 1 << 40}, nil
}

func (f *fakeEndpoint) EnsureDirectory(ctx context.Context, path string) error { return nil }

func (f *fakeEndpoint) RequireMounted(ctx context.Context, path string) error { return nil }

func (f *fakeEndpoint) EstimateSendSize(ctx context.Context, snap model.Snapshot, parent *model.Snapshot) (int64, bool, error) {
	return 0, false, nil
}

var _ endpoint.Endpoint = (*fakeEndpoint)(nil)

func snap(name, uuid, parentUUID string, t time.Time) model.Snapshot {
	return model.Snapshot{Name: name, Prefix: "home-", Timestamp: t, UUID: uuid, ReceivedUUID: uuid, ParentUUID: parentUUID}
}

func TestResolveLatestReturnsNewestByTimestamp(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	backup := []model.Snapshot{
		snap("home-1", "u1", "", base),
		snap("home-2", "u2", "u1", base.Add(time.Hour)),
	}
	got, err := Resolve(backup, TargetSpec{Kind: TargetLatest})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "home-2", got[0].Name)
}

func TestResolveNameReturnsNotFoundForUnknownName(t *testing.T) {
	backup := []model.Snapshot{snap("home-1", "u1", "", time.Now())}
	_, err := Resolve(backup, TargetSpec{Kind: TargetName, Name: "home-missing"})
	require.Error(t, err)
	var merr *model.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, model.ErrEnumeration, merr.Kind)
}

func TestResolveBeforePicksMostRecentSnapshotNotAfterCutoff(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	backup := []model.Snapshot{
		snap("home-1", "u1", "", base),
		snap("home-2", "u2", "u1", base.Add(time.Hour)),
		snap("home-3", "u3", "u2", base.Add(2*time.Hour)),
	}
	got, err := Resolve(backup, TargetSpec{Kind: TargetBefore, Before: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "home-2", got[0].Name)
}

func TestPlanWalksFullChainWhenLocalHasNothing(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	backup := []model.Snapshot{
		snap("home-1", "u1", "", base),
		snap("home-2", "u2", "u1", base.Add(time.Hour)),
		snap("home-3", "u3", "u2", base.Add(2*time.Hour)),
	}
	ordered, err := Plan(backup, nil, TargetSpec{Kind: TargetLatest})
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	assert.Equal(t, []string{"home-1", "home-2", "home-3"}, names(ordered))
}

func TestPlanStopsAtSnapshotLocalAlreadyHasByReceivedUUID(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	backup := []model.Snapshot{
		snap("home-1", "u1", "", base),
		snap("home-2", "u2", "u1", base.Add(time.Hour)),
		snap("home-3", "u3", "u2", base.Add(2*time.Hour)),
	}
	local := []model.Snapshot{{Name: "home-1", ReceivedUUID: "u1"}}

	ordered, err := Plan(backup, local, TargetSpec{Kind: TargetLatest})
	require.NoError(t, err)
	assert.Equal(t, []string{"home-2", "home-3"}, names(ordered))
}

func TestPlanDedupsUnionAcrossOverlappingTargets(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	backup := []model.Snapshot{
		snap("home-1", "u1", "", base),
		snap("home-2", "u2", "u1", base.Add(time.Hour)),
	}
	ordered, err := Plan(backup, nil, TargetSpec{Kind: TargetAll})
	require.NoError(t, err)
	assert.Equal(t, []string{"home-1", "home-2"}, names(ordered))
}

func names(snaps []model.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Name
	}
	return out
}

func testRunDeps(t *testing.T, backup, local *fakeEndpoint) Deps {
	dir := t.TempDir()
	mgr, err := lock.New(dir)
	require.NoError(t, err)
	jrn, err := journal.Open(dir + "/journal.log")
	require.NoError(t, err)
	t.Cleanup(func() { jrn.Close() })
	return Deps{
		Backup:    backup,
		Local:     local,
		Locks:     mgr,
		SessionID: "restore-session",
		Journal:   jrn,
		Volume:    model.Volume{Path: "/data/home", SnapshotPrefix: "home-"},
	}
}

func TestRunReplaysEachElementAndSkipsExistingLocal(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	a := snap("home-1", "u1", "", base)
	b := snap("home-2", "u2", "u1", base.Add(time.Hour))

	backup := &fakeEndpoint{
		sendData: map[string][]byte{"home-1": []byte("full"), "home-2": []byte("incr")},
	}
	local := &fakeEndpoint{
		snaps: []model.Snapshot{{Name: "home-1", ReceivedUUID: "u1"}},
		receivedAs: map[string]model.Snapshot{
			"home-1.btrfs": {Name: "home-1", ReceivedUUID: "u1"},
			"home-2.btrfs": {Name: "home-2", ReceivedUUID: "u2", ParentUUID: "u1"},
		},
	}

	byUUID := map[string]model.Snapshot{"u1": a, "u2": b}
	deps := testRunDeps(t, backup, local)

	results, err := Run(context.Background(), []model.Snapshot{a, b}, byUUID, deps, Options{RestoreDir: "/restore/home"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, SkipExisting, results[0].Collision)
	assert.Equal(t, NoCollision, results[1].Collision)
	require.NoError(t, results[1].Outcome.Err)
	assert.Equal(t, "incr", string(local.received["home-2.btrfs"]))
}

func TestRunOverwriteDestroysColldingLocalSnapshotFirst(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	a := snap("home-1", "u1", "", base)

	backup := &fakeEndpoint{
		sendData: map[string][]byte{"home-1": []byte("full")},
	}
	local := &fakeEndpoint{
		snaps:      []model.Snapshot{{Name: "home-1-stale", ReceivedUUID: "u1"}},
		receivedAs: map[string]model.Snapshot{"home-1.btrfs": {Name: "home-1", ReceivedUUID: "u1"}},
	}

	deps := testRunDeps(t, backup, local)
	results, err := Run(context.Background(), []model.Snapshot{a}, map[string]model.Snapshot{"u1": a}, deps, Options{
		Overwrite: true, RestoreDir: "/restore/home",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OverwriteExisting, results[0].Collision)
	assert.Contains(t, local.destroyed, "home-1-stale")
}

func TestOptionsDestPathPrefersInPlaceOverRestoreDir(t *testing.T) {
	o := Options{InPlace: true, RestoreDir: "/restore/home"}
	assert.Equal(t, "/data/home", o.destPath("/data/home"))

	o2 := Options{RestoreDir: "/restore/home"}
	assert.Equal(t, "/restore/home", o2.destPath("/data/home"))
}
