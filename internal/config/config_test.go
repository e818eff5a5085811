package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btrsync/internal/model"
)

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"1d": 24 * time.Hour,
		"2w": 14 * 24 * time.Hour,
		"3h": 3 * time.Hour,
		"":   0,
	}
	for spec, want := range cases {
		got, err := ParseDuration(spec)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseRateLimit(t *testing.T) {
	got, err := ParseRateLimit("10M")
	require.NoError(t, err)
	assert.Equal(t, int64(10*1<<20), got)

	got, err = ParseRateLimit("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestParseTargetURLLocal(t *testing.T) {
	proto, host, user, port, path, err := parseTargetURL("/mnt/backup")
	require.NoError(t, err)
	assert.Equal(t, model.ProtoLocal, proto)
	assert.Empty(t, host)
	assert.Empty(t, user)
	assert.Zero(t, port)
	assert.Equal(t, "/mnt/backup", path)
}

func TestParseTargetURLRemote(t *testing.T) {
	proto, host, user, port, path, err := parseTargetURL("ssh://backup@host.example:2222/srv/backups")
	require.NoError(t, err)
	assert.Equal(t, model.ProtoRemote, proto)
	assert.Equal(t, "host.example", host)
	assert.Equal(t, "backup", user)
	assert.Equal(t, 2222, port)
	assert.Equal(t, "/srv/backups", path)
}

func TestParseTargetURLRawS3(t *testing.T) {
	proto, host, _, _, path, err := parseTargetURL("raw+s3://my-bucket/prefix/dir")
	require.NoError(t, err)
	assert.Equal(t, model.ProtoRawS3, proto)
	assert.Equal(t, "my-bucket", host)
	assert.Equal(t, "prefix/dir", path)
}

func TestDerivePrefix(t *testing.T) {
	assert.Equal(t, "home-", derivePrefix("/home"))
	assert.Equal(t, "srv-data-", derivePrefix("/srv/data/"))
	assert.Equal(t, "root", derivePrefix("/"))
}

func TestVolumeConfigToVolumeInheritsGlobalRetention(t *testing.T) {
	global := Default()
	global.SnapshotDir = ".snapshots"
	vc := VolumeConfig{
		Path:    "/home",
		Targets: []TargetConfig{{Path: "/mnt/backup"}},
	}
	v, err := vc.ToVolume(global)
	require.NoError(t, err)
	assert.Equal(t, "home-", v.SnapshotPrefix)
	assert.Equal(t, ".snapshots", v.SnapshotDir)
	assert.Equal(t, 24, v.Retention.Hourly)
	assert.True(t, v.Enabled)
	require.Len(t, v.Destinations, 1)
	assert.Equal(t, model.ProtoLocal, v.Destinations[0].Proto)
}

func TestLoadRoundTrip(t *testing.T) {
	doc := `
snapshot_dir = ".snapshots"
parallel_volumes = 4

[[volumes]]
path = "/home"

  [[volumes.targets]]
  path = "ssh://user@backup:22/srv/backups"
  compress = "zstd"
  rate_limit = "5M"
`
	cfg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.ParallelVolumes)
	assert.Equal(t, 3, cfg.ParallelTargets) // default preserved, not overwritten
	require.Len(t, cfg.Volumes, 1)
	assert.Equal(t, "/home", cfg.Volumes[0].Path)
}
