// Package config defines the typed configuration tree the core consumes.
// Loading, schema validation, and the interactive wizard are out of scope:
// this package only decodes the already-agreed-upon shape and converts it
// into the runtime model types in internal/model.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"btrsync/internal/catalog"
	"btrsync/internal/model"
)

// Config is the root configuration document.
type Config struct {
	SnapshotDir      string           `toml:"snapshot_dir"`
	TimestampFormat  string           `toml:"timestamp_format"`
	Incremental      bool             `toml:"incremental"`
	ParallelVolumes  int              `toml:"parallel_volumes"`
	ParallelTargets  int              `toml:"parallel_targets"`
	LogFile          string           `toml:"log_file"`
	TransactionLog   string           `toml:"transaction_log"`
	Retention        RetentionConfig  `toml:"retention"`
	Volumes          []VolumeConfig   `toml:"volumes"`

	// Notifications is intentionally untyped: notification dispatch is an
	// external collaborator this package does not implement; it only needs
	// to know the section exists so a round-trip encode/decode does not
	// drop it.
	Notifications map[string]any `toml:"notifications"`
}

// RetentionConfig holds per-volume retention defaults
// (hourly=24, daily=7, weekly=4, monthly=12, yearly=0, min="1d").
type RetentionConfig struct {
	Min     string `toml:"min"`
	Hourly  int    `toml:"hourly"`
	Daily   int    `toml:"daily"`
	Weekly  int    `toml:"weekly"`
	Monthly int    `toml:"monthly"`
	Yearly  int    `toml:"yearly"`
}

// VolumeConfig is one per-volume list entry.
type VolumeConfig struct {
	Path           string            `toml:"path"`
	SnapshotPrefix string            `toml:"snapshot_prefix,omitempty"`
	SnapshotDir    string            `toml:"snapshot_dir,omitempty"`
	Enabled        *bool             `toml:"enabled,omitempty"`
	Retention      *RetentionConfig  `toml:"retention,omitempty"`
	Targets        []TargetConfig    `toml:"targets"`
	Source         string            `toml:"source,omitempty"` // "native" | "foreign-snapshot-manager"
}

// TargetConfig is one per-target list entry. This is a tagged-union struct:
// Path's scheme prefix is the discriminator that determines which other
// fields the destination resolver reads.
type TargetConfig struct {
	Path             string `toml:"path"`
	SSHSudo          bool   `toml:"ssh_sudo"`
	SSHPort          int    `toml:"ssh_port"`
	SSHKey           string `toml:"ssh_key"`
	SSHPasswordAuth  bool   `toml:"ssh_password_auth"`
	Compress         string `toml:"compress"`
	RateLimit        string `toml:"rate_limit"` // scaled integer with suffix K/M/G
	RequireMount     bool   `toml:"require_mount"`
	Encrypt          string `toml:"encrypt"`
	GPGRecipient     string `toml:"gpg_recipient"`
}

// Default returns a Config with this project's documented defaults
// (parallel_volumes=2, parallel_targets=3).
func Default() *Config {
	return &Config{
		TimestampFormat: "%Y%m%d-%H%M%S", // strftime-style; converted via catalog.ToGoLayout
		Incremental:     true,
		ParallelVolumes: 2,
		ParallelTargets: 3,
		Retention: RetentionConfig{
			Min:     "1d",
			Hourly:  24,
			Daily:   7,
			Weekly:  4,
			Monthly: 12,
			Yearly:  0,
		},
	}
}

// Load decodes a Config from r, applying Default() for any zero-valued
// top-level fields the document omits.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// LoadFile opens path and decodes it via Load.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Write encodes cfg to w.
func Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// ParseDuration parses the retention "Nm|Nh|Nd|Nw" grammar. Go's
// time.ParseDuration already handles m/h; d (day) and w (week) are not
// stdlib units, so they are expanded before delegating.
func ParseDuration(spec string) (time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, nil
	}
	unit := spec[len(spec)-1]
	numPart := spec[:len(spec)-1]
	switch unit {
	case 'd':
		n, err := strconv.Atoi(numPart)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", spec, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		n, err := strconv.Atoi(numPart)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", spec, err)
		}
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(spec)
	}
}

// ParseRateLimit parses a scaled integer with suffix K/M/G into bytes/sec.
// No suffix means bytes/sec already; empty means unlimited (0).
func ParseRateLimit(spec string) (int64, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, nil
	}
	mult := int64(1)
	suffix := spec[len(spec)-1]
	numPart := spec
	switch suffix {
	case 'K', 'k':
		mult = 1 << 10
		numPart = spec[:len(spec)-1]
	case 'M', 'm':
		mult = 1 << 20
		numPart = spec[:len(spec)-1]
	case 'G', 'g':
		mult = 1 << 30
		numPart = spec[:len(spec)-1]
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate limit %q: %w", spec, err)
	}
	return n * mult, nil
}

// derivePrefix fills in a default when a volume has no explicit
// snapshot_prefix configured: trim leading/trailing slashes from its path,
// replace the remaining slashes with "-", and append a trailing "-"
// ("/srv/data" -> "srv-data-"); a path that trims to empty yields "root".
func derivePrefix(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "root"
	}
	return strings.ReplaceAll(trimmed, "/", "-") + "-"
}

// ToRetentionPolicy converts a RetentionConfig into the runtime model type,
// falling back to fallback for any zero-valued field (used for the
// global/per-volume override relationship).
func (r RetentionConfig) ToRetentionPolicy(fallback RetentionConfig) (model.RetentionPolicy, error) {
	merged := r
	if merged.Min == "" {
		merged.Min = fallback.Min
	}
	if merged.Hourly == 0 {
		merged.Hourly = fallback.Hourly
	}
	if merged.Daily == 0 {
		merged.Daily = fallback.Daily
	}
	if merged.Weekly == 0 {
		merged.Weekly = fallback.Weekly
	}
	if merged.Monthly == 0 {
		merged.Monthly = fallback.Monthly
	}
	if merged.Yearly == 0 {
		merged.Yearly = fallback.Yearly
	}

	d, err := ParseDuration(merged.Min)
	if err != nil {
		return model.RetentionPolicy{}, err
	}
	return model.RetentionPolicy{
		MinAge:  model.DurationSpec{Raw: merged.Min, Value: d},
		Hourly:  merged.Hourly,
		Daily:   merged.Daily,
		Weekly:  merged.Weekly,
		Monthly: merged.Monthly,
		Yearly:  merged.Yearly,
	}, nil
}

// ToVolume converts a VolumeConfig into the runtime model type.
func (v VolumeConfig) ToVolume(global *Config) (model.Volume, error) {
	prefix := v.SnapshotPrefix
	if prefix == "" {
		prefix = derivePrefix(v.Path)
	}
	snapDir := v.SnapshotDir
	if snapDir == "" {
		snapDir = global.SnapshotDir
	}
	enabled := true
	if v.Enabled != nil {
		enabled = *v.Enabled
	}
	retCfg := global.Retention
	if v.Retention != nil {
		retCfg = *v.Retention
	}
	policy, err := retCfg.ToRetentionPolicy(global.Retention)
	if err != nil {
		return model.Volume{}, fmt.Errorf("volume %s: %w", v.Path, err)
	}

	source := model.SourceNative
	if v.Source == string(model.SourceForeignSnapshots) {
		source = model.SourceForeignSnapshots
	}

	dests := make([]model.Destination, 0, len(v.Targets))
	for _, t := range v.Targets {
		d, err := t.ToDestination()
		if err != nil {
			return model.Volume{}, fmt.Errorf("volume %s: %w", v.Path, err)
		}
		dests = append(dests, d)
	}

	strftime := global.TimestampFormat
	if strftime == "" {
		strftime = Default().TimestampFormat
	}

	return model.Volume{
		Path:            v.Path,
		SnapshotPrefix:  prefix,
		SnapshotDir:     snapDir,
		Enabled:         enabled,
		Retention:       policy,
		Destinations:    dests,
		Source:          source,
		TimestampFormat: catalog.ToGoLayout(strftime),
	}, nil
}

// ToDestination parses a TargetConfig's URL-scheme path into a runtime
// Destination.
func (t TargetConfig) ToDestination() (model.Destination, error) {
	proto, host, user, port, path, err := parseTargetURL(t.Path)
	if err != nil {
		return model.Destination{}, err
	}
	if t.SSHPort != 0 {
		port = t.SSHPort
	}

	rate, err := ParseRateLimit(t.RateLimit)
	if err != nil {
		return model.Destination{}, err
	}

	compress := model.CompressKind(t.Compress)
	if compress == "" {
		compress = model.CompressNone
	}
	encrypt := model.EncryptKind(t.Encrypt)
	if encrypt == "" {
		encrypt = model.EncryptNone
	}

	d := model.Destination{
		Name:          t.Path,
		Proto:         proto,
		Path:          path,
		Host:          host,
		User:          user,
		Port:          port,
		SSHSudo:       t.SSHSudo,
		SSHKeyPath:    t.SSHKey,
		SSHPasswordOK: t.SSHPasswordAuth,
		Compress:      compress,
		RateLimit:     rate,
		RequireMount:  t.RequireMount,
		Encrypt:       encrypt,
		GPGRecipient:  t.GPGRecipient,
	}
	if proto == model.ProtoRawS3 {
		d.S3Bucket, d.S3Prefix = host, path
	}
	return d, nil
}

// parseTargetURL parses the endpoint URL grammar:
//
//	file:///abs/path | /abs/path                          -> local
//	{shell}://[user@]host[:port]/abs/path                  -> remote
//	raw:///abs/path                                        -> raw (local file)
//	raw+{shell}://[user@]host[:port]/abs/path              -> raw over remote shell
//	raw+s3://bucket/prefix                                 -> raw over S3
func parseTargetURL(raw string) (proto model.EndpointProto, host, user string, port int, path string, err error) {
	if strings.HasPrefix(raw, "/") {
		return model.ProtoLocal, "", "", 0, raw, nil
	}
	if strings.HasPrefix(raw, "file://") {
		return model.ProtoLocal, "", "", 0, strings.TrimPrefix(raw, "file://"), nil
	}
	if strings.HasPrefix(raw, "raw+s3://") {
		rest := strings.TrimPrefix(raw, "raw+s3://")
		parts := strings.SplitN(rest, "/", 2)
		bucket := parts[0]
		prefix := ""
		if len(parts) == 2 {
			prefix = parts[1]
		}
		return model.ProtoRawS3, bucket, "", 0, prefix, nil
	}
	if strings.HasPrefix(raw, "raw://") {
		return model.ProtoRaw, "", "", 0, strings.TrimPrefix(raw, "raw://"), nil
	}
	if strings.HasPrefix(raw, "raw+") {
		rest := strings.TrimPrefix(raw, "raw+")
		host, user, port, path, err = parseRemoteAuthority(rest)
		if err != nil {
			return "", "", "", 0, "", err
		}
		return model.ProtoRawSSH, host, user, port, path, nil
	}
	if idx := strings.Index(raw, "://"); idx > 0 {
		rest := raw[idx+3:]
		host, user, port, path, err = parseRemoteAuthority(rest)
		if err != nil {
			return "", "", "", 0, "", err
		}
		return model.ProtoRemote, host, user, port, path, nil
	}
	return "", "", "", 0, "", fmt.Errorf("unrecognized endpoint URL %q", raw)
}

// parseRemoteAuthority parses "[user@]host[:port]/abs/path".
func parseRemoteAuthority(s string) (host, user string, port int, path string, err error) {
	slash := strings.Index(s, "/")
	if slash < 0 {
		return "", "", 0, "", fmt.Errorf("remote target %q missing path component", s)
	}
	authority := s[:slash]
	path = s[slash:]

	if at := strings.Index(authority, "@"); at >= 0 {
		user = authority[:at]
		authority = authority[at+1:]
	}
	if colon := strings.LastIndex(authority, ":"); colon >= 0 {
		host = authority[:colon]
		p, perr := strconv.Atoi(authority[colon+1:])
		if perr != nil {
			return "", "", 0, "", fmt.Errorf("invalid port in %q: %w", s, perr)
		}
		port = p
	} else {
		host = authority
	}
	if host == "" {
		return "", "", 0, "", fmt.Errorf("remote target %q missing host", s)
	}
	return host, user, port, path, nil
}

// EnabledVolumes converts every enabled VolumeConfig into a runtime model.Volume.
func (c *Config) EnabledVolumes() ([]model.Volume, error) {
	var out []model.Volume
	for _, vc := range c.Volumes {
		v, err := vc.ToVolume(c)
		if err != nil {
			return nil, err
		}
		if v.Enabled {
			out = append(out, v)
		}
	}
	return out, nil
}

// Defaults returns application default paths, checking environment
// variables first and falling back to this project's standard locations.
func Defaults() (map[string]string, error) {
	configPath := os.Getenv("BTRSYNC_CONFIG_PATH")
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "btrsync.toml")
	}
	baseDir := os.Getenv("BTRSYNC_HOME")
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".local", "share", "btrsync")
	}
	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}
