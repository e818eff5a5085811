package app

import "os"

// DefaultConfigPath returns the config file path: BTRSYNC_CONFIG_PATH if
// set, otherwise /etc/btrsync/config.toml. This tool manages system
// subvolumes rather than a single user's data set, so a system-wide path
// is the sensible default rather than a per-user one under ~/.config.
func DefaultConfigPath() string {
	if p := os.Getenv("BTRSYNC_CONFIG_PATH"); p != "" {
		return p
	}
	return "/etc/btrsync/config.toml"
}

// DefaultLockDir returns the directory lock files live under when the
// config does not otherwise pin one down, derived from snapshotDir the
// same way the transaction log and lock directory are both rooted under
// it elsewhere in this package.
func DefaultLockDir(snapshotDir string) string {
	if snapshotDir == "" {
		return "/var/lib/btrsync/locks"
	}
	return snapshotDir + "/locks"
}
