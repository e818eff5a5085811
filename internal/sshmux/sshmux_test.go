package sshmux

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecArgsSuppressesPTYByDefault(t *testing.T) {
	s := &Session{Host: "backup", User: "root", ControlPath: "/tmp/cm.sock"}
	args := s.ExecArgs("btrfs receive /mnt/backup", false)
	assert.Contains(t, args, "-T")
	assert.NotContains(t, args, "-t")
	assert.Equal(t, "root@backup", args[len(args)-2])
	assert.Equal(t, "btrfs receive /mnt/backup", args[len(args)-1])
}

func TestExecArgsAllocatesPTYForElevationPrompt(t *testing.T) {
	s := &Session{Host: "backup", User: "root", ControlPath: "/tmp/cm.sock"}
	args := s.ExecArgs("sudo -S true", true)
	assert.Contains(t, args, "-t")
	assert.NotContains(t, args, "-T")
}

func TestExecArgsCarriesPortAndIdentity(t *testing.T) {
	s := &Session{Host: "backup", User: "root", Port: 2222, IdentityFile: "/home/u/.ssh/id_ed25519", ControlPath: "/tmp/cm.sock"}
	args := s.ExecArgs("true", false)
	assert.Contains(t, args, "-p")
	assert.Contains(t, args, "2222")
	assert.Contains(t, args, "-i")
	assert.Contains(t, args, "/home/u/.ssh/id_ed25519")
}

func TestRemoteOmitsUserWhenUnset(t *testing.T) {
	s := &Session{Host: "backup", ControlPath: "/tmp/cm.sock"}
	assert.Equal(t, "backup", s.remote())
}

func TestKeyDistinguishesConnectionParameters(t *testing.T) {
	a := key("backup", "root", 22, "", false)
	b := key("backup", "root", 2222, "", false)
	c := key("backup", "other", 22, "", false)
	d := key("backup", "root", 22, "", true)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Equal(t, a, key("backup", "root", 22, "", false))
}

func TestBaseArgsDisablesInteractiveAuthWithoutPasswordFallback(t *testing.T) {
	s := &Session{Host: "backup", User: "root", ControlPath: "/tmp/cm.sock"}
	args := s.baseArgs()
	assert.Contains(t, args, "BatchMode=yes")
	assert.Contains(t, args, "PreferredAuthentications=publickey")
	assert.NotContains(t, args, "PreferredAuthentications=publickey,password")
}

func TestBaseArgsAllowsPasswordFallbackWhenConfigured(t *testing.T) {
	s := &Session{Host: "backup", User: "root", ControlPath: "/tmp/cm.sock", PasswordOK: true}
	args := s.baseArgs()
	assert.NotContains(t, args, "BatchMode=yes")
	assert.Contains(t, args, "PreferredAuthentications=publickey,password")
}

func TestManagerCacheSecretWriteOnce(t *testing.T) {
	m := NewManager()
	m.CacheSecret("first")
	m.CacheSecret("second")
	v, ok := m.Secret()
	require.True(t, ok)
	assert.Equal(t, "first", v)
}

func TestManagerZeroClearsSecret(t *testing.T) {
	m := NewManager()
	m.CacheSecret("s3cr3t")
	m.Zero()
	_, ok := m.Secret()
	assert.False(t, ok)
}

func TestResolveElevationSecretPrefersEnv(t *testing.T) {
	t.Setenv("BTRSYNC_TEST_SECRET", "from-env")
	m := NewManager()
	v, err := m.ResolveElevationSecret("BTRSYNC_TEST_SECRET", func() (string, error) {
		t.Fatal("prompt should not be invoked when env var is set")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestResolveElevationSecretFallsBackToCachedValue(t *testing.T) {
	m := NewManager()
	m.CacheSecret("cached")
	v, err := m.ResolveElevationSecret("", nil)
	require.NoError(t, err)
	assert.Equal(t, "cached", v)
}

func TestResolveElevationSecretFailsFastWithoutTerminalOrEnv(t *testing.T) {
	m := NewManager()
	_, err := m.ResolveElevationSecret("", nil)
	assert.Error(t, err)
}

func TestResolveElevationSecretWrapsPromptError(t *testing.T) {
	m := NewManager()
	if !HasTerminal() {
		t.Skip("no terminal attached in this environment; prompt path unreachable")
	}
	_, err := m.ResolveElevationSecret("", func() (string, error) {
		return "", errors.New("boom")
	})
	assert.Error(t, err)
}
