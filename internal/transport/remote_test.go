package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"btrsync/internal/sshmux"
)

func TestBuildRemoteCommandWrapsNonReceiveInShell(t *testing.T) {
	rt := NewSecureRemote(&sshmux.Session{Host: "backup", User: "root"}, false, nil)
	cmd := rt.buildRemoteCommand([]string{"btrfs", "send", "/mnt/snap"})
	assert.Contains(t, cmd, `sh -c "exec`)
}

func TestBuildRemoteCommandNeverWrapsBtrfsReceive(t *testing.T) {
	rt := NewSecureRemote(&sshmux.Session{Host: "backup", User: "root"}, false, nil)
	cmd := rt.buildRemoteCommand([]string{"btrfs", "receive", "/mnt/backup"})
	assert.NotContains(t, cmd, "sh -c")
	assert.Contains(t, cmd, "btrfs")
}

func TestBuildRemoteCommandAppliesSudoPrefix(t *testing.T) {
	rt := NewSecureRemote(&sshmux.Session{Host: "backup"}, true, nil)
	cmd := rt.buildRemoteCommand([]string{"btrfs", "receive", "/mnt/backup"})
	assert.True(t, len(cmd) > 0 && cmd[:8] == "sudo -S ")
}
