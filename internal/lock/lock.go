// Package lock implements the file-based lock manager: exclusive creation
// via write-then-link, and liveness-checked staleness recovery. The full
// JSON body is written and fsync'd to a temp file first and only then
// linked into the stable path, since a lock claim needs exclusivity that a
// plain rename alone does not provide; a crash at any point before the
// link either leaves no trace at the stable path at all, or leaves it
// fully written, never half-written.
package lock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"btrsync/internal/model"
)

// Manager acquires and releases lock files under a directory.
type Manager struct {
	Dir      string
	Hostname string
}

// New returns a Manager rooted at dir, defaulting Hostname to os.Hostname().
func New(dir string) (*Manager, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("determining hostname: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &Manager{Dir: dir, Hostname: host}, nil
}

// keyPath returns the stable lock file path for a (class, key) pair.
func (m *Manager) keyPath(class model.LockClass, key string) string {
	return filepath.Join(m.Dir, fmt.Sprintf("%s-%s.lock", class, sanitize(key)))
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Handle is an acquired lock; callers must call Release when done.
type Handle struct {
	path string
}

// Acquire attempts to exclusively create the lock file for (class, key). If
// a lock file already exists, it checks staleness: same host and a dead PID
// means the previous owner crashed, so the lock is broken (logged at warning
// through slog.Default()) and acquisition retried once. A live owner, or a foreign host,
// fails with a LockHeld error.
func (m *Manager) Acquire(class model.LockClass, key string, sessionID string) (*Handle, error) {
	path := m.keyPath(class, key)

	body := model.Lock{
		OwnerPID:  os.Getpid(),
		Host:      m.Hostname,
		StartedAt: time.Now().UTC(),
		OpKind:    class,
		SessionID: sessionID,
	}

	if err := m.tryCreate(path, body); err == nil {
		return &Handle{path: path}, nil
	} else if !os.IsExist(err) {
		return nil, model.NewError(model.ErrIO, "creating lock file", err)
	}

	existing, readErr := readLock(path)
	if readErr != nil {
		// Unparseable lock body: treat as held by an unknown owner rather
		// than break a lock we cannot positively attribute.
		return nil, model.NewError(model.ErrLockHeld, "unparseable lock file, refusing to break", readErr)
	}

	if existing.Host != m.Hostname {
		return nil, model.NewError(model.ErrLockHeld, fmt.Sprintf("held by %s on remote host %s", existing.SessionID, existing.Host), nil)
	}
	if processAlive(existing.OwnerPID) {
		return nil, model.NewError(model.ErrLockHeld, fmt.Sprintf("held by pid %d", existing.OwnerPID), nil)
	}

	// Stale: previous owner is gone. Break it and retry once.
	slog.Warn("breaking stale lock", "path", path, "owner_pid", existing.OwnerPID, "session_id", existing.SessionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, model.NewError(model.ErrIO, "removing stale lock file", err)
	}
	if err := m.tryCreate(path, body); err != nil {
		return nil, model.NewError(model.ErrLockHeld, "lock re-acquired by another process", err)
	}
	return &Handle{path: path}, nil
}

// Release removes the lock file.
func (h *Handle) Release() error {
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// tryCreate writes body to a temp file in the same directory as path,
// fsyncs it, and only then hard-links it into place at path. os.Link fails
// with EEXIST if path already exists, which is the same exclusivity
// O_CREATE|O_EXCL on path itself would give, but because the link target
// (the temp file) is already fully written and fsync'd before the link is
// attempted, there is no window in which path exists with a half-written
// or empty body — unlike creating path directly and writing into it
// afterward, where a crash between create and write leaves exactly that
// state, which readLock can never parse and Acquire can never break.
func (m *Manager) tryCreate(path string, body model.Lock) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Link(tmpPath, path)
}

func readLock(path string) (model.Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Lock{}, err
	}
	var l model.Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return model.Lock{}, err
	}
	return l, nil
}

// processAlive reports whether pid refers to a live process on this host,
// using the kill(pid, 0) idiom: no signal is sent, only existence and
// permission are checked.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but we lack permission to signal it —
	// still alive from our point of view.
	return err == syscall.EPERM
}
