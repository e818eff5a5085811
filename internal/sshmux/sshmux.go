// Package sshmux implements the persistent multiplexed remote session: one
// SSH authentication handshake amortised over all operations in a session
// lifetime, via OpenSSH's own ControlMaster/ControlPath/ControlPersist
// mechanism rather than a Go-native SSH client. Driving the system ssh
// binary keeps host-key checking, agent forwarding, and config file
// handling consistent with whatever the operator already has configured
// for interactive ssh, instead of reimplementing any of that.
package sshmux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/term"

	"btrsync/internal/model"
)

// Session is a reference-counted handle to one persistent ControlMaster
// connection to a single (host, user, port, key) tuple.
type Session struct {
	Host       string
	User       string
	Port       int
	IdentityFile string
	ControlPath  string
	PersistSecs  int

	// PasswordOK mirrors model.Destination.SSHPasswordOK: when set, the
	// session's ssh invocations allow password-based authentication to
	// serve as a fallback instead of disabling all interactive auth
	// outright.
	PasswordOK bool

	mu       sync.Mutex
	refs     int
	started  bool
	idleTime time.Time
}

// Manager tracks one Session per (host,user,key) so destination-workers
// targeting the same host share the underlying connection.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// secret is the cached elevation secret, write-once per session,
	// never logged, zeroed on teardown.
	secretMu sync.Mutex
	secret   *string
}

// NewManager returns an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// controlDir returns the directory ControlPath sockets live under. A
// process still running as root under sudo keeps $HOME pointed at the
// invoking user's home, so the control-socket directory is placed under
// /tmp instead to avoid permission surprises.
func controlDir() (string, error) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		u, err := user.Lookup(sudoUser)
		if err != nil {
			return filepath.Join(os.TempDir(), "ssh-controlmasters-"+sudoUser), nil
		}
		return filepath.Join(os.TempDir(), "ssh-controlmasters-"+u.Username), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, ".ssh", "controlmasters"), nil
}

// key identifies a session by the connection parameters that must match for
// reuse to be safe. passwordOK is part of the key because it changes the
// ssh invocation's auth-related options (baseArgs): a session established
// without the password family enabled must never be silently handed to a
// destination that needs it, or vice versa.
func key(host, user string, port int, identityFile string, passwordOK bool) string {
	return fmt.Sprintf("%s@%s:%d#%s#%t", user, host, port, identityFile, passwordOK)
}

// Acquire returns a Session for (host, user, port, identityFile,
// passwordOK), starting the ControlMaster connection on first use and
// incrementing its reference count. Callers must call Release when done
// borrowing it.
func (m *Manager) Acquire(ctx context.Context, host, sshUser string, port int, identityFile string, persistSecs int, passwordOK bool) (*Session, error) {
	if persistSecs <= 0 {
		persistSecs = 600
	}
	m.mu.Lock()
	k := key(host, sshUser, port, identityFile, passwordOK)
	s, ok := m.sessions[k]
	if !ok {
		dir, err := controlDir()
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("creating control socket directory: %w", err)
		}
		socket := filepath.Join(dir, fmt.Sprintf("cm_%s_%s_%d_%d.sock", sshUser, host, os.Getpid(), port))
		s = &Session{Host: host, User: sshUser, Port: port, IdentityFile: identityFile, ControlPath: socket, PersistSecs: persistSecs, PasswordOK: passwordOK}
		m.sessions[k] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	if !s.started {
		if err := s.start(ctx); err != nil {
			s.refs--
			return nil, err
		}
		s.started = true
	}
	return s, nil
}

// Release decrements the reference count; the last borrower's release
// records the idle time and does not tear the connection down, since
// ControlPersist already handles that on the OpenSSH side once no master
// process needs it kept alive.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs <= 0 {
		s.idleTime = time.Now()
	}
}

// start establishes the ControlMaster connection with a lightweight no-op
// remote command, so subsequent Exec calls reuse the multiplexed channel.
func (s *Session) start(ctx context.Context) error {
	args := s.baseArgs()
	args = append(args, "-M", "-N", "-f", s.remote(), "true")
	cmd := exec.CommandContext(ctx, "ssh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return model.NewError(model.ErrUnreachable, fmt.Sprintf("establishing ssh control master: %s", string(out)), err)
	}
	return nil
}

func (s *Session) remote() string {
	if s.User != "" {
		return s.User + "@" + s.Host
	}
	return s.Host
}

// baseArgs builds the connection-level ssh options shared by the
// ControlMaster start and every subsequent Exec over it. Authentication
// family selection happens here: BatchMode=yes disables any interactive
// prompting, including a password prompt, so it is only set when the
// session has no password fallback to preserve; otherwise
// PreferredAuthentications is widened to allow the password family and
// BatchMode is left unset so ssh can actually prompt. Setting both
// PreferredAuthentications=publickey,password and BatchMode=yes at once
// would make the password family unreachable regardless of
// PreferredAuthentications, so the two always flip together.
func (s *Session) baseArgs() []string {
	args := []string{
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + s.ControlPath,
		"-o", "ControlPersist=" + strconv.Itoa(s.PersistSecs) + "s",
	}
	if s.PasswordOK {
		args = append(args, "-o", "PreferredAuthentications=publickey,password")
	} else {
		args = append(args, "-o", "BatchMode=yes", "-o", "PreferredAuthentications=publickey")
	}
	if s.Port != 0 {
		args = append(args, "-p", strconv.Itoa(s.Port))
	}
	if s.IdentityFile != "" {
		args = append(args, "-i", s.IdentityFile)
	}
	return args
}

// ExecArgs builds the argv for a non-interactive remote command over this
// session's control socket, suppressing PTY allocation (-T) by default so
// a data channel never collides with an elevation password prompt on the
// control channel; allocatePTY opts back in for the one command that
// itself needs to prompt interactively.
func (s *Session) ExecArgs(remoteCommand string, allocatePTY bool) []string {
	args := append([]string{}, s.baseArgs()...)
	if allocatePTY {
		args = append(args, "-t")
	} else {
		args = append(args, "-T")
	}
	args = append(args, s.remote(), remoteCommand)
	return args
}

// HasTerminal reports whether stdin is an interactive terminal, gating
// whether an elevation-password prompt can be attempted at all.
func HasTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// CacheSecret stores the elevation secret for this manager's lifetime,
// write-once: subsequent calls are no-ops once a secret is already cached.
func (m *Manager) CacheSecret(secret string) {
	m.secretMu.Lock()
	defer m.secretMu.Unlock()
	if m.secret == nil {
		m.secret = &secret
	}
}

// Secret returns the cached elevation secret, if any.
func (m *Manager) Secret() (string, bool) {
	m.secretMu.Lock()
	defer m.secretMu.Unlock()
	if m.secret == nil {
		return "", false
	}
	return *m.secret, true
}

// Zero clears the cached secret.
func (m *Manager) Zero() {
	m.secretMu.Lock()
	defer m.secretMu.Unlock()
	m.secret = nil
}

// ResolveElevationSecret resolves an elevation secret in order: environment
// variable, previously-cached value, interactive terminal prompt (only if
// attached). Returns AuthUnavailable if none are available.
func (m *Manager) ResolveElevationSecret(envVar string, prompt func() (string, error)) (string, error) {
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			m.CacheSecret(v)
			return v, nil
		}
	}
	if v, ok := m.Secret(); ok {
		return v, nil
	}
	if HasTerminal() && prompt != nil {
		v, err := prompt()
		if err != nil {
			return "", model.NewError(model.ErrAuthUnavailable, "reading elevation secret from terminal", err)
		}
		m.CacheSecret(v)
		return v, nil
	}
	return "", model.NewError(model.ErrAuthUnavailable, "no elevation secret available and no terminal attached", nil)
}
