package transport

import (
	"context"
	"errors"
	"io"
	"os/exec"

	"btrsync/internal/model"
)

// LocalTransport executes commands directly on the local host.
type LocalTransport struct{}

// NewLocal returns a LocalTransport.
func NewLocal() *LocalTransport { return &LocalTransport{} }

func (t *LocalTransport) Exec(ctx context.Context, argv []string, stdin io.Reader, stdout, stderr io.Writer) (ExitStatus, error) {
	if len(argv) == 0 {
		return ExitStatus{}, model.NewError(model.ErrProtocol, "empty argv", nil)
	}

	cmd, err := lookupWithPathFallback(ctx, argv)
	if err != nil {
		return ExitStatus{}, model.NewError(model.ErrRemoteBinary, "binary not found: "+argv[0], err)
	}
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	status := statusFromError(runErr)
	if runErr != nil && !isExitError(runErr) {
		return status, model.NewError(model.ErrIO, "running "+argv[0], runErr)
	}
	return status, nil
}

func (t *LocalTransport) Close() error { return nil }

// lookupWithPathFallback retries binary resolution against a conservative
// fallback PATH if exec.LookPath fails to resolve argv[0] directly, since
// some minimal container images run with a sparse PATH.
func lookupWithPathFallback(ctx context.Context, argv []string) (*exec.Cmd, error) {
	if _, err := exec.LookPath(argv[0]); err == nil {
		return exec.CommandContext(ctx, argv[0], argv[1:]...), nil
	}

	const fallbackPath = "/usr/sbin:/usr/bin:/sbin:/bin"
	resolved, err := exec.LookPath(fallbackPath + "/" + argv[0])
	if err != nil {
		for _, dir := range []string{"/usr/sbin", "/usr/bin", "/sbin", "/bin"} {
			candidate := dir + "/" + argv[0]
			if _, statErr := exec.LookPath(candidate); statErr == nil {
				resolved = candidate
				err = nil
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return exec.CommandContext(ctx, resolved, argv[1:]...), nil
}

func isExitError(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee)
}

func statusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ee.ProcessState != nil {
			if ws, ok := ee.Sys().(interface{ Signaled() bool }); ok && ws.Signaled() {
				return ExitStatus{Code: -1, Signal: ee.ProcessState.String()}
			}
		}
		return ExitStatus{Code: ee.ExitCode()}
	}
	return ExitStatus{Code: -1, Signal: err.Error()}
}
