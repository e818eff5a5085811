// Package compress wraps the external compressor binaries named by the
// configuration enum (none/gzip/zstd/lz4/pigz/lzop/bzip2/xz) as subprocess
// stages of the transfer pipeline, shelling out to the system's compression
// tool rather than linking a codec library.
package compress

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"btrsync/internal/model"
)

// binaryFor maps a CompressKind to the external tool invoked, and the flag
// that makes it operate as a streaming filter (stdin -> stdout).
var binaryFor = map[model.CompressKind][]string{
	model.CompressGzip:  {"gzip", "-c"},
	model.CompressZstd:  {"zstd", "-c"},
	model.CompressLz4:   {"lz4", "-c"},
	model.CompressPigz:  {"pigz", "-c"},
	model.CompressLzop:  {"lzop", "-c"},
	model.CompressBzip2: {"bzip2", "-c"},
	model.CompressXz:    {"xz", "-c"},
}

var decompressFlagFor = map[model.CompressKind][]string{
	model.CompressGzip:  {"gzip", "-dc"},
	model.CompressZstd:  {"zstd", "-dc"},
	model.CompressLz4:   {"lz4", "-dc"},
	model.CompressPigz:  {"pigz", "-dc"},
	model.CompressLzop:  {"lzop", "-dc"},
	model.CompressBzip2: {"bzip2", "-dc"},
	model.CompressXz:    {"xz", "-dc"},
}

// Extension returns the file-extension suffix for a raw endpoint's on-disk
// filename.
func Extension(kind model.CompressKind) string {
	switch kind {
	case model.CompressNone, "":
		return ""
	case model.CompressGzip, model.CompressPigz:
		return ".gz"
	case model.CompressZstd:
		return ".zst"
	case model.CompressLz4:
		return ".lz4"
	case model.CompressLzop:
		return ".lzo"
	case model.CompressBzip2:
		return ".bz2"
	case model.CompressXz:
		return ".xz"
	default:
		return ""
	}
}

// Available checks whether the external tool for kind exists on PATH,
// returning a CompressorUnavailable error if not.
func Available(kind model.CompressKind) error {
	if kind == model.CompressNone || kind == "" {
		return nil
	}
	argv, ok := binaryFor[kind]
	if !ok {
		return model.NewError(model.ErrCompressorMiss, fmt.Sprintf("unknown compressor %q", kind), nil)
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return model.NewError(model.ErrCompressorMiss, fmt.Sprintf("compressor binary %q not found on PATH", argv[0]), err)
	}
	return nil
}

// Stage is a running compressor/decompressor subprocess wired as a streaming
// filter: its stdin is fed from the reader passed to StartCompress or
// StartDecompress (those leave the Stdin field nil); Stdout is read from
// until EOF. Wait must be called after Stdout is drained to reap the
// subprocess and observe its exit status.
type Stage struct {
	cmd    *exec.Cmd
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	stderr *limitedBuffer
}

// StartCompress spawns the compressor for kind, piping r into its stdin in a
// background goroutine and returning its stdout as the Stage's output
// stream.
func StartCompress(ctx context.Context, kind model.CompressKind, r io.Reader) (*Stage, error) {
	return start(ctx, binaryFor, kind, r)
}

// StartDecompress spawns the decompressor for kind.
func StartDecompress(ctx context.Context, kind model.CompressKind, r io.Reader) (*Stage, error) {
	return start(ctx, decompressFlagFor, kind, r)
}

func start(ctx context.Context, table map[model.CompressKind][]string, kind model.CompressKind, r io.Reader) (*Stage, error) {
	argv, ok := table[kind]
	if !ok {
		return nil, model.NewError(model.ErrCompressorMiss, fmt.Sprintf("unknown compressor %q", kind), nil)
	}
	if err := Available(kind); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = r
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("wiring compressor stdout: %w", err)
	}
	stderr := newLimitedBuffer(4096)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, model.NewError(model.ErrCompressorMiss, "starting compressor subprocess", err)
	}

	return &Stage{cmd: cmd, Stdout: stdout, stderr: stderr}, nil
}

// Wait blocks until the subprocess exits and returns an error (carrying
// captured stderr) on nonzero exit or signal termination.
func (s *Stage) Wait() error {
	err := s.cmd.Wait()
	if err != nil {
		return model.NewError(model.ErrSendFailed, fmt.Sprintf("compressor exited: %v: %s", err, s.stderr.String()), err)
	}
	return nil
}
