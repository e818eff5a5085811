// Package encrypt implements the raw-endpoint encryption stage: a
// {none,gpg,openssl} enum driving external binaries, plus a supplemental
// "age" kind backed by filippo.io/age as an in-process streaming pipeline
// stage rather than a subprocess.
package encrypt

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"btrsync/internal/model"
)

// Stage is a running encryption/decryption transform, shaped like
// compress.Stage so the transfer pipeline can compose either uniformly:
// Stdout yields the transformed bytes; Wait reaps the stage and surfaces any
// failure.
type Stage struct {
	Stdout io.ReadCloser
	wait   func() error
}

func (s *Stage) Wait() error { return s.wait() }

// Extension returns the raw-file suffix for a given encryption kind.
func Extension(kind model.EncryptKind) string {
	switch kind {
	case model.EncryptGPG:
		return ".gpg"
	case model.EncryptOpenSSL:
		return ".enc"
	case model.EncryptAge:
		return ".age"
	default:
		return ""
	}
}

// Available checks that the external tool (gpg/openssl) backing kind exists
// on PATH; age needs no external tool since it is an in-process library.
func Available(kind model.EncryptKind) error {
	switch kind {
	case model.EncryptNone, "", model.EncryptAge:
		return nil
	case model.EncryptGPG:
		return lookPath("gpg")
	case model.EncryptOpenSSL:
		return lookPath("openssl")
	default:
		return model.NewError(model.ErrCompressorMiss, fmt.Sprintf("unknown encryption kind %q", kind), nil)
	}
}

func lookPath(bin string) error {
	if _, err := exec.LookPath(bin); err != nil {
		return model.NewError(model.ErrCompressorMiss, fmt.Sprintf("encryption tool %q not found on PATH", bin), err)
	}
	return nil
}

// StartEncrypt spawns (or, for age, runs in-process) the encryption
// transform for kind, reading plaintext from r and yielding ciphertext on
// the returned Stage's Stdout.
func StartEncrypt(ctx context.Context, kind model.EncryptKind, r io.Reader, opts Options) (*Stage, error) {
	switch kind {
	case model.EncryptNone, "":
		return passthrough(r), nil
	case model.EncryptGPG:
		return startSubprocess(ctx, r, "gpg", gpgEncryptArgs(opts)...)
	case model.EncryptOpenSSL:
		return startSubprocess(ctx, r, "openssl", openSSLArgs(true, opts)...)
	case model.EncryptAge:
		return startAgeEncrypt(r, opts)
	default:
		return nil, model.NewError(model.ErrCompressorMiss, fmt.Sprintf("unknown encryption kind %q", kind), nil)
	}
}

// StartDecrypt is the inverse of StartEncrypt.
func StartDecrypt(ctx context.Context, kind model.EncryptKind, r io.Reader, opts Options) (*Stage, error) {
	switch kind {
	case model.EncryptNone, "":
		return passthrough(r), nil
	case model.EncryptGPG:
		return startSubprocess(ctx, r, "gpg", gpgDecryptArgs(opts)...)
	case model.EncryptOpenSSL:
		return startSubprocess(ctx, r, "openssl", openSSLArgs(false, opts)...)
	case model.EncryptAge:
		return startAgeDecrypt(r, opts)
	default:
		return nil, model.NewError(model.ErrCompressorMiss, fmt.Sprintf("unknown encryption kind %q", kind), nil)
	}
}

// Options carries the per-kind configuration the pipeline resolves from the
// destination config before invoking Start{En,De}crypt.
type Options struct {
	GPGRecipient   string
	AgeRecipient   string // public key string, age kind only
	AgeIdentityPEM string // private key material, age kind only (decrypt)
	PassphraseEnv  string // env var name holding an openssl/age-scrypt passphrase
}

func passthrough(r io.Reader) *Stage {
	rc := io.NopCloser(r)
	return &Stage{Stdout: rc, wait: func() error { return nil }}
}

func gpgEncryptArgs(opts Options) []string {
	args := []string{"--batch", "--yes", "-e"}
	if opts.GPGRecipient != "" {
		args = append(args, "-r", opts.GPGRecipient)
	}
	return args
}

func gpgDecryptArgs(opts Options) []string {
	return []string{"--batch", "--yes", "-d"}
}

func openSSLArgs(encrypting bool, opts Options) []string {
	args := []string{"enc", "-aes-256-cbc", "-pbkdf2"}
	if encrypting {
		args = append(args, "-e")
	} else {
		args = append(args, "-d")
	}
	if opts.PassphraseEnv != "" {
		args = append(args, "-pass", "env:"+opts.PassphraseEnv)
	}
	return args
}

func startSubprocess(ctx context.Context, r io.Reader, bin string, args ...string) (*Stage, error) {
	if err := lookPath(bin); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = r
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("wiring %s stdout: %w", bin, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, model.NewError(model.ErrCompressorMiss, fmt.Sprintf("starting %s", bin), err)
	}
	return &Stage{
		Stdout: stdout,
		wait: func() error {
			if err := cmd.Wait(); err != nil {
				return model.NewError(model.ErrSendFailed, fmt.Sprintf("%s exited: %v", bin, err), err)
			}
			return nil
		},
	}, nil
}
