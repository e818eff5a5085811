package encrypt

import (
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"

	"btrsync/internal/model"
)

func envOrError(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", model.NewError(model.ErrAuthUnavailable, fmt.Sprintf("environment variable %s not set", name), nil)
	}
	return v, nil
}

// startAgeEncrypt streams r through an age encryption writer into a pipe,
// turning age.Encrypt's direct io.Writer call into a streaming Stage by
// running the encrypt side in a goroutine and exposing the read side of an
// io.Pipe — the same shape internal/compress uses for subprocess stages,
// so the pipeline can treat every stage identically.
func startAgeEncrypt(r io.Reader, opts Options) (*Stage, error) {
	recipient, err := resolveRecipient(opts)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)

	go func() {
		w, err := age.Encrypt(pw, recipient)
		if err != nil {
			pw.CloseWithError(err)
			errCh <- fmt.Errorf("starting age encryption: %w", err)
			return
		}
		if _, err := io.Copy(w, r); err != nil {
			pw.CloseWithError(err)
			errCh <- fmt.Errorf("age encryption: %w", err)
			return
		}
		if err := w.Close(); err != nil {
			pw.CloseWithError(err)
			errCh <- fmt.Errorf("closing age encryption stream: %w", err)
			return
		}
		errCh <- pw.Close()
	}()

	return &Stage{Stdout: pr, wait: func() error { return <-errCh }}, nil
}

// startAgeDecrypt mirrors startAgeEncrypt for the receive/restore side.
func startAgeDecrypt(r io.Reader, opts Options) (*Stage, error) {
	identities, err := resolveIdentities(opts)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	errCh := make(chan error, 1)

	go func() {
		plain, err := age.Decrypt(r, identities...)
		if err != nil {
			pw.CloseWithError(err)
			errCh <- fmt.Errorf("starting age decryption: %w", err)
			return
		}
		if _, err := io.Copy(pw, plain); err != nil {
			pw.CloseWithError(err)
			errCh <- fmt.Errorf("age decryption: %w", err)
			return
		}
		errCh <- pw.Close()
	}()

	return &Stage{Stdout: pr, wait: func() error { return <-errCh }}, nil
}

func resolveRecipient(opts Options) (age.Recipient, error) {
	if opts.PassphraseEnv != "" {
		passphrase, err := envOrError(opts.PassphraseEnv)
		if err != nil {
			return nil, err
		}
		r, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return nil, model.NewError(model.ErrAuthUnavailable, "deriving age scrypt recipient", err)
		}
		return r, nil
	}
	if opts.AgeRecipient == "" {
		return nil, model.NewError(model.ErrAuthUnavailable, "age encryption requires a recipient public key or passphrase", nil)
	}
	r, err := age.ParseX25519Recipient(opts.AgeRecipient)
	if err != nil {
		return nil, model.NewError(model.ErrAuthUnavailable, "parsing age recipient", err)
	}
	return r, nil
}

func resolveIdentities(opts Options) ([]age.Identity, error) {
	if opts.PassphraseEnv != "" {
		passphrase, err := envOrError(opts.PassphraseEnv)
		if err != nil {
			return nil, err
		}
		id, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, model.NewError(model.ErrAuthUnavailable, "deriving age scrypt identity", err)
		}
		return []age.Identity{id}, nil
	}
	if opts.AgeIdentityPEM == "" {
		return nil, model.NewError(model.ErrAuthUnavailable, "age decryption requires a private key", nil)
	}
	ids, err := age.ParseIdentities(strings.NewReader(opts.AgeIdentityPEM))
	if err != nil {
		return nil, model.NewError(model.ErrAuthUnavailable, "parsing age identity", err)
	}
	return ids, nil
}
