// Package ratelimit implements the transfer pipeline's throttle stage: a
// token-bucket limiter on wall-clock time wrapped around an io.Reader, so
// a slow consumer downstream naturally back-pressures the producer
// instead of the limiter buffering unboundedly.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// copyBufferSize is the smallest burst the limiter is given, so a single
// Read of up to 64 KiB can be absorbed in one burst.
const copyBufferSize = 64 * 1024

// Reader wraps an io.Reader, limiting the rate at which bytes may be read
// from it to bytesPerSec.
type Reader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewReader returns a rate-limited wrapper around r. bytesPerSec <= 0 means
// unlimited, in which case r is returned unwrapped (no limiter allocated).
func NewReader(ctx context.Context, r io.Reader, bytesPerSec int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}
	// Burst must be able to absorb the largest single Read a caller
	// performs (at least copyBufferSize); sizing it off the
	// configured rate as well keeps low rate limits from stalling on an
	// oversized burst requirement.
	burst := int(bytesPerSec)
	if burst < copyBufferSize {
		burst = copyBufferSize
	}
	return &Reader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

func (lr *Reader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if n > 0 {
		if werr := lr.limiter.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
