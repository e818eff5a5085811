package compress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"btrsync/internal/model"
)

func TestAvailableNoneAlwaysOK(t *testing.T) {
	assert.NoError(t, Available(model.CompressNone))
	assert.NoError(t, Available(""))
}

func TestAvailableUnknownKind(t *testing.T) {
	err := Available(model.CompressKind("made-up"))
	assert.Error(t, err)
	merr, ok := err.(*model.Error)
	assert.True(t, ok)
	assert.Equal(t, model.ErrCompressorMiss, merr.Kind)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "", Extension(model.CompressNone))
	assert.Equal(t, ".zst", Extension(model.CompressZstd))
	assert.Equal(t, ".gz", Extension(model.CompressGzip))
	assert.Equal(t, ".gz", Extension(model.CompressPigz))
	assert.Equal(t, ".xz", Extension(model.CompressXz))
}
