package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleSubvolumeShow = `/mnt/data/snapshots/home-20260802-134500
	Name: 			home-20260802-134500
	UUID: 			d1f6f6e0-1111-4a3a-9c3b-0123456789ab
	Parent UUID: 		-
	Received UUID: 	-
	Creation time: 	2026-08-02 13:45:00 +0000
	Flags: 			readonly
`

func TestParseSubvolumeShowExtractsFields(t *testing.T) {
	info := parseSubvolumeShow(sampleSubvolumeShow)
	assert.Equal(t, "d1f6f6e0-1111-4a3a-9c3b-0123456789ab", info.UUID)
	assert.Equal(t, "", info.ParentUUID)
	assert.Equal(t, "", info.ReceivedUUID)
	assert.True(t, info.ReadOnly)
}

func TestParseSubvolumeShowPopulatesReceivedAndParentUUID(t *testing.T) {
	text := `/mnt/backup/home-20260802-134500
	UUID: 			22222222-2222-4a3a-9c3b-0123456789ab
	Parent UUID: 		11111111-1111-4a3a-9c3b-0123456789ab
	Received UUID: 	d1f6f6e0-1111-4a3a-9c3b-0123456789ab
	Flags: 			readonly
`
	info := parseSubvolumeShow(text)
	assert.Equal(t, "22222222-2222-4a3a-9c3b-0123456789ab", info.UUID)
	assert.Equal(t, "11111111-1111-4a3a-9c3b-0123456789ab", info.ParentUUID)
	assert.Equal(t, "d1f6f6e0-1111-4a3a-9c3b-0123456789ab", info.ReceivedUUID)
	assert.True(t, info.ReadOnly)
}

func TestFieldValueTrimsKeyAndWhitespace(t *testing.T) {
	assert.Equal(t, "abc", fieldValue("UUID: \tabc"))
	assert.Equal(t, "", fieldValue("not a key value line"))
}
