package installerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodesAreDistinct(t *testing.T) {
	seen := make(map[int]Kind)
	for _, k := range []Kind{KindForbidden, KindResolution, KindDownload, KindBuildFailed, KindStaging} {
		code := k.ExitCode()
		assert.NotZero(t, code)
		prev, dup := seen[code]
		assert.False(t, dup, "%s shares exit code %d with %s", k, code, prev)
		seen[code] = k
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("checksum mismatch")
	err := fmt.Errorf("step 2: %w", New(KindDownload, "testball", base))

	assert.Equal(t, KindDownload, KindOf(err))
	assert.True(t, Is(err, KindDownload))
	assert.False(t, Is(err, KindForbidden))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, 5, ExitCode(err))
	assert.Contains(t, err.Error(), "download: testball: checksum mismatch")
}

func TestUnclassified(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Nil(t, New(KindStaging, "x", nil))
}
