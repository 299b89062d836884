package errdefs

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := New(CodeMissingSite, "site not found").
		WithContext("site", "Web").
		WithContext("document", "applicationhost.config").
		WithCause(os.ErrNotExist)

	assert.Equal(t,
		"ConfigError [MISSING_SITE] site not found (document=applicationhost.config, site=Web): file does not exist",
		err.Error())
}

func TestKindOfCodes(t *testing.T) {
	tests := []struct {
		code Code
		want Kind
	}{
		{CodeMissingVirtualDirectory, KindConfig},
		{CodeMissingConfig, KindStaging},
		{CodeUnsafePath, KindStaging},
		{CodeSpawnFailed, KindLaunch},
		{CodeNotManaged, KindCleanup},
		{CodeFileMissing, KindCreationFailed},
		{CodeDeleteFailed, KindDeletionFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.Kind())
		})
	}
}

func TestInspectWrappedErrors(t *testing.T) {
	base := New(CodeNotManaged, "marker missing")
	wrapped := fmt.Errorf("teardown /tmp/x: %w", base)

	assert.True(t, errors.Is(wrapped, New(CodeNotManaged, "")))
	assert.False(t, errors.Is(wrapped, New(CodeMissingSite, "")))
	assert.True(t, IsNotManaged(wrapped))
	assert.True(t, IsKind(wrapped, KindCleanup))
	assert.False(t, IsKind(wrapped, KindStaging))
	assert.Equal(t, CodeNotManaged, CodeOf(wrapped))

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.Equal(t, KindCleanup, e.Kind())
}

func TestUnwrapCause(t *testing.T) {
	err := New(CodeCopyFailed, "copy").WithCause(os.ErrPermission)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, Code(""), CodeOf(os.ErrPermission))
}
