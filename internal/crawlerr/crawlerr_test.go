package crawlerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesKindAndCause(t *testing.T) {
	cause := errors.New("socket reset")
	err := Wrap(KindNetwork, SeverityHigh, "write failed", cause)

	require.Error(t, err)
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.Equal(t, SeverityHigh, SeverityOf(err))
	assert.True(t, errors.Is(err, cause))
}

func TestKindOfDefaultsToInternalForPlainErrors(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, SeverityMedium, SeverityOf(err))
}

func TestIsKind(t *testing.T) {
	err := New(KindTimeout, SeverityLow, "deadline exceeded")
	assert.True(t, IsKind(err, KindTimeout))
	assert.False(t, IsKind(err, KindNetwork))
}
