package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsTimeOrderedUUID(t *testing.T) {
	a, b := New(), New()
	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, a[:8], b[:8])
}

func TestTokenIsRandomAndURLSafe(t *testing.T) {
	a, err := Token()
	require.NoError(t, err)
	b, err := Token()
	require.NoError(t, err)
	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "+")
	assert.NotContains(t, a, "/")
}
