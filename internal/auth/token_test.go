package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTokenIsUniqueHex(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestHashAndVerify(t *testing.T) {
	token, err := GenerateToken()
	require.NoError(t, err)

	hash, err := HashToken(token)
	require.NoError(t, err)
	assert.NotContains(t, string(hash), token)

	assert.True(t, VerifyToken(hash, token))
	assert.False(t, VerifyToken(hash, token+"x"))
	assert.False(t, VerifyToken(hash, ""))
	assert.False(t, VerifyToken(nil, token))
}
