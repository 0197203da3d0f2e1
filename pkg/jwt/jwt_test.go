package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	m := NewManager("0123456789abcdef0123456789abcdef", time.Hour)

	token, err := m.Generate("alice", "phone-1")
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "phone-1", claims.DeviceID)
	assert.Equal(t, "cipherchat", claims.Issuer)
}

func TestValidateRejectsTampering(t *testing.T) {
	m := NewManager("0123456789abcdef0123456789abcdef", time.Hour)
	other := NewManager("ffffffffffffffffffffffffffffffff", time.Hour)

	token, err := other.Generate("alice", "")
	require.NoError(t, err)

	_, err = m.Validate(token)
	assert.Error(t, err)

	_, err = m.Validate(token + "x")
	assert.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	m := NewManager("0123456789abcdef0123456789abcdef", -time.Minute)

	token, err := m.Generate("alice", "")
	require.NoError(t, err)

	_, err = m.Validate(token)
	assert.Error(t, err)
}
