package oauth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookcal/backend/internal/domain"
)

func TestStateSigner_RoundTrip(t *testing.T) {
	s := NewStateSigner([]byte("k"), time.Minute)
	state, err := s.Sign("host-7", domain.ProviderMicrosoft)
	require.NoError(t, err)

	host, provider, err := s.Verify(state)
	require.NoError(t, err)
	assert.Equal(t, "host-7", host)
	assert.Equal(t, domain.ProviderMicrosoft, provider)
}

func TestStateSigner_RejectsTamperedAndForeignStates(t *testing.T) {
	s := NewStateSigner([]byte("k"), time.Minute)
	state, err := s.Sign("host-7", domain.ProviderGoogle)
	require.NoError(t, err)

	payload, sig, _ := strings.Cut(state, ".")
	for _, bad := range []string{"", "nodot", payload + ".AAAA", "x" + payload + "." + sig} {
		_, _, err := s.Verify(bad)
		assert.ErrorIs(t, err, ErrInvalidState, "state %q", bad)
	}

	other := NewStateSigner([]byte("other"), time.Minute)
	_, _, err = other.Verify(state)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStateSigner_RejectsExpired(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := NewStateSigner([]byte("k"), time.Minute)
	s.now = func() time.Time { return now }

	state, err := s.Sign("host-7", domain.ProviderGoogle)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, _, err = s.Verify(state)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCipher(t *testing.T) {
	key, err := KeyFromBase64("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)
	require.True(t, c.Enabled())

	sealed, err := c.Encrypt("ya29.secret")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "ya29")
	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ya29.secret", opened)

	other, err := NewCipher([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)

	_, err = NewCipher([]byte("short"))
	assert.Error(t, err)
	_, err = KeyFromBase64("c2hvcnQ=")
	assert.Error(t, err)

	plain, err := NewCipher(nil)
	require.NoError(t, err)
	assert.False(t, plain.Enabled())
	out, err := plain.Encrypt("x")
	require.NoError(t, err)
	assert.Equal(t, "x", out)
}
