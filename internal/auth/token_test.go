package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)
	tokens := Tokens{Secret: "secret", TTL: time.Hour, Now: func() time.Time { return now }}

	tok, exp, err := tokens.Issue(" asha@example.com ", "Asha")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), exp)

	email, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "asha@example.com", email)

	other := Tokens{Secret: "other", TTL: time.Hour, Now: tokens.Now}
	_, err = other.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)

	later := Tokens{Secret: "secret", TTL: time.Hour, Now: func() time.Time { return now.Add(2 * time.Hour) }}
	_, err = later.Verify(tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueRejectsBadInput(t *testing.T) {
	_, _, err := Tokens{TTL: time.Hour}.Issue("a@b.c", "")
	require.ErrorIs(t, err, ErrNoSecret)
	_, _, err = Tokens{Secret: "s"}.Issue("a@b.c", "")
	require.ErrorIs(t, err, ErrNonPositiveTTL)
	_, _, err = Tokens{Secret: "s", TTL: time.Minute}.Issue("  ", "")
	require.ErrorIs(t, err, ErrMissingSubject)
	_, err = Tokens{Secret: "s"}.Verify("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}
