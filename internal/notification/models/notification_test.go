package models

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestNew(t *testing.T) {
	t.Run("approval requires artifact", func(t *testing.T) {
		_, err := New(KindApplicationApproved, id.NewApplicationID(), "SS-IMM-1-001", "a@example.org", "", nil, testNow)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("starts pending and due", func(t *testing.T) {
		n, err := New(KindApplicationReceived, id.NewApplicationID(), "SS-IMM-1-001", "a@example.org", "", map[string]string{"k": "v"}, testNow)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, n.Status)
		assert.True(t, n.IsDue(testNow))
		assert.False(t, n.IsDue(testNow.Add(-time.Second)))
	})
}

func TestMarkAttemptFailed(t *testing.T) {
	n, err := New(KindApplicationRejected, id.NewApplicationID(), "SS-IMM-1-001", "a@example.org", "", nil, testNow)
	require.NoError(t, err)

	n.Attempts = 1
	failed := n.MarkAttemptFailed(errors.New("broker down"), testNow, 3, time.Second)
	assert.False(t, failed)
	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, testNow.Add(time.Second), n.NextAttemptAt)
	assert.Equal(t, "broker down", n.LastError)

	n.Attempts = 2
	n.MarkAttemptFailed(errors.New("broker down"), testNow, 3, time.Second)
	assert.Equal(t, testNow.Add(2*time.Second), n.NextAttemptAt)

	n.Attempts = 3
	failed = n.MarkAttemptFailed(errors.New(strings.Repeat("x", 5000)), testNow, 3, time.Second)
	assert.True(t, failed)
	assert.Equal(t, StatusFailed, n.Status)
	assert.Len(t, n.LastError, maxErrorLength)
}

func TestMarkAttemptFailedKeepsValidUTF8(t *testing.T) {
	n, err := New(KindApplicationReceived, id.NewApplicationID(), "SS-IMM-1-001", "a@example.org", "", nil, testNow)
	require.NoError(t, err)

	// Three-byte runes put the byte limit in the middle of a rune.
	cause := errors.New(strings.Repeat("€", maxErrorLength))
	require.False(t, utf8.RuneStart(cause.Error()[maxErrorLength]))
	n.MarkAttemptFailed(cause, testNow, 3, time.Second)

	assert.True(t, utf8.ValidString(n.LastError))
	assert.LessOrEqual(t, len(n.LastError), maxErrorLength)
	assert.Greater(t, len(n.LastError), maxErrorLength-utf8.UTFMax)
	assert.True(t, strings.HasPrefix(cause.Error(), n.LastError))
}

func TestRetry(t *testing.T) {
	n, err := New(KindApplicationReceived, id.NewApplicationID(), "SS-IMM-1-001", "a@example.org", "", nil, testNow)
	require.NoError(t, err)

	assert.True(t, dErrors.HasCode(n.CanRetry(), dErrors.CodeInvalidState))

	n.Status = StatusFailed
	n.Attempts = 5
	require.NoError(t, n.CanRetry())
	later := testNow.Add(time.Hour)
	n.ResetForRetry(later)
	assert.Equal(t, StatusPending, n.Status)
	assert.Zero(t, n.Attempts)
	assert.True(t, n.IsDue(later))
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(time.Second, 0))
	assert.Equal(t, time.Second, Backoff(time.Second, 1))
	assert.Equal(t, 4*time.Second, Backoff(time.Second, 3))
	assert.Equal(t, time.Hour, Backoff(time.Minute, 20))
	assert.Equal(t, time.Second, Backoff(0, 1))
}
