package appErrors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("schedule batch: %w", NewValidation("recipients", "must not be empty"))
	require.True(t, IsValidation(err))
	require.False(t, IsNotFound(err))
	require.Equal(t, "schedule batch: validation failed: recipients: must not be empty", err.Error())

	nf := fmt.Errorf("load: %w", NewNotFound("email", 7))
	require.True(t, IsNotFound(nf))
	require.Contains(t, nf.Error(), "email with ID 7 not found")

	require.True(t, IsUnauthorized(NewUnauthorized("missing X-User-ID")))
}

func TestMessages(t *testing.T) {
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	require.Equal(t, "rate limit reached for a@example.com, next window at 2026-03-01T11:00:00Z",
		NewRateLimited("a@example.com", at).Error())
	require.Equal(t, "retries exhausted after 3 attempts: connection reset",
		NewRetriesExhausted(3, "connection reset").Error())
	require.Equal(t, "permanent send failure: 550 no such user", NewPermanentSend("550 no such user").Error())
	require.Equal(t, "transient send failure: timeout", NewTransientSend("timeout").Error())
}
