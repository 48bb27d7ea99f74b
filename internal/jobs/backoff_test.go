package jobs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 30 * time.Second},
		{attempt: 1, want: 30 * time.Second},
		{attempt: 2, want: time.Minute},
		{attempt: 3, want: 2 * time.Minute},
		{attempt: 5, want: 8 * time.Minute},
		{attempt: 8, want: time.Hour},
		{attempt: 64, want: time.Hour},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("attempt_%d", tc.attempt), func(t *testing.T) {
			require.Equal(t, tc.want, Backoff(tc.attempt, 30*time.Second))
		})
	}
}

func TestPermanentErrorsAreDetectedThroughWrapping(t *testing.T) {
	base := errors.New("bad payload")
	wrapped := fmt.Errorf("handle sync: %w", Permanent(base))

	require.True(t, IsPermanent(wrapped))
	require.ErrorIs(t, wrapped, base)
	require.False(t, IsPermanent(base))
	require.Nil(t, Permanent(nil))
}

func TestEncodePayloadDefaultsToEmptyObject(t *testing.T) {
	body, err := encodePayload(nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(body))

	body, err = encodePayload(map[string]string{"userId": "u-1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"userId":"u-1"}`, string(body))
}

func TestParseScheduleRejectsInvalidExpressions(t *testing.T) {
	sched, err := ParseSchedule("0 2 * * *")
	require.NoError(t, err)

	from := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, time.March, 2, 2, 0, 0, 0, time.UTC), sched.Next(from))

	_, err = ParseSchedule("every day")
	require.Error(t, err)
}
