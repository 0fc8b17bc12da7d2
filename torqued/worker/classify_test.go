package worker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyResponseBoundaries(t *testing.T) {
	cases := []struct {
		code int
		want Outcome
	}{
		{199, OutcomeFailed},
		{200, OutcomeCompleted},
		{201, OutcomeFailed},
		{204, OutcomeFailed},
		{301, OutcomeFailed},
		{404, OutcomeFailed},
		{499, OutcomeFailed},
		{500, OutcomeRetry},
		{502, OutcomeRetry},
		{503, OutcomeRetry},
		{599, OutcomeRetry},
		{600, OutcomeFailed},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ClassifyResponse(c.code), "status %d", c.code)
	}
}

func TestClassifyErrorIsTransient(t *testing.T) {
	outcome, reason := ClassifyError(errors.New("dial tcp: connection refused"))
	require.Equal(t, OutcomeRetry, outcome)
	require.Contains(t, reason, "connection refused")

	// Hitting the redirect cap is a transport failure, not a response.
	outcome, _ = ClassifyError(errTooManyRedirects)
	require.Equal(t, OutcomeRetry, outcome)
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "completed", OutcomeCompleted.String())
	require.Equal(t, "retry", OutcomeRetry.String())
	require.Equal(t, "failed", OutcomeFailed.String())
}
