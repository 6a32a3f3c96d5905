package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsFirstTry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}

	calls := 0
	err := p.Do("op", func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}

	calls := 0
	err := p.Do("op", func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsBudgetAndWrapsLastError(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	boom := errors.New("element went stale")

	calls := 0
	err := p.Do("submit", func() error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "submit failed after 3 attempts")
}

func TestRetryClassifierStopsEarly(t *testing.T) {
	fatal := errors.New("not worth retrying")
	p := RetryPolicy{
		MaxAttempts: 5,
		Classify:    func(err error) bool { return !errors.Is(err, fatal) },
	}

	calls := 0
	err := p.Do("op", func() error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetryZeroAttemptsStillRunsOnce(t *testing.T) {
	p := RetryPolicy{}

	calls := 0
	err := p.Do("op", func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
