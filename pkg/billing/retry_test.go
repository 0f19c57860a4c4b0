package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transient(msg string) error {
	return &ProviderError{Provider: "test", Op: "op", Kind: KindTransient, Err: errors.New(msg)}
}

func permanent(msg string) error {
	return &ProviderError{Provider: "test", Op: "op", Kind: KindPermanent, StatusCode: 400, Err: errors.New(msg)}
}

type recordingSleep struct {
	waits []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
}

func TestRetryPolicy_RetriesTransientUntilBudget(t *testing.T) {
	rec := &recordingSleep{}
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: rec.sleep}

	calls := 0
	var retried []int
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return transient("503")
	}, func(attempt int, _ error) { retried = append(retried, attempt) })

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)
}

func TestRetryPolicy_SucceedsAfterTransient(t *testing.T) {
	rec := &recordingSleep{}
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: rec.sleep}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return transient("connection reset")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, rec.waits, 1)
}

func TestRetryPolicy_PermanentIsNotRetried(t *testing.T) {
	rec := &recordingSleep{}
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: rec.sleep}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent("no such meter")
	}, nil)

	assert.ErrorIs(t, err, ErrProviderPermanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.waits)
}

func TestRetryPolicy_UnclassifiedErrorIsNotRetried(t *testing.T) {
	p := RetryPolicy{Sleep: (&recordingSleep{}).sleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("plain")
	}, nil)
	assert.EqualError(t, err, "plain")
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}
	calls := 0
	start := time.Now()
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return transient("timeout")
	}, nil)

	assert.True(t, IsTransient(err))
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestProviderError_Is(t *testing.T) {
	err := transient("x")
	assert.ErrorIs(t, err, ErrProviderTransient)
	assert.NotErrorIs(t, err, ErrProviderPermanent)

	wrapped := errors.Join(errors.New("context"), permanent("y"))
	assert.ErrorIs(t, wrapped, ErrProviderPermanent)
	assert.False(t, IsTransient(wrapped))

	pe := permanent("bad request")
	assert.Contains(t, pe.Error(), "status 400")
	assert.Contains(t, transient("down").Error(), "transient error")
}
