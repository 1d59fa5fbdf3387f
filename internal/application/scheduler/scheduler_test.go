package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/mitate/internal/application/scheduler"
	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sweep struct {
	calls atomic.Int32
	err   error
}

func (s *sweep) CloseExpired(context.Context) (int, error) {
	s.calls.Add(1)
	return 1, s.err
}

func (s *sweep) FinalizeResolved(context.Context) (int, error) {
	s.calls.Add(1)
	return 0, s.err
}

func TestNew_InvalidSpec(t *testing.T) {
	_, err := scheduler.New(scheduler.Config{CloseSpec: "every tuesday"}, &sweep{}, &sweep{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = scheduler.New(scheduler.Config{FinalizeSpec: "* * *"}, &sweep{}, &sweep{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRunOnce(t *testing.T) {
	closer, finalizer := &sweep{}, &sweep{err: errors.New("db locked")}
	s, err := scheduler.New(scheduler.Config{}, closer, finalizer)
	require.NoError(t, err)

	err = s.RunOnce(context.Background())
	assert.ErrorContains(t, err, "db locked")
	assert.Equal(t, int32(1), closer.calls.Load())
	assert.Equal(t, int32(1), finalizer.calls.Load(), "finalize runs even if close failed")
}

func TestStart_FiresJobs(t *testing.T) {
	closer, finalizer := &sweep{}, &sweep{}
	s, err := scheduler.New(scheduler.Config{CloseSpec: "* * * * * *", FinalizeSpec: "@every 1s"}, closer, finalizer)
	require.NoError(t, err)

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return closer.calls.Load() > 0 && finalizer.calls.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)
	s.Stop()
}
