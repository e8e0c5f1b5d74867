package cleaner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Purge(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type mockMessages struct {
	mock.Mock
}

func (m *mockMessages) PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func fixedNow() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestRunOncePurgesCacheAndMessages(t *testing.T) {
	ctx := context.Background()
	c := new(mockCache)
	m := new(mockMessages)
	c.On("Purge", ctx).Return(int64(4), nil).Once()
	m.On("PurgeDeleted", ctx, fixedNow().Add(-48*time.Hour)).Return(int64(2), nil).Once()

	w := New(c, m, time.Hour, 48*time.Hour)
	w.now = fixedNow

	assert.NoError(t, w.RunOnce(ctx))
	c.AssertExpectations(t)
	m.AssertExpectations(t)
}

func TestRunOnceContinuesAfterCacheFailure(t *testing.T) {
	ctx := context.Background()
	c := new(mockCache)
	m := new(mockMessages)
	c.On("Purge", ctx).Return(int64(0), errors.New("database is locked")).Once()
	m.On("PurgeDeleted", ctx, mock.AnythingOfType("time.Time")).Return(int64(1), errors.New("connection reset")).Once()

	w := New(c, m, time.Hour, time.Hour)
	err := w.RunOnce(ctx)

	assert.ErrorContains(t, err, "purge cache: database is locked")
	assert.ErrorContains(t, err, "purge messages: connection reset")
	m.AssertExpectations(t)
}

func TestRunOnceSkipsMessagesWithoutRetention(t *testing.T) {
	ctx := context.Background()
	c := new(mockCache)
	m := new(mockMessages)
	c.On("Purge", ctx).Return(int64(0), nil).Once()

	w := New(c, m, time.Hour, 0)
	assert.NoError(t, w.RunOnce(ctx))
	m.AssertNotCalled(t, "PurgeDeleted", mock.Anything, mock.Anything)
}

func TestRunOnceWithoutDatabase(t *testing.T) {
	ctx := context.Background()
	c := new(mockCache)
	c.On("Purge", ctx).Return(int64(0), nil).Once()

	w := New(c, nil, time.Hour, 24*time.Hour)
	assert.NoError(t, w.RunOnce(ctx))
	c.AssertExpectations(t)
}

func TestStopEndsWorker(t *testing.T) {
	w := New(new(mockCache), nil, time.Hour, 0)
	w.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestContextCancelEndsWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(new(mockCache), nil, 0, 0)
	w.Start(ctx)
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
