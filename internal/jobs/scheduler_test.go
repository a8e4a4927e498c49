package jobs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(buf *bytes.Buffer) *Scheduler {
	return NewScheduler(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func TestAddRejectsInvalidSchedule(t *testing.T) {
	s := newTestScheduler(&bytes.Buffer{})

	err := s.Add("not a schedule", "purge", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purge")

	require.Error(t, s.Add("@every 1h", "nil", nil))
	require.NoError(t, s.Add("@every 1h", "purge", func(context.Context) error { return nil }))
}

func TestRunLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	s := newTestScheduler(&buf)

	s.run("purge", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "job context should carry a deadline")
		return errors.New("db down")
	})

	assert.Contains(t, buf.String(), `"msg":"job failed"`)
	assert.Contains(t, buf.String(), `"job":"purge"`)
	assert.Contains(t, buf.String(), "db down")
}

func TestScheduledJobRuns(t *testing.T) {
	s := newTestScheduler(&bytes.Buffer{})
	var runs atomic.Int32
	require.NoError(t, s.Add("@every 1s", "tick", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
