//go:build !windows

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, s *Supervisor, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for supervisor event")
		return Event{}
	}
}

func TestStart_SingleHandlePerID(t *testing.T) {
	s := New(time.Second, nil)
	ctx := context.Background()

	h, err := s.Start(ctx, "c1", "sleep", "30")
	require.NoError(t, err)
	require.True(t, h.Alive())

	_, err = s.Start(ctx, "c1", "sleep", "30")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, s.Stop(ctx, "c1"))
	assert.False(t, h.Alive())
}

func TestStart_BinaryMissing(t *testing.T) {
	s := New(time.Second, nil)

	_, err := s.Start(context.Background(), "c1", "definitely-not-a-real-binary-xyz")
	assert.Error(t, err)

	_, ok := s.Get("c1")
	assert.False(t, ok)
}

func TestStop_Graceful(t *testing.T) {
	s := New(2*time.Second, nil)
	ctx := context.Background()

	h, err := s.Start(ctx, "c1", "sleep", "30")
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop(ctx, "c1"))
	assert.Less(t, time.Since(start), 2*time.Second, "sleep should die on SIGTERM before the grace period")

	code, done := h.ExitCode()
	assert.True(t, done)
	assert.NotEqual(t, 0, code)

	// A requested stop must not produce an unexpected-exit event.
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event after requested stop: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStop_ForceKillAfterGrace(t *testing.T) {
	s := New(300*time.Millisecond, nil)
	ctx := context.Background()

	// The child ignores SIGTERM, forcing the kill escalation.
	_, err := s.Start(ctx, "c1", "sh", "-c", `trap "" TERM; sleep 30`)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Stop(ctx, "c1"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestStop_NotRunning(t *testing.T) {
	s := New(time.Second, nil)

	err := s.Stop(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestUnexpectedExit_EmitsEvent(t *testing.T) {
	s := New(time.Second, nil)

	h, err := s.Start(context.Background(), "c1", "sh", "-c", "exit 7")
	require.NoError(t, err)

	ev := waitEvent(t, s, 5*time.Second)
	assert.Equal(t, "c1", ev.ID)
	assert.Equal(t, 7, ev.ExitCode)
	assert.Equal(t, h.PID(), ev.PID)

	code, done := h.ExitCode()
	assert.True(t, done)
	assert.Equal(t, 7, code)
}

func TestOutputTail_Captured(t *testing.T) {
	s := New(time.Second, nil)

	h, err := s.Start(context.Background(), "sh", "sh", "-c", "echo hello; echo world >&2")
	require.NoError(t, err)

	<-h.Done()
	tail := h.OutputTail()
	assert.Contains(t, tail, "hello")
	assert.Contains(t, tail, "world")
}

func TestStart_ReusableAfterExit(t *testing.T) {
	s := New(time.Second, nil)
	ctx := context.Background()

	h, err := s.Start(ctx, "c1", "sh", "-c", "exit 0")
	require.NoError(t, err)
	<-h.Done()

	// Drain the exit event so later assertions start clean.
	select {
	case <-s.Events():
	case <-time.After(time.Second):
	}

	h2, err := s.Start(ctx, "c1", "sleep", "30")
	require.NoError(t, err)
	require.NoError(t, s.Stop(ctx, "c1"))
	assert.False(t, h2.Alive())
}

func TestRunning_ListsLiveProcesses(t *testing.T) {
	s := New(time.Second, nil)
	ctx := context.Background()

	_, err := s.Start(ctx, "a", "sleep", "30")
	require.NoError(t, err)
	_, err = s.Start(ctx, "b", "sleep", "30")
	require.NoError(t, err)

	ids := s.Running()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, s.StopAll(ctx))
	assert.Empty(t, s.Running())
}

func TestHandle_StopRequestedFlag(t *testing.T) {
	s := New(time.Second, nil)
	ctx := context.Background()

	h, err := s.Start(ctx, "c1", "sleep", "30")
	require.NoError(t, err)
	assert.False(t, h.StopRequested())

	require.NoError(t, s.Stop(ctx, "c1"))
	assert.True(t, h.StopRequested())
}

func TestLineTail_KeepsLastLines(t *testing.T) {
	tail := newLineTail(3, nil)

	for _, line := range []string{"one\n", "two\n", "three\n", "four\n"} {
		_, err := tail.Write([]byte(line))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"two", "three", "four"}, tail.Lines())
}

func TestLineTail_PartialWrites(t *testing.T) {
	tail := newLineTail(10, nil)

	tail.Write([]byte("hel"))
	tail.Write([]byte("lo\nwor"))
	tail.Write([]byte("ld\n"))

	assert.Equal(t, []string{"hello", "world"}, tail.Lines())
}
