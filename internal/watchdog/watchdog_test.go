package watchdog

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/controller/internal/cancel"
)

type countingCanceller struct {
	calls atomic.Int32
}

func (c *countingCanceller) Cancel() bool {
	c.calls.Add(1)
	return true
}

func waitDone(t *testing.T, w *Watchdog) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not terminate")
	}
}

func TestParentDeathCancelsTarget(t *testing.T) {
	r, wr, err := os.Pipe()
	require.NoError(t, err)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
	target := &countingCanceller{}

	w := New(r, target, logger)
	require.NoError(t, w.Start())

	// Data on the liveness stream is ignored.
	_, err = wr.Write([]byte("ping\n"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, w.ParentGone())
	assert.Zero(t, target.calls.Load())

	require.NoError(t, wr.Close())
	waitDone(t, w)

	assert.True(t, w.ParentGone())
	assert.Equal(t, int32(1), target.calls.Load())
	assert.Contains(t, logBuf.String(), "parent process gone")
}

func TestStopIsNotParentDeath(t *testing.T) {
	r, wr, err := os.Pipe()
	require.NoError(t, err)
	defer wr.Close()

	target := &countingCanceller{}
	w := New(r, target, nil)
	require.NoError(t, w.Start())

	start := time.Now()
	require.NoError(t, w.Stop())
	assert.Less(t, time.Since(start), DefaultStopTimeout)

	waitDone(t, w)
	assert.False(t, w.ParentGone())
	assert.Zero(t, target.calls.Load())

	// Idempotent.
	assert.NoError(t, w.Stop())
}

func TestStopAfterSelfTermination(t *testing.T) {
	r, wr, err := os.Pipe()
	require.NoError(t, err)

	target := &countingCanceller{}
	w := New(r, target, nil)
	require.NoError(t, w.Start())
	require.NoError(t, wr.Close())
	waitDone(t, w)

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop() }()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after the watchdog terminated")
	}
	assert.Equal(t, int32(1), target.calls.Load())
}

func TestStopBeforeStart(t *testing.T) {
	w := New(strings.NewReader(""), &countingCanceller{}, nil)
	assert.NoError(t, w.Stop())
}

func TestStartTwice(t *testing.T) {
	r, wr, err := os.Pipe()
	require.NoError(t, err)
	defer wr.Close()

	w := New(r, &countingCanceller{}, nil)
	require.NoError(t, w.Start())
	assert.ErrorIs(t, w.Start(), ErrAlreadyStarted)
	require.NoError(t, w.Stop())
}

func TestStreamErrorCountsAsParentDeath(t *testing.T) {
	pr, pw := io.Pipe()
	target := &countingCanceller{}
	w := New(pr, target, nil)
	require.NoError(t, w.Start())

	pw.CloseWithError(errors.New("broken"))
	waitDone(t, w)

	assert.True(t, w.ParentGone())
	assert.Equal(t, int32(1), target.calls.Load())
}

func TestParentDeathInterruptsArmedCall(t *testing.T) {
	r, wr, err := os.Pipe()
	require.NoError(t, err)

	var tok cancel.Token
	w := New(r, &tok, nil)
	require.NoError(t, w.Start())

	unblock := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- tok.Do(func() { close(unblock) }, func() error {
			<-unblock
			return nil
		})
	}()

	for tok.State() != cancel.Armed {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, wr.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, cancel.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("armed call was not interrupted")
	}
	assert.True(t, tok.Poisoned())
}

func TestDeadParentBeforeStart(t *testing.T) {
	// Liveness stream already at EOF: the watchdog fires immediately and
	// the next armed call fails without blocking.
	devNull, err := os.Open(os.DevNull)
	require.NoError(t, err)

	var tok cancel.Token
	w := New(devNull, &tok, nil)
	require.NoError(t, w.Start())
	waitDone(t, w)

	err = tok.Do(nil, func() error {
		t.Fatal("op must not run after parent death")
		return nil
	})
	assert.ErrorIs(t, err, cancel.ErrCancelled)
}
