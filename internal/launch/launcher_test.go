package launch

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/controller/internal/launch/mocks"
	"github.com/mattjoyce/controller/internal/protocol"
)

var referenceAllowList = []string{"autoconfig", "autodetect", "categorize", "data_frame_analyzer", "normalize"}

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func TestLaunchAllowedTargetSpawnsExactArgs(t *testing.T) {
	ctrl := gomock.NewController(t)
	spawner := mocks.NewMockSpawner(ctrl)
	logger, _ := newTestLogger()

	spawner.EXPECT().Spawn("autodetect", []string{"--foo", "bar"}).Return(4242, nil).Times(1)

	l := New(NewAllowList(referenceAllowList...), spawner, logger)
	l.newID = func() string { return "launch-1" }

	res, err := l.Launch(protocol.Command{Verb: "start", Args: []string{"autodetect", "--foo", "bar"}})

	require.NoError(t, err)
	assert.Equal(t, Result{ID: "launch-1", Target: "autodetect", Args: []string{"--foo", "bar"}, PID: 4242}, res)
}

func TestLaunchWithoutExtraArgs(t *testing.T) {
	ctrl := gomock.NewController(t)
	spawner := mocks.NewMockSpawner(ctrl)
	logger, _ := newTestLogger()

	spawner.EXPECT().Spawn("normalize", nil).Return(7, nil)

	l := New(NewAllowList(referenceAllowList...), spawner, logger)
	_, err := l.Launch(protocol.Command{Verb: "start", Args: []string{"normalize"}})
	assert.NoError(t, err)
}

func TestLaunchArgsPassedVerbatim(t *testing.T) {
	ctrl := gomock.NewController(t)
	spawner := mocks.NewMockSpawner(ctrl)
	logger, _ := newTestLogger()

	args := []string{"", "--limit=10", "a b", "../x", "--config=$HOME"}
	spawner.EXPECT().Spawn("categorize", args).Return(1, nil)

	l := New(NewAllowList(referenceAllowList...), spawner, logger)
	_, err := l.Launch(protocol.Command{Verb: "start", Args: append([]string{"categorize"}, args...)})
	assert.NoError(t, err)
}

func TestLaunchDeniesNonAllowListedTargets(t *testing.T) {
	targets := []string{
		"../../bin/sh",
		"/bin/sh",
		"Autodetect",
		"AUTODETECT",
		"autodetect ",
		" autodetect",
		"./autodetect",
		"bin/autodetect",
		"autodetect2",
		"autodetec",
		"normalize/../autodetect",
		"",
	}

	for _, target := range targets {
		t.Run(target, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			spawner := mocks.NewMockSpawner(ctrl)
			spawner.EXPECT().Spawn(gomock.Any(), gomock.Any()).Times(0)
			logger, buf := newTestLogger()

			l := New(NewAllowList(referenceAllowList...), spawner, logger)
			_, err := l.Launch(protocol.Command{Verb: "start", Args: []string{target}})

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDenied)
			assert.False(t, errors.Is(err, ErrLaunchFailed))
			assert.Contains(t, buf.String(), "launch denied")
		})
	}
}

func TestLaunchDeniesOtherVerbs(t *testing.T) {
	ctrl := gomock.NewController(t)
	spawner := mocks.NewMockSpawner(ctrl)
	logger, _ := newTestLogger()

	l := New(NewAllowList(referenceAllowList...), spawner, logger)
	_, err := l.Launch(protocol.Command{Verb: "stop", Args: []string{"autodetect"}})

	var lerr *Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, KindDenied, lerr.Kind)
}

func TestLaunchSpawnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	spawner := mocks.NewMockSpawner(ctrl)
	logger, buf := newTestLogger()

	spawnErr := errors.New("permission denied")
	spawner.EXPECT().Spawn("autoconfig", nil).Return(0, spawnErr)

	l := New(NewAllowList(referenceAllowList...), spawner, logger)
	_, err := l.Launch(protocol.Command{Verb: "start", Args: []string{"autoconfig"}})

	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.ErrorIs(t, err, spawnErr)
	assert.False(t, errors.Is(err, ErrDenied))
	assert.True(t, strings.Contains(buf.String(), "launch failed"))
}

func TestAllowList(t *testing.T) {
	a := NewAllowList("./normalize", "./autodetect", "", "./autodetect")

	assert.Equal(t, 2, a.Len())
	assert.Equal(t, []string{"./autodetect", "./normalize"}, a.Entries())
	assert.True(t, a.Allowed("./autodetect"))
	assert.False(t, a.Allowed("autodetect"))
	assert.False(t, a.Allowed(""))

	var nilList *AllowList
	assert.False(t, nilList.Allowed("./autodetect"))
	assert.Zero(t, nilList.Len())
}
