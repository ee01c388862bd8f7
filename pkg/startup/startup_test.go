package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStartup(attempts int) *Startup {
	s := New(zapadapter.NewZapEctoLogger(zap.NewNop(), nil), attempts)
	s.baseDelay = time.Millisecond
	return s
}

func TestStartup_StartsParentsFirstAndStopsInReverse(t *testing.T) {
	var events []string
	record := func(e string) func(context.Context) error {
		return func(context.Context) error {
			events = append(events, e)
			return nil
		}
	}

	s := newTestStartup(1)
	s.Add(
		Func{ID: "engine", Requires: []string{"database"}, OnStart: record("start engine"), OnStop: record("stop engine")},
		Func{ID: "database", OnStart: record("start database"), OnStop: record("stop database")},
	)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, []string{"start database", "start engine", "stop engine", "stop database"}, events)
}

func TestStartup_RetriesFailedDependency(t *testing.T) {
	calls := 0
	s := newTestStartup(3)
	s.Add(Func{ID: "redis", OnStart: func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestStartup_GivesUp(t *testing.T) {
	s := newTestStartup(2)
	s.Add(Func{ID: "kafka", OnStart: func(context.Context) error { return errors.New("down") }})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestStartup_UnknownDependencyIsPermanent(t *testing.T) {
	s := newTestStartup(5)
	s.Add(Func{ID: "engine", Requires: []string{"missing"}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 1 attempts")
}
