package ratesaudit

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/sorrel/pkg/models"
)

type lease struct {
	lastRun time.Time
	holders []string
}

func (l *lease) TryAdvanceLease(_ context.Context, name, holder string, day time.Time) (bool, error) {
	if name != RefreshLease || !l.lastRun.Before(day) {
		return false, nil
	}
	l.lastRun = day
	l.holders = append(l.holders, holder)
	return true, nil
}

func TestRefresher_RunsOncePerDay(t *testing.T) {
	l := &lease{}
	store := &memRates{}
	calls := 0
	src := sourceFunc(func(date time.Time) ([]models.ExchangeRate, error) {
		calls++
		return []models.ExchangeRate{rate(date.Format(time.DateOnly), "USD", "90")}, nil
	})
	logger := zapadapter.NewZapEctoLogger(zap.NewNop(), nil)

	a := NewRefresher(l, store, src, "a", logger)
	b := NewRefresher(l, store, src, "b", logger)
	for _, r := range []*Refresher{a, b} {
		r.now = func() time.Time { return clock }
	}

	ran, err := a.RefreshToday(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = b.RefreshToday(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"a"}, l.holders)
	require.Len(t, store.saved, 1)

	b.now = func() time.Time { return clock.AddDate(0, 0, 1) }
	ran, err = b.RefreshToday(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, calls)
}
