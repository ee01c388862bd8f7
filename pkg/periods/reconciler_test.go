package periods

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/sorrel/pkg/models"
	"github.com/Ramsey-B/sorrel/pkg/repositories"
)

type bucketFunc func(start, end time.Time, periodDays int) ([]repositories.PeriodBucket, error)

func (f bucketFunc) PeriodBuckets(_ context.Context, start, end time.Time, periodDays int) ([]repositories.PeriodBucket, error) {
	return f(start, end, periodDays)
}

func newReconciler(buckets []repositories.PeriodBucket) *Reconciler {
	r := NewReconciler(bucketFunc(func(time.Time, time.Time, int) ([]repositories.PeriodBucket, error) {
		return buckets, nil
	}), zapadapter.NewZapEctoLogger(zap.NewNop(), nil))
	r.now = func() time.Time { return time.Date(2024, 6, 30, 15, 4, 5, 0, time.UTC) }
	return r
}

func TestGetPeriodsStatus_CoversWindowContiguously(t *testing.T) {
	buckets := []repositories.PeriodBucket{
		{Bucket: 0, Count: 4, Full: 4},
		{Bucket: 10, Count: 3, Full: 0},
		{Bucket: 156, Count: 5, Full: 2},
	}
	report, err := newReconciler(buckets).GetPeriodsStatus(context.Background(), 1095, 7)
	require.NoError(t, err)

	periods := report.Periods
	require.Len(t, periods, 157)
	assert.Equal(t, time.Date(2021, 7, 1, 0, 0, 0, 0, time.UTC), periods[0].Start)
	assert.Equal(t, report.WindowStart, periods[0].Start)
	assert.Equal(t, report.WindowEnd, periods[len(periods)-1].End)
	assert.Equal(t, time.Date(2024, 6, 30, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC), report.WindowEnd)

	for i := 1; i < len(periods); i++ {
		assert.Equal(t, periods[i-1].End.Add(time.Nanosecond), periods[i].Start, "period %d", i)
	}

	sum := 0
	for _, p := range periods {
		sum += p.Count
	}
	assert.Equal(t, 12, sum)
	assert.Equal(t, 12, report.Total)
	assert.Equal(t, 6, report.TotalFull)

	assert.Equal(t, models.PeriodStatusFull, periods[0].Status)
	assert.Equal(t, models.PeriodStatusListOnly, periods[10].Status)
	assert.Equal(t, models.PeriodStatusPartial, periods[156].Status)
	assert.Equal(t, models.PeriodStatusEmpty, periods[1].Status)
	assert.Equal(t, 154, report.Counts[models.PeriodStatusEmpty])
}

func TestGetPeriodsStatus_ValidatesInput(t *testing.T) {
	r := newReconciler(nil)
	_, err := r.GetPeriodsStatus(context.Background(), 30, 0)
	assert.Error(t, err)
	_, err = r.GetPeriodsStatus(context.Background(), -1, 7)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.PeriodStatusEmpty, Classify(0, 0))
	assert.Equal(t, models.PeriodStatusFull, Classify(3, 3))
	assert.Equal(t, models.PeriodStatusListOnly, Classify(3, 0))
	assert.Equal(t, models.PeriodStatusPartial, Classify(3, 1))
}

func TestMissingRanges_MergesAdjacentIncompletePeriods(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 28, 23, 59, 59, 0, time.UTC)
	periods := Build(start, end, 7, []repositories.PeriodBucket{
		{Bucket: 0, Count: 2, Full: 2},
		{Bucket: 1, Count: 2, Full: 1},
		{Bucket: 3, Count: 1, Full: 1},
	})
	require.Len(t, periods, 4)

	ranges := MissingRanges(periods)
	require.Len(t, ranges, 1)
	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), ranges[0].From)
	assert.Equal(t, time.Date(2024, 1, 21, 0, 0, 0, 0, time.UTC), ranges[0].To)
}

func TestBuild_ClipsLastPeriod(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, end := Window(time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC), 9)
	periods := Build(start, end, 7, nil)
	require.Len(t, periods, 2)
	assert.Equal(t, end, periods[1].End)
	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), periods[1].Start)
}
