package healthstore

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAggregator(env *testEnv) *Aggregator {
	return NewAggregator(env.db, env.registry, env.apps, NewPriorityManager(env.prefs), slog.Default())
}

func mustAggregate(t *testing.T, agg *Aggregator, ctx context.Context, params AggregateParams) []AggregateResult {
	t.Helper()
	results, err := agg.Aggregate(ctx, params)
	require.NoError(t, err)
	return results
}

func TestAggregateSum(t *testing.T) {
	env := newTestEnv(t)
	agg := newTestAggregator(env)
	ctx := context.Background()

	_, err := env.store.Insert(ctx, "com.example.tracker", []Record{
		stepsRecord(1000, 2000, 500),
		stepsRecord(2000, 3000, 300),
	})
	require.NoError(t, err)

	results := mustAggregate(t, agg, ctx, AggregateParams{
		IDs:             []AggregationID{StepsCountTotal},
		StartTimeMillis: 0,
		EndTimeMillis:   10_000,
	})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.False(t, results[0].NoData)
	require.Equal(t, float64(800), results[0].Value)
	require.Equal(t, int64(2), results[0].Count)
}

func TestAggregateMinMaxAvg(t *testing.T) {
	env := newTestEnv(t)
	agg := newTestAggregator(env)
	ctx := context.Background()

	_, err := env.store.Insert(ctx, "com.example.scale", []Record{
		weightRecord(1000, 80),
		weightRecord(2000, 82),
		weightRecord(3000, 78),
	})
	require.NoError(t, err)

	results := mustAggregate(t, agg, ctx, AggregateParams{
		IDs:             []AggregationID{WeightMin, WeightMax, WeightAvg},
		StartTimeMillis: 0,
		EndTimeMillis:   10_000,
	})
	require.Len(t, results, 3)
	require.Equal(t, float64(78), results[0].Value)
	require.Equal(t, float64(82), results[1].Value)
	require.Equal(t, float64(80), results[2].Value)
}

func TestAggregateNoDataVsZero(t *testing.T) {
	env := newTestEnv(t)
	agg := newTestAggregator(env)
	ctx := context.Background()

	// No rows at all: NoData, not zero.
	results := mustAggregate(t, agg, ctx, AggregateParams{
		IDs:           []AggregationID{StepsCountTotal},
		EndTimeMillis: 10_000,
	})
	require.True(t, results[0].NoData)

	// A genuine zero-valued record is data.
	_, err := env.store.Insert(ctx, "com.example.tracker", []Record{stepsRecord(1000, 2000, 0)})
	require.NoError(t, err)
	results = mustAggregate(t, agg, ctx, AggregateParams{
		IDs:           []AggregationID{StepsCountTotal},
		EndTimeMillis: 10_000,
	})
	require.False(t, results[0].NoData)
	require.Equal(t, float64(0), results[0].Value)
}

func TestAggregateHeartRateSamples(t *testing.T) {
	env := newTestEnv(t)
	agg := newTestAggregator(env)
	ctx := context.Background()

	_, err := env.store.Insert(ctx, "com.example.tracker", []Record{
		heartRateRecord(1000, 2000, 60, 90),
		heartRateRecord(3000, 4000, 75),
	})
	require.NoError(t, err)

	results := mustAggregate(t, agg, ctx, AggregateParams{
		IDs:           []AggregationID{HeartRateBpmMin, HeartRateBpmMax, HeartRateBpmAvg, HeartRateMeasurementsCount},
		EndTimeMillis: 10_000,
	})
	require.Equal(t, float64(60), results[0].Value)
	require.Equal(t, float64(90), results[1].Value)
	require.Equal(t, float64(75), results[2].Value)
	require.Equal(t, float64(3), results[3].Value)

	// Restricting the window to the first record drops the lone 75 sample.
	results = mustAggregate(t, agg, ctx, AggregateParams{
		IDs:             []AggregationID{HeartRateMeasurementsCount},
		StartTimeMillis: 0,
		EndTimeMillis:   2500,
	})
	require.Equal(t, float64(2), results[0].Value)
}

func TestAggregateAdjacentWindows(t *testing.T) {
	env := newTestEnv(t)
	agg := newTestAggregator(env)
	ctx := context.Background()

	// Two records in adjacent windows.
	_, err := env.store.Insert(ctx, "com.example.tracker", []Record{
		stepsRecord(0, 1000, 100),
		stepsRecord(1001, 2000, 200),
	})
	require.NoError(t, err)

	// A query spanning both windows sums both.
	results := mustAggregate(t, agg, ctx, AggregateParams{
		IDs:           []AggregationID{StepsCountTotal},
		EndTimeMillis: 2000,
	})
	require.Equal(t, float64(300), results[0].Value)

	// A query covering only the first window sums only it.
	results = mustAggregate(t, agg, ctx, AggregateParams{
		IDs:           []AggregationID{StepsCountTotal},
		EndTimeMillis: 1000,
	})
	require.Equal(t, float64(100), results[0].Value)
}

func TestAggregatePackageFilterAndPriority(t *testing.T) {
	env := newTestEnv(t)
	priorities := NewPriorityManager(env.prefs)
	agg := NewAggregator(env.db, env.registry, env.apps, priorities, slog.Default())
	ctx := context.Background()

	_, err := env.store.Insert(ctx, "com.example.tracker", []Record{stepsRecord(1000, 2000, 100)})
	require.NoError(t, err)
	_, err = env.store.Insert(ctx, "com.other.app", []Record{stepsRecord(1000, 2000, 50)})
	require.NoError(t, err)

	// Explicit filter restricts the rows.
	results := mustAggregate(t, agg, ctx, AggregateParams{
		IDs:           []AggregationID{StepsCountTotal},
		PackageFilter: []string{"com.other.app"},
		EndTimeMillis: 10_000,
	})
	require.Equal(t, float64(50), results[0].Value)

	// Without a filter, a configured priority order restricts to its
	// members.
	require.NoError(t, priorities.SetPriorityOrder(ctx, CategoryActivity, []string{"com.example.tracker"}))
	results = mustAggregate(t, agg, ctx, AggregateParams{
		IDs:           []AggregationID{StepsCountTotal},
		EndTimeMillis: 10_000,
	})
	require.Equal(t, float64(100), results[0].Value)

	// No filter and no priority order covers everything.
	require.NoError(t, priorities.SetPriorityOrder(ctx, CategoryActivity, nil))
	results = mustAggregate(t, agg, ctx, AggregateParams{
		IDs:           []AggregationID{StepsCountTotal},
		EndTimeMillis: 10_000,
	})
	require.Equal(t, float64(150), results[0].Value)
}

func TestAggregateBadIDIsolated(t *testing.T) {
	env := newTestEnv(t)
	agg := newTestAggregator(env)
	ctx := context.Background()

	_, err := env.store.Insert(ctx, "com.example.tracker", []Record{stepsRecord(1000, 2000, 100)})
	require.NoError(t, err)

	results := mustAggregate(t, agg, ctx, AggregateParams{
		IDs:           []AggregationID{AggregationID(9999), StepsCountTotal},
		EndTimeMillis: 10_000,
	})
	require.Len(t, results, 2)
	require.Error(t, results[0].Err)
	require.True(t, IsInvalidArgument(results[0].Err))
	require.NoError(t, results[1].Err)
	require.Equal(t, float64(100), results[1].Value)
}

func TestAggregateStorageFailureFailsRequest(t *testing.T) {
	env := newTestEnv(t)
	agg := newTestAggregator(env)
	ctx := context.Background()

	_, err := env.store.Insert(ctx, "com.example.tracker", []Record{stepsRecord(1000, 2000, 100)})
	require.NoError(t, err)

	// With the handle closed the scan fails; the whole request must fail
	// instead of folding the failure into per-id soft errors.
	require.NoError(t, env.db.Close())
	results, err := agg.Aggregate(ctx, AggregateParams{
		IDs:           []AggregationID{StepsCountTotal, WeightAvg},
		EndTimeMillis: 10_000,
	})
	require.Error(t, err)
	require.True(t, IsIOFailure(err))
	require.Nil(t, results)
}
