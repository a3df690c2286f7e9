package healthstore

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, oracle PermissionOracle) *Service {
	t.Helper()
	svc, err := New(newTestDB(t, ":memory:"), oracle, Config{
		StagingRoot: t.TempDir(),
		Workers:     2,
	}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestServiceInsertReadAggregate(t *testing.T) {
	oracle := newFakeOracle()
	oracle.grant("com.example.tracker",
		WritePermissionName(CategoryActivity),
		ReadPermissionName(CategoryActivity))
	svc := newTestService(t, oracle)
	ctx := context.Background()
	caller := Caller{PackageName: "com.example.tracker", UID: 10001}

	insertF, err := svc.InsertRecords(ctx, caller, []Record{
		stepsRecord(1000, 2000, 500),
		stepsRecord(2000, 3000, 300),
	})
	require.NoError(t, err)
	uuids, err := insertF.Get(ctx)
	require.NoError(t, err)
	require.Len(t, uuids, 2)

	readF, err := svc.ReadRecords(ctx, caller, ReadRequest{Kind: KindSteps, EndTimeMillis: 10_000})
	require.NoError(t, err)
	page, err := readF.Get(ctx)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, NoMorePages, page.NextPageToken)
	// Records come back in insertion order.
	require.Equal(t, uuids[0], page.Records[0].UUID)
	require.Equal(t, uuids[1], page.Records[1].UUID)

	aggF, err := svc.Aggregate(ctx, caller, AggregateParams{
		IDs:           []AggregationID{StepsCountTotal},
		EndTimeMillis: 10_000,
	})
	require.NoError(t, err)
	results, err := aggF.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, float64(800), results[0].Value)
}

func TestServiceAggregateStorageFailure(t *testing.T) {
	oracle := newFakeOracle()
	oracle.grant("com.example.tracker",
		WritePermissionName(CategoryActivity),
		ReadPermissionName(CategoryActivity),
		ReadPermissionName(CategoryBodyMeasurements))
	svc := newTestService(t, oracle)
	ctx := context.Background()
	caller := Caller{PackageName: "com.example.tracker", UID: 10001}

	f, err := svc.InsertRecords(ctx, caller, []Record{stepsRecord(1000, 2000, 100)})
	require.NoError(t, err)
	_, err = f.Get(ctx)
	require.NoError(t, err)

	// With the handle closed the future carries the storage failure; it
	// must not resolve successfully with per-id soft errors.
	require.NoError(t, svc.db.Close())
	aggF, err := svc.Aggregate(ctx, caller, AggregateParams{
		IDs:           []AggregationID{StepsCountTotal, WeightAvg},
		EndTimeMillis: 10_000,
	})
	require.NoError(t, err)
	_, err = aggF.Get(ctx)
	require.Error(t, err)
	require.True(t, IsIOFailure(err))
}

func TestServicePermissionCheckIsSynchronous(t *testing.T) {
	oracle := newFakeOracle()
	svc := newTestService(t, oracle)
	ctx := context.Background()
	caller := Caller{PackageName: "com.example.tracker", UID: 10001}

	// The denial comes back from the call itself, not from the future.
	_, err := svc.InsertRecords(ctx, caller, []Record{stepsRecord(1000, 2000, 10)})
	require.Error(t, err)
	require.True(t, IsPermissionDenied(err))

	_, err = svc.ReadRecords(ctx, caller, ReadRequest{Kind: KindSteps})
	require.Error(t, err)
	require.True(t, IsPermissionDenied(err))

	_, err = svc.Aggregate(ctx, caller, AggregateParams{IDs: []AggregationID{StepsCountTotal}})
	require.Error(t, err)
	require.True(t, IsPermissionDenied(err))
}

func TestServiceSelfReadThroughFacade(t *testing.T) {
	oracle := newFakeOracle()
	oracle.grant("com.writer.a",
		WritePermissionName(CategoryActivity))
	oracle.grant("com.writer.b",
		WritePermissionName(CategoryActivity))
	oracle.grant("com.reader",
		ReadPermissionName(CategoryActivity))
	svc := newTestService(t, oracle)
	ctx := context.Background()

	for _, pkg := range []string{"com.writer.a", "com.writer.b"} {
		f, err := svc.InsertRecords(ctx, Caller{PackageName: pkg}, []Record{stepsRecord(1000, 2000, 100)})
		require.NoError(t, err)
		_, err = f.Get(ctx)
		require.NoError(t, err)
	}

	// A write-only caller reads just its own records.
	f, err := svc.ReadRecords(ctx, Caller{PackageName: "com.writer.a"}, ReadRequest{Kind: KindSteps, EndTimeMillis: 10_000})
	require.NoError(t, err)
	page, err := f.Get(ctx)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "com.writer.a", page.Records[0].PackageName)

	// A read-permission caller sees everything.
	f, err = svc.ReadRecords(ctx, Caller{PackageName: "com.reader"}, ReadRequest{Kind: KindSteps, EndTimeMillis: 10_000})
	require.NoError(t, err)
	page, err = f.Get(ctx)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
}

func TestServiceUnknownPackageFilterYieldsEmptyPage(t *testing.T) {
	oracle := newFakeOracle()
	oracle.grant("com.reader", ReadPermissionName(CategoryActivity))
	svc := newTestService(t, oracle)
	ctx := context.Background()

	f, err := svc.ReadRecords(ctx, Caller{PackageName: "com.reader"}, ReadRequest{
		Kind:          KindSteps,
		PackageFilter: []string{"com.never.seen"},
		EndTimeMillis: 10_000,
	})
	require.NoError(t, err)
	page, err := f.Get(ctx)
	require.NoError(t, err)
	require.Empty(t, page.Records)
	require.Equal(t, NoMorePages, page.NextPageToken)
}

func TestServiceAccessLogging(t *testing.T) {
	oracle := newFakeOracle()
	oracle.grant("com.example.tracker",
		WritePermissionName(CategoryActivity),
		ReadPermissionName(CategoryActivity))
	oracle.grant("com.android.settings", PermissionManageHealthData)
	svc := newTestService(t, oracle)
	ctx := context.Background()
	caller := Caller{PackageName: "com.example.tracker", UID: 10001}
	admin := Caller{PackageName: "com.android.settings", UID: 1000}

	f, err := svc.InsertRecords(ctx, caller, []Record{stepsRecord(1000, 2000, 10)})
	require.NoError(t, err)
	_, err = f.Get(ctx)
	require.NoError(t, err)

	rf, err := svc.ReadRecords(ctx, admin, ReadRequest{Kind: KindSteps, EndTimeMillis: 10_000})
	require.NoError(t, err)
	_, err = rf.Get(ctx)
	require.NoError(t, err)

	// Only the non-privileged write is logged; the privileged read is not.
	entries, err := svc.QueryAccessLogs(ctx, admin, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "com.example.tracker", entries[0].PackageName)
	require.Equal(t, AccessUpsert, entries[0].Operation)

	// Querying the log itself needs the management permission.
	_, err = svc.QueryAccessLogs(ctx, caller, 0)
	require.Error(t, err)
	require.True(t, IsPermissionDenied(err))
}

func TestServiceChangesFlow(t *testing.T) {
	oracle := newFakeOracle()
	oracle.grant("com.example.tracker",
		WritePermissionName(CategoryActivity),
		ReadPermissionName(CategoryActivity))
	svc := newTestService(t, oracle)
	ctx := context.Background()
	caller := Caller{PackageName: "com.example.tracker", UID: 10001}

	token, err := svc.GetChangeToken(ctx, caller, []RecordKind{KindSteps})
	require.NoError(t, err)

	f, err := svc.InsertRecords(ctx, caller, []Record{stepsRecord(1000, 2000, 10)})
	require.NoError(t, err)
	uuids, err := f.Get(ctx)
	require.NoError(t, err)

	cf, err := svc.GetChanges(ctx, caller, token, 0)
	require.NoError(t, err)
	resp, err := cf.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, uuids, resp.UpsertedByKind[KindSteps])

	// A foreign caller cannot spend the token.
	oracle.grant("com.other.app", ReadPermissionName(CategoryActivity))
	_, err = svc.GetChanges(ctx, Caller{PackageName: "com.other.app"}, token, 0)
	require.Error(t, err)
	require.True(t, IsInvalidArgument(err))
}

func TestServiceRestoreAndMigrationGates(t *testing.T) {
	oracle := newFakeOracle()
	oracle.grant("com.backup.agent", PermissionStageRemoteData)
	oracle.grant("com.legacy.owner", PermissionMigrateData)
	svc := newTestService(t, oracle)

	_, err := svc.Restore(Caller{PackageName: "com.example.tracker"})
	require.Error(t, err)
	require.True(t, IsPermissionDenied(err))
	_, err = svc.Restore(Caller{PackageName: "com.backup.agent"})
	require.NoError(t, err)

	_, err = svc.Migration(Caller{PackageName: "com.backup.agent"})
	require.Error(t, err)
	_, err = svc.Migration(Caller{PackageName: "com.legacy.owner"})
	require.NoError(t, err)
}

func TestServiceRestoreStatus(t *testing.T) {
	oracle := newFakeOracle()
	oracle.grant("com.backup.agent", PermissionStageRemoteData)
	svc := newTestService(t, oracle)

	status := svc.RestoreStatusFor("user-0")
	require.Equal(t, CombinedIdle, status.State)
	require.Equal(t, RestoreErrorNone, status.RestoreError)
	require.Equal(t, MigrationIdle, status.MigrationState)

	rm, err := svc.Restore(Caller{PackageName: "com.backup.agent"})
	require.NoError(t, err)
	require.NoError(t, rm.UpdateDownloadState("user-0", DownloadStateComplete, false))

	status = svc.RestoreStatusFor("user-0")
	require.Equal(t, CombinedPending, status.State)
}

func TestServiceCloseIdempotent(t *testing.T) {
	oracle := newFakeOracle()
	svc := newTestService(t, oracle)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	// Operations after close are rejected.
	oracle.grant("com.example.tracker", WritePermissionName(CategoryActivity))
	_, err := svc.InsertRecords(context.Background(), Caller{PackageName: "com.example.tracker"},
		[]Record{stepsRecord(1000, 2000, 10)})
	require.Error(t, err)
}
