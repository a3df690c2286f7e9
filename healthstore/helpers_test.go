package healthstore

import (
	"database/sql"
	"log/slog"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// testEnv wires the engine components over one in-memory database.
type testEnv struct {
	db        *sql.DB
	registry  *Registry
	apps      *AppInfoStore
	devices   *DeviceInfoStore
	prefs     *PreferenceStore
	changeLog *ChangeLog
	store     *Store
	accessLog *AccessLog
}

func newTestDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	// A second pooled connection to :memory: would see a different empty
	// database, so pin the pool to one connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvOn(t, newTestDB(t, ":memory:"))
}

func newTestEnvOn(t *testing.T, db *sql.DB) *testEnv {
	t.Helper()
	env, err := buildEnv(db)
	require.NoError(t, err)
	return env
}

// buildEnv wires components without a testing.T, for property runners that
// construct many environments per test.
func buildEnv(db *sql.DB) (*testEnv, error) {
	registry := NewRegistry()
	if err := initializeDatabase(db, registry); err != nil {
		return nil, err
	}
	apps := NewAppInfoStore(db)
	devices := NewDeviceInfoStore(db)
	changeLog := NewChangeLog(db, slog.Default())
	return &testEnv{
		db:        db,
		registry:  registry,
		apps:      apps,
		devices:   devices,
		prefs:     NewPreferenceStore(db),
		changeLog: changeLog,
		store:     NewStore(db, registry, apps, devices, changeLog, slog.Default()),
		accessLog: NewAccessLog(db),
	}, nil
}

// newPropDB opens an in-memory database for property runners, which build
// and discard many databases per test.
func newPropDB() *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db
}

// fakeOracle answers permission checks from a static grant table.
type fakeOracle struct {
	grants map[string]map[string]bool
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{grants: make(map[string]map[string]bool)}
}

func (o *fakeOracle) grant(pkg string, permissions ...string) {
	if o.grants[pkg] == nil {
		o.grants[pkg] = make(map[string]bool)
	}
	for _, p := range permissions {
		o.grants[pkg][p] = true
	}
}

func (o *fakeOracle) revoke(pkg, permission string) {
	delete(o.grants[pkg], permission)
}

func (o *fakeOracle) HasPermission(caller Caller, permission string) bool {
	return o.grants[caller.PackageName][permission]
}

func stepsRecord(start, end, count int64) Record {
	return Record{
		Kind: KindSteps,
		Payload: StepsPayload{
			StartTimeMillis: start,
			EndTimeMillis:   end,
			Count:           count,
		},
	}
}

func weightRecord(at int64, kg float64) Record {
	return Record{
		Kind:    KindWeight,
		Payload: WeightPayload{TimeMillis: at, WeightKg: kg},
	}
}

func heartRateRecord(start, end int64, bpm ...int64) Record {
	samples := make([]HeartRateSample, 0, len(bpm))
	for i, b := range bpm {
		samples = append(samples, HeartRateSample{
			SampleTimeMillis: start + int64(i),
			BeatsPerMinute:   b,
		})
	}
	return Record{
		Kind: KindHeartRate,
		Payload: HeartRatePayload{
			StartTimeMillis: start,
			EndTimeMillis:   end,
			Samples:         samples,
		},
	}
}
