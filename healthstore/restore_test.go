package healthstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func newTestRestore(t *testing.T) *RestoreManager {
	t.Helper()
	env := newTestEnv(t)
	return NewRestoreManager(env.prefs, t.TempDir(), slog.Default())
}

func TestRestoreStateMonotonic(t *testing.T) {
	m := newTestRestore(t)
	const user = "user-0"

	require.NoError(t, m.setRestoreState(user, RestoreStateStagingDone, false))
	require.Equal(t, RestoreStateStagingDone, m.RestoreStateFor(user))

	// A backward transition is rejected and the state stands.
	require.NoError(t, m.setRestoreState(user, RestoreStateWaitingForStaging, false))
	require.Equal(t, RestoreStateStagingDone, m.RestoreStateFor(user))

	// A forced transition may go backward.
	require.NoError(t, m.setRestoreState(user, RestoreStateUnknown, true))
	require.Equal(t, RestoreStateUnknown, m.RestoreStateFor(user))
}

func TestDownloadStateTerminal(t *testing.T) {
	m := newTestRestore(t)
	const user = "user-0"

	require.NoError(t, m.UpdateDownloadState(user, DownloadStateComplete, false))
	require.Equal(t, DownloadStateComplete, m.DownloadStateFor(user))
	require.Equal(t, RestoreStateWaitingForStaging, m.RestoreStateFor(user))

	// Terminal states ignore further non-forced updates.
	require.NoError(t, m.UpdateDownloadState(user, DownloadStateFailed, false))
	require.Equal(t, DownloadStateComplete, m.DownloadStateFor(user))

	// A forced update still applies.
	require.NoError(t, m.UpdateDownloadState(user, DownloadStateFailed, true))
	require.Equal(t, DownloadStateFailed, m.DownloadStateFor(user))
}

func TestDownloadFailureShortCircuits(t *testing.T) {
	m := newTestRestore(t)
	const user = "user-0"

	require.NoError(t, m.UpdateDownloadState(user, DownloadStateFailed, false))
	require.Equal(t, RestoreStateMergingDone, m.RestoreStateFor(user))
	require.Equal(t, RestoreErrorFetchFailed, m.RestoreErrorFor(user))
	require.Equal(t, CombinedIdle, m.CombinedState(user))
}

func TestStageAllRemoteData(t *testing.T) {
	env := newTestEnv(t)
	root := t.TempDir()
	m := NewRestoreManager(env.prefs, root, slog.Default())
	ctx := context.Background()
	const user = "user-0"

	err := m.StageAllRemoteData(ctx, user, map[string]io.Reader{
		"grants.db":  strings.NewReader("grant-bytes"),
		"records.db": strings.NewReader("record-bytes"),
	})
	require.NoError(t, err)
	require.Equal(t, RestoreStateStagingDone, m.RestoreStateFor(user))

	names, err := m.StagedFiles(user)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"grants.db", "records.db"}, names)

	data, err := os.ReadFile(filepath.Join(root, user, "records.db"))
	require.NoError(t, err)
	require.Equal(t, "record-bytes", string(data))
}

func TestStageRetryGuard(t *testing.T) {
	m := newTestRestore(t)
	ctx := context.Background()
	const user = "user-0"

	require.NoError(t, m.StageAllRemoteData(ctx, user, map[string]io.Reader{
		"records.db": strings.NewReader("v1"),
	}))

	// A retried call after the reply was dropped succeeds without
	// restaging.
	require.NoError(t, m.StageAllRemoteData(ctx, user, map[string]io.Reader{
		"records.db": strings.NewReader("v2"),
	}))
	names, err := m.StagedFiles(user)
	require.NoError(t, err)
	require.Equal(t, []string{"records.db"}, names)
}

func TestStagePartialFailureStillAdvances(t *testing.T) {
	m := newTestRestore(t)
	ctx := context.Background()
	const user = "user-0"

	err := m.StageAllRemoteData(ctx, user, map[string]io.Reader{
		"records.db":     strings.NewReader("ok"),
		"../escape.db":   strings.NewReader("bad name"),
		"permissions.db": strings.NewReader("ok too"),
	})
	require.Error(t, err)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	require.Len(t, stageErr.FileErrors, 1)
	require.Contains(t, stageErr.FileErrors, "../escape.db")

	// The machine still reaches staging done with the files that landed.
	require.Equal(t, RestoreStateStagingDone, m.RestoreStateFor(user))
	names, err := m.StagedFiles(user)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"records.db", "permissions.db"}, names)
}

func TestDeleteAllStagedDataForceResets(t *testing.T) {
	m := newTestRestore(t)
	ctx := context.Background()
	const user = "user-0"

	require.NoError(t, m.UpdateDownloadState(user, DownloadStateFailed, false))
	require.NoError(t, m.StageAllRemoteData(ctx, user, map[string]io.Reader{
		"records.db": strings.NewReader("v1"),
	}))

	require.NoError(t, m.DeleteAllStagedData(user))
	require.Equal(t, RestoreStateUnknown, m.RestoreStateFor(user))
	require.Equal(t, DownloadStateUnknown, m.DownloadStateFor(user))
	require.Equal(t, RestoreErrorNone, m.RestoreErrorFor(user))
	names, err := m.StagedFiles(user)
	require.NoError(t, err)
	require.Empty(t, names)

	// The reset machine accepts a fresh restore cycle.
	require.NoError(t, m.StageAllRemoteData(ctx, user, map[string]io.Reader{
		"records.db": strings.NewReader("v2"),
	}))
	require.Equal(t, RestoreStateStagingDone, m.RestoreStateFor(user))
}

func TestCombinedState(t *testing.T) {
	m := newTestRestore(t)
	const user = "user-0"

	// Nothing happened yet.
	require.Equal(t, CombinedIdle, m.CombinedState(user))

	// Download complete, staging not done: pending.
	require.NoError(t, m.UpdateDownloadState(user, DownloadStateComplete, false))
	require.Equal(t, CombinedPending, m.CombinedState(user))

	// Merge in progress: in progress.
	require.NoError(t, m.MarkMerging(user, false))
	require.Equal(t, CombinedInProgress, m.CombinedState(user))

	// Merge done: idle again.
	require.NoError(t, m.MarkMerging(user, true))
	require.Equal(t, CombinedIdle, m.CombinedState(user))
}

func TestRestoreStatesIsolatedPerUser(t *testing.T) {
	m := newTestRestore(t)

	require.NoError(t, m.UpdateDownloadState("user-a", DownloadStateComplete, false))
	require.Equal(t, RestoreStateWaitingForStaging, m.RestoreStateFor("user-a"))
	require.Equal(t, RestoreStateUnknown, m.RestoreStateFor("user-b"))
	require.Equal(t, CombinedIdle, m.CombinedState("user-b"))
}

// Property: whatever sequence of non-forced transitions is requested, the
// observed state never moves backward.
func TestRestoreStateNeverRegressesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)
	properties.Property("non-forced transitions are monotonic", prop.ForAll(
		func(targets []int) bool {
			env, err := buildEnv(newPropDB())
			if err != nil {
				return false
			}
			defer env.db.Close()
			m := NewRestoreManager(env.prefs, os.TempDir(), slog.Default())
			const user = "prop-user"

			prev := m.RestoreStateFor(user)
			for _, target := range targets {
				if err := m.setRestoreState(user, RestoreState(target), false); err != nil {
					return false
				}
				cur := m.RestoreStateFor(user)
				if cur < prev {
					return false
				}
				prev = cur
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))
	properties.TestingRun(t)
}
