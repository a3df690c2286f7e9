// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// RestoreState is the internal restore progression. States only move
// forward unless a transition is forced.
type RestoreState int

const (
	RestoreStateUnknown RestoreState = iota
	RestoreStateWaitingForStaging
	RestoreStateStagingInProgress
	RestoreStateStagingDone
	RestoreStateMergingInProgress
	RestoreStateMergingDone
)

func (s RestoreState) String() string {
	switch s {
	case RestoreStateUnknown:
		return "UNKNOWN"
	case RestoreStateWaitingForStaging:
		return "WAITING_FOR_STAGING"
	case RestoreStateStagingInProgress:
		return "STAGING_IN_PROGRESS"
	case RestoreStateStagingDone:
		return "STAGING_DONE"
	case RestoreStateMergingInProgress:
		return "MERGING_IN_PROGRESS"
	case RestoreStateMergingDone:
		return "MERGING_DONE"
	default:
		return fmt.Sprintf("RESTORE_STATE(%d)", int(s))
	}
}

// DownloadState tracks the remote fetch preceding staging.
type DownloadState int

const (
	DownloadStateUnknown DownloadState = iota
	DownloadStateComplete
	DownloadStateFailed
)

func (s DownloadState) terminal() bool {
	return s == DownloadStateComplete || s == DownloadStateFailed
}

// Combined public restore states reported to callers.
type CombinedRestoreState int

const (
	CombinedIdle CombinedRestoreState = iota
	CombinedPending
	CombinedInProgress
)

// Restore error codes persisted alongside the state.
const (
	RestoreErrorNone = iota
	RestoreErrorFetchFailed
	RestoreErrorUnknown
)

const (
	restoreStatePrefPrefix  = "restore_state_"
	downloadStatePrefPrefix = "download_state_"
	restoreErrorPrefPrefix  = "restore_error_"
)

// RestoreManager drives per-user backup restore: download state updates,
// staging of fetched files and the public combined state. All transitions
// for one user are serialized under that user's mutex.
type RestoreManager struct {
	prefs       *PreferenceStore
	stagingRoot string
	logger      *slog.Logger

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func NewRestoreManager(prefs *PreferenceStore, stagingRoot string, logger *slog.Logger) *RestoreManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RestoreManager{
		prefs:       prefs,
		stagingRoot: stagingRoot,
		logger:      logger,
		users:       make(map[string]*sync.Mutex),
	}
}

func (m *RestoreManager) userMu(user string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.users[user]
	if !ok {
		mu = &sync.Mutex{}
		m.users[user] = mu
	}
	return mu
}

func (m *RestoreManager) statePref(prefix, user string) int {
	v, ok := m.prefs.Get(prefix + user)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// RestoreStateFor returns the internal restore state for a user.
func (m *RestoreManager) RestoreStateFor(user string) RestoreState {
	return RestoreState(m.statePref(restoreStatePrefPrefix, user))
}

// DownloadStateFor returns the download state for a user.
func (m *RestoreManager) DownloadStateFor(user string) DownloadState {
	return DownloadState(m.statePref(downloadStatePrefPrefix, user))
}

// RestoreErrorFor returns the persisted restore error code for a user.
func (m *RestoreManager) RestoreErrorFor(user string) int {
	return m.statePref(restoreErrorPrefPrefix, user)
}

// setRestoreState applies a transition. Non-forced backward moves are
// rejected with a warning and the stored state is left unchanged.
func (m *RestoreManager) setRestoreState(user string, next RestoreState, forced bool) error {
	cur := m.RestoreStateFor(user)
	if !forced && next < cur {
		m.logger.Warn("rejected backward restore state transition",
			"user", user, "from", cur.String(), "to", next.String())
		return nil
	}
	return m.prefs.Put(restoreStatePrefPrefix+user, strconv.Itoa(int(next)))
}

func (m *RestoreManager) setRestoreError(user string, code int) error {
	return m.prefs.Put(restoreErrorPrefPrefix+user, strconv.Itoa(code))
}

// UpdateDownloadState records progress of the remote fetch. Once the state
// is terminal further non-forced updates are ignored. A completed download
// moves the restore machine to waiting for staging; a failed one
// short-circuits it to merging done and records the fetch error.
func (m *RestoreManager) UpdateDownloadState(user string, next DownloadState, forced bool) error {
	mu := m.userMu(user)
	mu.Lock()
	defer mu.Unlock()

	cur := m.DownloadStateFor(user)
	if !forced && cur.terminal() {
		m.logger.Warn("ignored download state update past terminal state",
			"user", user, "current", int(cur), "requested", int(next))
		return nil
	}
	if err := m.prefs.Put(downloadStatePrefPrefix+user, strconv.Itoa(int(next))); err != nil {
		return err
	}
	switch next {
	case DownloadStateComplete:
		return m.setRestoreState(user, RestoreStateWaitingForStaging, forced)
	case DownloadStateFailed:
		if err := m.setRestoreError(user, RestoreErrorFetchFailed); err != nil {
			return err
		}
		return m.setRestoreState(user, RestoreStateMergingDone, forced)
	}
	return nil
}

// StageAllRemoteData copies the fetched files into the user's staging
// directory. If staging already started or finished the call is a no-op
// success so a dropped reply can be retried safely. Per-file copy failures
// are collected and the machine still advances to staging done; the
// combined failure comes back as a *StageError.
func (m *RestoreManager) StageAllRemoteData(ctx context.Context, user string, files map[string]io.Reader) error {
	mu := m.userMu(user)
	mu.Lock()
	defer mu.Unlock()

	if m.RestoreStateFor(user) >= RestoreStateStagingInProgress {
		m.logger.Info("staging already underway or done, skipping", "user", user)
		return nil
	}
	if err := m.setRestoreState(user, RestoreStateStagingInProgress, false); err != nil {
		return err
	}

	dir := m.stagingDir(user)
	fileErrs := make(map[string]error)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		for name := range files {
			fileErrs[name] = err
		}
	} else {
		for name, r := range files {
			if err := ctx.Err(); err != nil {
				fileErrs[name] = err
				continue
			}
			if err := stageFile(dir, name, r); err != nil {
				m.logger.Error("failed to stage file", "user", user, "file", name, "error", err)
				fileErrs[name] = err
			}
		}
	}

	// Staging always finishes, even partially: merge works with whatever
	// landed and the caller learns about the rest from the error map.
	if err := m.setRestoreState(user, RestoreStateStagingDone, false); err != nil {
		return err
	}
	if len(fileErrs) > 0 {
		return &StageError{FileErrors: fileErrs}
	}
	return nil
}

func stageFile(dir, name string, r io.Reader) error {
	if name == "" || name != filepath.Base(name) {
		return codedErrf(CodeInvalidArgument, "invalid staged file name %q", name)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to create staged file: %w", err))
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return codedErr(CodeIOFailure, fmt.Errorf("failed to write staged file: %w", err))
	}
	if err := f.Close(); err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to close staged file: %w", err))
	}
	return nil
}

// StagedFiles lists the staged file names for a user.
func (m *RestoreManager) StagedFiles(user string) ([]string, error) {
	entries, err := os.ReadDir(m.stagingDir(user))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to list staging dir: %w", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// DeleteAllStagedData removes the user's staging tree and force-resets both
// state machines, clearing any recorded restore error.
func (m *RestoreManager) DeleteAllStagedData(user string) error {
	mu := m.userMu(user)
	mu.Lock()
	defer mu.Unlock()

	if err := os.RemoveAll(m.stagingDir(user)); err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to remove staging dir: %w", err))
	}
	if err := m.prefs.Put(downloadStatePrefPrefix+user, strconv.Itoa(int(DownloadStateUnknown))); err != nil {
		return err
	}
	if err := m.setRestoreError(user, RestoreErrorNone); err != nil {
		return err
	}
	return m.setRestoreState(user, RestoreStateUnknown, true)
}

// MarkMerging moves the machine into and out of the merge phase.
func (m *RestoreManager) MarkMerging(user string, done bool) error {
	mu := m.userMu(user)
	mu.Lock()
	defer mu.Unlock()
	next := RestoreStateMergingInProgress
	if done {
		next = RestoreStateMergingDone
	}
	return m.setRestoreState(user, next, false)
}

// CombinedState folds the internal restore and download states into the
// public three-valued state.
func (m *RestoreManager) CombinedState(user string) CombinedRestoreState {
	mu := m.userMu(user)
	mu.Lock()
	defer mu.Unlock()

	switch m.RestoreStateFor(user) {
	case RestoreStateMergingInProgress:
		return CombinedInProgress
	case RestoreStateMergingDone:
		return CombinedIdle
	case RestoreStateUnknown:
		// Restore has not begun, but a download already underway still
		// means more data is coming.
		if ds := m.DownloadStateFor(user); ds != DownloadStateUnknown && ds != DownloadStateFailed {
			return CombinedPending
		}
		return CombinedIdle
	default:
		return CombinedPending
	}
}

func (m *RestoreManager) stagingDir(user string) string {
	return filepath.Join(m.stagingRoot, user)
}
