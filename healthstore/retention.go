// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

const (
	retentionPrefKey = "auto_delete_range_days"

	maxRetentionDays = 7300

	// Change log and access log entries age out on fixed windows,
	// independent of the user-configured record retention.
	changeLogRetentionDays = 30
	accessLogRetentionDays = 7
)

// RetentionManager owns the auto-delete setting and the periodic cleanup
// pass that enforces it.
type RetentionManager struct {
	prefs     *PreferenceStore
	store     *Store
	changeLog *ChangeLog
	accessLog *AccessLog
	logger    *slog.Logger

	now func() time.Time
}

func NewRetentionManager(prefs *PreferenceStore, store *Store, changeLog *ChangeLog, accessLog *AccessLog, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{
		prefs:     prefs,
		store:     store,
		changeLog: changeLog,
		accessLog: accessLog,
		logger:    logger,
		now:       time.Now,
	}
}

// SetRetentionPeriodDays configures how long records are kept. Zero
// disables record auto-deletion.
func (m *RetentionManager) SetRetentionPeriodDays(days int) error {
	if days < 0 || days > maxRetentionDays {
		return codedErrf(CodeInvalidArgument, "retention period %d days out of range [0, %d]", days, maxRetentionDays)
	}
	if days == 0 {
		return m.prefs.Delete(retentionPrefKey)
	}
	return m.prefs.Put(retentionPrefKey, strconv.Itoa(days))
}

// RetentionPeriodDays returns the configured retention, zero when disabled.
func (m *RetentionManager) RetentionPeriodDays() int {
	v, ok := m.prefs.Get(retentionPrefKey)
	if !ok {
		return 0
	}
	days, err := strconv.Atoi(v)
	if err != nil || days < 0 {
		return 0
	}
	return days
}

// AutoDelete runs one cleanup pass: expired records across every kind, then
// aged-out change log and access log entries. Record deletions still flow
// through the change log so readers observe them as deletes before the log
// entries themselves age out.
func (m *RetentionManager) AutoDelete(ctx context.Context) error {
	nowMillis := m.now().UnixMilli()
	if days := m.RetentionPeriodDays(); days > 0 {
		cutoff := nowMillis - int64(days)*24*int64(time.Hour/time.Millisecond)
		deleted, err := m.store.Delete(ctx, "", DeleteRequest{
			StartTimeMillis: 0,
			EndTimeMillis:   cutoff,
		}, true)
		if err != nil {
			return err
		}
		if deleted > 0 {
			m.logger.Info("auto-delete removed expired records", "count", deleted, "cutoff", cutoff)
		}
	}

	logCutoff := nowMillis - changeLogRetentionDays*24*int64(time.Hour/time.Millisecond)
	pruned, err := m.changeLog.pruneBefore(ctx, logCutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		m.logger.Info("pruned aged change log entries", "count", pruned)
	}
	// A token older than the change log window points before entries that
	// no longer exist, so it ages out on the same cutoff.
	tokens, err := m.changeLog.pruneTokensBefore(ctx, logCutoff)
	if err != nil {
		return err
	}
	if tokens > 0 {
		m.logger.Info("pruned aged change log tokens", "count", tokens)
	}
	accessCutoff := nowMillis - accessLogRetentionDays*24*int64(time.Hour/time.Millisecond)
	return m.accessLog.pruneBefore(ctx, accessCutoff)
}
