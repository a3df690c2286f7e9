// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
)

// Migration session states.
type MigrationState int

const (
	MigrationIdle MigrationState = iota
	MigrationInProgress
	MigrationComplete
)

const migrationStatePrefKey = "migration_state"

// MigrationEntity is one unit of migrated data. EntityID is the migrator's
// stable identifier for the payload and doubles as the client record id so
// a replayed batch lands on the same rows.
type MigrationEntity struct {
	EntityID string
	Record   Record
}

// Migrator applies batches of records handed over by the legacy data owner.
// Batches are transactional and replay-safe.
type Migrator struct {
	store  *Store
	prefs  *PreferenceStore
	logger *slog.Logger
}

func NewMigrator(store *Store, prefs *PreferenceStore, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{store: store, prefs: prefs, logger: logger}
}

// State returns the current migration session state.
func (m *Migrator) State() MigrationState {
	v, ok := m.prefs.Get(migrationStatePrefKey)
	if !ok {
		return MigrationIdle
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return MigrationIdle
	}
	return MigrationState(n)
}

// StartMigration opens a migration session.
func (m *Migrator) StartMigration() error {
	if m.State() == MigrationComplete {
		return codedErrf(CodeInvalidArgument, "migration already finished")
	}
	return m.prefs.Put(migrationStatePrefKey, strconv.Itoa(int(MigrationInProgress)))
}

// FinishMigration closes the session. Further batches are rejected.
func (m *Migrator) FinishMigration() error {
	return m.prefs.Put(migrationStatePrefKey, strconv.Itoa(int(MigrationComplete)))
}

// ApplyBatch upserts every entity in one transaction. Each entity keeps its
// original owning package. Applying the same batch twice leaves the store
// in the same state as applying it once.
func (m *Migrator) ApplyBatch(ctx context.Context, entities []MigrationEntity) error {
	if m.State() != MigrationInProgress {
		return codedErrf(CodeInvalidArgument, "no migration session in progress")
	}
	for i := range entities {
		if entities[i].EntityID == "" {
			return codedErrf(CodeInvalidArgument, "entity %d has no id", i)
		}
		if entities[i].Record.PackageName == "" {
			return codedErrf(CodeInvalidArgument, "entity %s names no owning package", entities[i].EntityID)
		}
	}
	err := m.store.withWriteTx(ctx, func(tx *sql.Tx) error {
		for i := range entities {
			rec := entities[i].Record
			if rec.ClientRecordID == "" {
				rec.ClientRecordID = entities[i].EntityID
			}
			if _, err := m.store.upsertOne(tx, &rec, true); err != nil {
				return fmt.Errorf("entity %s: %w", entities[i].EntityID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("applied migration batch", "entities", len(entities))
	return nil
}
