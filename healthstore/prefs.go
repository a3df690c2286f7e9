// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

const preferenceTable = "preference_table"

// PreferenceStore is the durable keyed string store used for restore state,
// download state, priority order, and retention settings. Reads are served
// from an in-memory cache loaded lazily; writes go through the database
// first.
type PreferenceStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]string
}

func NewPreferenceStore(db *sql.DB) *PreferenceStore {
	return &PreferenceStore{db: db, cache: make(map[string]string)}
}

// Get returns the stored value and whether the key exists.
func (p *PreferenceStore) Get(key string) (string, bool) {
	p.mu.RLock()
	if v, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return v, true
	}
	p.mu.RUnlock()

	var value string
	err := p.db.QueryRow(`SELECT value FROM `+preferenceTable+` WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	p.mu.Lock()
	p.cache[key] = value
	p.mu.Unlock()
	return value, true
}

// Put stores the value durably and updates the cache.
func (p *PreferenceStore) Put(key, value string) error {
	_, err := p.db.Exec(`INSERT INTO `+preferenceTable+` (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to store preference %s: %w", key, err))
	}
	p.mu.Lock()
	p.cache[key] = value
	p.mu.Unlock()
	return nil
}

// Delete removes the key.
func (p *PreferenceStore) Delete(key string) error {
	if _, err := p.db.Exec(`DELETE FROM `+preferenceTable+` WHERE key = ?`, key); err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to delete preference %s: %w", key, err))
	}
	p.mu.Lock()
	delete(p.cache, key)
	p.mu.Unlock()
	return nil
}
