// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

const appInfoTable = "application_info_table"

// AppInfoStore maps package names to their row ids in the app-info side
// table. Rows are inserted on first use; the id cache is read-mostly.
type AppInfoStore struct {
	db    *sql.DB
	mu    sync.RWMutex
	ids   map[string]int64
	names map[int64]string
}

func NewAppInfoStore(db *sql.DB) *AppInfoStore {
	return &AppInfoStore{
		db:    db,
		ids:   make(map[string]int64),
		names: make(map[int64]string),
	}
}

// idFor returns the app-info row id for the package, or 0 when the package
// has never contributed data.
func (a *AppInfoStore) idFor(packageName string) int64 {
	a.mu.RLock()
	if id, ok := a.ids[packageName]; ok {
		a.mu.RUnlock()
		return id
	}
	a.mu.RUnlock()

	var id int64
	err := a.db.QueryRow(`SELECT row_id FROM `+appInfoTable+` WHERE package_name = ?`, packageName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return 0
	}
	a.remember(packageName, id)
	return id
}

// idForCreate returns the row id for the package, inserting it on first use.
// Runs inside the caller's transaction so a rolled back insert does not leak
// an app-info row.
func (a *AppInfoStore) idForCreate(tx *sql.Tx, packageName string) (int64, error) {
	if packageName == "" {
		return 0, codedErrf(CodeInvalidArgument, "package name must not be empty")
	}
	var id int64
	err := tx.QueryRow(`SELECT row_id FROM `+appInfoTable+` WHERE package_name = ?`, packageName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		res, insErr := tx.Exec(`INSERT INTO `+appInfoTable+` (package_name) VALUES (?)`, packageName)
		if insErr != nil {
			return 0, codedErr(CodeIOFailure, fmt.Errorf("failed to insert app info for %s: %w", packageName, insErr))
		}
		id, insErr = res.LastInsertId()
		if insErr != nil {
			return 0, codedErr(CodeIOFailure, fmt.Errorf("failed to read app info id: %w", insErr))
		}
		return id, nil
	}
	if err != nil {
		return 0, codedErr(CodeIOFailure, fmt.Errorf("failed to look up app info for %s: %w", packageName, err))
	}
	return id, nil
}

// packageNameFor resolves a row id back to the package name.
func (a *AppInfoStore) packageNameFor(id int64) string {
	a.mu.RLock()
	if name, ok := a.names[id]; ok {
		a.mu.RUnlock()
		return name
	}
	a.mu.RUnlock()

	var name string
	err := a.db.QueryRow(`SELECT package_name FROM `+appInfoTable+` WHERE row_id = ?`, id).Scan(&name)
	if err != nil {
		return ""
	}
	a.remember(name, id)
	return name
}

// idsFor resolves a package filter to known app-info ids. Unknown packages
// are skipped; the second return reports whether any package resolved.
func (a *AppInfoStore) idsFor(packageNames []string) ([]int64, bool) {
	ids := make([]int64, 0, len(packageNames))
	for _, name := range packageNames {
		if id := a.idFor(name); id != 0 {
			ids = append(ids, id)
		}
	}
	return ids, len(ids) > 0
}

func (a *AppInfoStore) remember(packageName string, id int64) {
	a.mu.Lock()
	a.ids[packageName] = id
	a.names[id] = packageName
	a.mu.Unlock()
}

const deviceInfoTable = "device_info_table"

// DeviceInfoStore maps device identifiers to device-info row ids.
type DeviceInfoStore struct {
	db *sql.DB
}

func NewDeviceInfoStore(db *sql.DB) *DeviceInfoStore {
	return &DeviceInfoStore{db: db}
}

// idForCreate inserts the device on first use and returns its row id. An
// empty device id is allowed and maps to NULL in record rows.
func (d *DeviceInfoStore) idForCreate(tx *sql.Tx, deviceID string) (sql.NullInt64, error) {
	if deviceID == "" {
		return sql.NullInt64{}, nil
	}
	// No cache write here: the row only exists once the caller's
	// transaction commits.
	var id int64
	err := tx.QueryRow(`SELECT row_id FROM `+deviceInfoTable+` WHERE device_id = ?`, deviceID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		res, insErr := tx.Exec(`INSERT INTO `+deviceInfoTable+` (device_id) VALUES (?)`, deviceID)
		if insErr != nil {
			return sql.NullInt64{}, codedErr(CodeIOFailure, fmt.Errorf("failed to insert device info: %w", insErr))
		}
		if id, insErr = res.LastInsertId(); insErr != nil {
			return sql.NullInt64{}, codedErr(CodeIOFailure, fmt.Errorf("failed to read device info id: %w", insErr))
		}
	} else if err != nil {
		return sql.NullInt64{}, codedErr(CodeIOFailure, fmt.Errorf("failed to look up device info: %w", err))
	}
	return sql.NullInt64{Int64: id, Valid: true}, nil
}

// deviceIDFor resolves a device-info row id back to the device identifier.
func (d *DeviceInfoStore) deviceIDFor(id int64) string {
	if id == 0 {
		return ""
	}
	var deviceID string
	if err := d.db.QueryRow(`SELECT device_id FROM `+deviceInfoTable+` WHERE row_id = ?`, id).Scan(&deviceID); err != nil {
		return ""
	}
	return deviceID
}
