// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the generic CRUD engine operating over the schema registry. All
// multi-row operations execute as a single transaction: partial failure
// leaves the store in its pre-call state.
type Store struct {
	db        *sql.DB
	registry  *Registry
	apps      *AppInfoStore
	devices   *DeviceInfoStore
	changeLog *ChangeLog
	logger    *slog.Logger

	// Serialize write transactions to prevent SQLite locking issues.
	writeMu sync.Mutex
}

func NewStore(db *sql.DB, registry *Registry, apps *AppInfoStore, devices *DeviceInfoStore, changeLog *ChangeLog, logger *slog.Logger) *Store {
	return &Store{
		db:        db,
		registry:  registry,
		apps:      apps,
		devices:   devices,
		changeLog: changeLog,
		logger:    logger,
	}
}

func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Insert persists all records atomically on behalf of actingPackage and
// returns the record uuids in input order. A record with a client record id
// already used by the same package updates the existing row in place,
// keeping its uuid.
func (s *Store) Insert(ctx context.Context, actingPackage string, records []Record) ([]string, error) {
	uuids := make([]string, 0, len(records))
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for i := range records {
			rec := records[i]
			rec.PackageName = actingPackage
			id, err := s.upsertOne(tx, &rec, false)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			uuids = append(uuids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uuids, nil
}

// Update rewrites existing rows matched by uuid. Every record must exist and
// be owned by the acting package.
func (s *Store) Update(ctx context.Context, actingPackage string, records []Record) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for i := range records {
			rec := records[i]
			rec.PackageName = actingPackage
			if err := s.updateOne(tx, &rec); err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
		}
		return nil
	})
}

// upsertOne inserts one record row plus its child rows and appends the
// change log entry. When replaceExisting is set (migration path) a uuid
// collision rewrites the row instead of failing.
func (s *Store) upsertOne(tx *sql.Tx, rec *Record, replaceExisting bool) (string, error) {
	d, err := s.registry.DescriptorFor(rec.Kind)
	if err != nil {
		return "", err
	}
	if rec.Payload == nil {
		return "", codedErrf(CodeInvalidArgument, "record of kind %v has no payload", rec.Kind)
	}
	if rec.Payload.Kind() != rec.Kind {
		return "", payloadMismatch(rec.Kind, rec.Payload)
	}
	values, err := d.Encode(rec.Payload)
	if err != nil {
		return "", err
	}

	if rec.UUID == "" {
		rec.UUID = uuid.New().String()
	} else if _, err := uuid.Parse(rec.UUID); err != nil {
		return "", codedErrf(CodeInvalidArgument, "invalid record uuid %q", rec.UUID)
	}

	appID, err := s.apps.idForCreate(tx, rec.PackageName)
	if err != nil {
		return "", err
	}
	deviceID, err := s.devices.idForCreate(tx, rec.DeviceID)
	if err != nil {
		return "", err
	}
	if rec.LastModifiedTimeMillis == 0 {
		rec.LastModifiedTimeMillis = time.Now().UnixMilli()
	}

	// Dedup on the caller-supplied client record id: the same
	// (package, client_record_id) pair updates in place, keeping the uuid.
	if rec.ClientRecordID != "" {
		var existingUUID string
		err := tx.QueryRow(`SELECT uuid FROM `+d.Table+` WHERE app_info_id = ? AND client_record_id = ?`,
			appID, rec.ClientRecordID).Scan(&existingUUID)
		if err == nil {
			rec.UUID = existingUUID
			return rec.UUID, s.rewriteRow(tx, d, rec, values, appID, deviceID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", codedErr(CodeIOFailure, fmt.Errorf("failed client record id lookup: %w", err))
		}
	}

	var existing int64
	err = tx.QueryRow(`SELECT row_id FROM `+d.Table+` WHERE uuid = ?`, rec.UUID).Scan(&existing)
	if err == nil {
		if !replaceExisting {
			return "", codedErrf(CodeInvalidArgument, "record uuid %s already exists", rec.UUID)
		}
		return rec.UUID, s.rewriteRow(tx, d, rec, values, appID, deviceID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", codedErr(CodeIOFailure, fmt.Errorf("failed uuid lookup: %w", err))
	}

	cols := []string{colUUID, colLastModifiedTime, colClientRecordID, colClientRecordVersion, colDeviceInfoID, colAppInfoID}
	args := []any{rec.UUID, rec.LastModifiedTimeMillis, nullString(rec.ClientRecordID), rec.ClientRecordVersion, deviceID, appID}
	for _, col := range d.Columns {
		cols = append(cols, col.Name)
		args = append(args, values[col.Name])
	}
	q := `INSERT INTO ` + d.Table + ` (` + strings.Join(cols, ",") + `) VALUES (` + placeholders(len(cols)) + `)`
	res, err := tx.Exec(q, args...)
	if err != nil {
		return "", codedErr(CodeIOFailure, fmt.Errorf("failed to insert into %s: %w", d.Table, err))
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return "", codedErr(CodeIOFailure, fmt.Errorf("failed to read inserted row id: %w", err))
	}
	if err := s.writeChildRows(tx, d, rowID, rec.Payload); err != nil {
		return "", err
	}
	if err := s.changeLog.recordUpsert(tx, rec.Kind, rec.UUID); err != nil {
		return "", err
	}
	return rec.UUID, nil
}

// updateOne rewrites an existing row owned by the acting package.
func (s *Store) updateOne(tx *sql.Tx, rec *Record) error {
	d, err := s.registry.DescriptorFor(rec.Kind)
	if err != nil {
		return err
	}
	if rec.Payload == nil || rec.Payload.Kind() != rec.Kind {
		return payloadMismatch(rec.Kind, rec.Payload)
	}
	values, err := d.Encode(rec.Payload)
	if err != nil {
		return err
	}
	appID, err := s.apps.idForCreate(tx, rec.PackageName)
	if err != nil {
		return err
	}

	var ownerID int64
	err = tx.QueryRow(`SELECT app_info_id FROM `+d.Table+` WHERE uuid = ?`, rec.UUID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return codedErrf(CodeInvalidArgument, "no record with uuid %s", rec.UUID)
	}
	if err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed ownership lookup: %w", err))
	}
	if ownerID != appID {
		return codedErrf(CodeInvalidArgument, "record %s is not owned by %s", rec.UUID, rec.PackageName)
	}

	deviceID, err := s.devices.idForCreate(tx, rec.DeviceID)
	if err != nil {
		return err
	}
	if rec.LastModifiedTimeMillis == 0 {
		rec.LastModifiedTimeMillis = time.Now().UnixMilli()
	}
	return s.rewriteRow(tx, d, rec, values, appID, deviceID)
}

// rewriteRow replaces the stored column values and child rows of the row
// matched by the record's uuid, then appends the upsert change log entry.
func (s *Store) rewriteRow(tx *sql.Tx, d *Descriptor, rec *Record, values map[string]any, appID int64, deviceID sql.NullInt64) error {
	sets := []string{
		colLastModifiedTime + " = ?",
		colClientRecordID + " = ?",
		colClientRecordVersion + " = ?",
		colDeviceInfoID + " = ?",
		colAppInfoID + " = ?",
	}
	args := []any{rec.LastModifiedTimeMillis, nullString(rec.ClientRecordID), rec.ClientRecordVersion, deviceID, appID}
	for _, col := range d.Columns {
		sets = append(sets, col.Name+" = ?")
		args = append(args, values[col.Name])
	}
	args = append(args, rec.UUID)
	_, err := tx.Exec(`UPDATE `+d.Table+` SET `+strings.Join(sets, ", ")+` WHERE uuid = ?`, args...)
	if err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to update %s: %w", d.Table, err))
	}

	if d.Child != nil {
		var rowID int64
		if err := tx.QueryRow(`SELECT row_id FROM `+d.Table+` WHERE uuid = ?`, rec.UUID).Scan(&rowID); err != nil {
			return codedErr(CodeIOFailure, fmt.Errorf("failed row id lookup: %w", err))
		}
		if _, err := tx.Exec(`DELETE FROM `+d.Child.Table+` WHERE `+colParentRowID+` = ?`, rowID); err != nil {
			return codedErr(CodeIOFailure, fmt.Errorf("failed to clear child rows: %w", err))
		}
		if err := s.writeChildRows(tx, d, rowID, rec.Payload); err != nil {
			return err
		}
	}
	return s.changeLog.recordUpsert(tx, rec.Kind, rec.UUID)
}

func (s *Store) writeChildRows(tx *sql.Tx, d *Descriptor, parentRowID int64, p Payload) error {
	if d.Child == nil {
		return nil
	}
	for _, row := range d.Child.Encode(p) {
		cols := []string{colParentRowID}
		args := []any{parentRowID}
		for _, col := range d.Child.Columns {
			cols = append(cols, col.Name)
			args = append(args, row[col.Name])
		}
		q := `INSERT INTO ` + d.Child.Table + ` (` + strings.Join(cols, ",") + `) VALUES (` + placeholders(len(cols)) + `)`
		if _, err := tx.Exec(q, args...); err != nil {
			return codedErr(CodeIOFailure, fmt.Errorf("failed to insert into %s: %w", d.Child.Table, err))
		}
	}
	return nil
}

// ReadRequest selects records of one kind either by explicit uuid list or by
// package filter plus time range with pagination. The two modes are
// mutually exclusive.
type ReadRequest struct {
	Kind  RecordKind
	UUIDs []string

	PackageFilter   []string
	StartTimeMillis int64
	EndTimeMillis   int64
	PageSize        int
	PageToken       int64
}

// NoMorePages is the page token returned when a paged read is exhausted.
const NoMorePages int64 = -1

const maxPageSize = 1000

// Read returns matching records. In filter mode the second return is the
// next page token, or NoMorePages when the scan is exhausted; in uuid mode
// it is always NoMorePages. ownerOnly, when non-empty, additionally
// restricts results to rows owned by that package (the self-read path).
func (s *Store) Read(ctx context.Context, req ReadRequest, ownerOnly string) ([]Record, int64, error) {
	d, err := s.registry.DescriptorFor(req.Kind)
	if err != nil {
		return nil, NoMorePages, err
	}
	if len(req.UUIDs) > 0 && len(req.PackageFilter) > 0 {
		return nil, NoMorePages, codedErrf(CodeInvalidArgument, "uuid list and package filter are mutually exclusive")
	}

	var (
		where []string
		args  []any
	)
	if len(req.UUIDs) > 0 {
		where = append(where, colUUID+` IN (`+placeholders(len(req.UUIDs))+`)`)
		for _, id := range req.UUIDs {
			args = append(args, id)
		}
	} else {
		if len(req.PackageFilter) > 0 {
			ids, known := s.apps.idsFor(req.PackageFilter)
			if !known {
				return nil, NoMorePages, errNoKnownPackages
			}
			where = append(where, colAppInfoID+` IN (`+placeholdersInt(ids, &args)+`)`)
		}
		if req.EndTimeMillis > 0 {
			where = append(where, d.TimeColumn+` BETWEEN ? AND ?`)
			args = append(args, req.StartTimeMillis, req.EndTimeMillis)
		}
		where = append(where, colRowID+` > ?`)
		args = append(args, req.PageToken)
	}

	if ownerOnly != "" {
		ownerID := s.apps.idFor(ownerOnly)
		if ownerID == 0 {
			return nil, NoMorePages, nil
		}
		where = append(where, colAppInfoID+` = ?`)
		args = append(args, ownerID)
	}

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	cols := []string{colRowID, colUUID, colLastModifiedTime, colClientRecordID, colClientRecordVersion, colDeviceInfoID, colAppInfoID}
	for _, col := range d.Columns {
		cols = append(cols, col.Name)
	}
	q := `SELECT ` + strings.Join(cols, ",") + ` FROM ` + d.Table
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ` + colRowID + ` ASC`
	if len(req.UUIDs) == 0 {
		// Id-list reads have no pagination surface; the page cap applies
		// to filtered scans only.
		q += ` LIMIT ?`
		args = append(args, pageSize+1)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, NoMorePages, codedErr(CodeIOFailure, fmt.Errorf("failed to read from %s: %w", d.Table, err))
	}
	defer rows.Close()

	type rawRow struct {
		rowID    int64
		appID    int64
		deviceID int64
		rec      Record
	}
	var raw []rawRow
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, NoMorePages, codedErr(CodeIOFailure, fmt.Errorf("failed to scan row: %w", err))
		}
		rowVals := make(map[string]any, len(cols))
		for i, name := range cols {
			rowVals[name] = vals[i]
		}
		payload, err := d.Decode(rowVals)
		if err != nil {
			return nil, NoMorePages, err
		}
		raw = append(raw, rawRow{
			rowID:    colInt64(rowVals, colRowID),
			appID:    colInt64(rowVals, colAppInfoID),
			deviceID: colInt64(rowVals, colDeviceInfoID),
			rec: Record{
				UUID:                   colString(rowVals, colUUID),
				Kind:                   req.Kind,
				LastModifiedTimeMillis: colInt64(rowVals, colLastModifiedTime),
				ClientRecordID:         colString(rowVals, colClientRecordID),
				ClientRecordVersion:    colInt64(rowVals, colClientRecordVersion),
				Payload:                payload,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, NoMorePages, codedErr(CodeIOFailure, fmt.Errorf("failed to iterate rows: %w", err))
	}

	nextToken := NoMorePages
	if len(req.UUIDs) == 0 && len(raw) > pageSize {
		raw = raw[:pageSize]
		nextToken = raw[len(raw)-1].rowID
	}

	// Resolving package and device names issues fresh queries, so it must
	// wait until the row cursor above has released its connection.
	records := make([]Record, 0, len(raw))
	for _, r := range raw {
		r.rec.PackageName = s.apps.packageNameFor(r.appID)
		r.rec.DeviceID = s.devices.deviceIDFor(r.deviceID)
		if d.Child != nil {
			payload, err := s.readChildRows(ctx, d, r.rowID, r.rec.Payload)
			if err != nil {
				return nil, NoMorePages, err
			}
			r.rec.Payload = payload
		}
		records = append(records, r.rec)
	}
	return records, nextToken, nil
}

func (s *Store) readChildRows(ctx context.Context, d *Descriptor, parentRowID int64, p Payload) (Payload, error) {
	cols := make([]string, 0, len(d.Child.Columns))
	for _, col := range d.Child.Columns {
		cols = append(cols, col.Name)
	}
	q := `SELECT ` + strings.Join(cols, ",") + ` FROM ` + d.Child.Table +
		` WHERE ` + colParentRowID + ` = ? ORDER BY ` + colRowID + ` ASC`
	rows, err := s.db.QueryContext(ctx, q, parentRowID)
	if err != nil {
		return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to read from %s: %w", d.Child.Table, err))
	}
	defer rows.Close()

	var childRows []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to scan child row: %w", err))
		}
		rowVals := make(map[string]any, len(cols))
		for i, name := range cols {
			rowVals[name] = vals[i]
		}
		childRows = append(childRows, rowVals)
	}
	if err := rows.Err(); err != nil {
		return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to iterate child rows: %w", err))
	}
	return d.Child.Decode(p, childRows)
}

// DeleteRequest selects records either by uuid list or by package filter
// plus time range, over the listed kinds (all kinds when empty).
type DeleteRequest struct {
	Kinds           []RecordKind
	UUIDs           []string
	PackageFilter   []string
	StartTimeMillis int64
	EndTimeMillis   int64
}

// Delete removes matching records atomically. Unless privileged, every
// deleted row must be owned by the acting package. Returns the number of
// deleted records.
func (s *Store) Delete(ctx context.Context, actingPackage string, req DeleteRequest, privileged bool) (int, error) {
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = s.registry.Kinds()
	}
	deleted := 0
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var actingID int64
		if !privileged {
			var err error
			actingID, err = s.apps.idForCreate(tx, actingPackage)
			if err != nil {
				return err
			}
		}
		for _, kind := range kinds {
			d, err := s.registry.DescriptorFor(kind)
			if err != nil {
				return err
			}
			n, err := s.deleteFromTable(tx, d, kind, req, actingID, privileged)
			if err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *Store) deleteFromTable(tx *sql.Tx, d *Descriptor, kind RecordKind, req DeleteRequest, actingID int64, privileged bool) (int, error) {
	var (
		where []string
		args  []any
	)
	if len(req.UUIDs) > 0 {
		where = append(where, colUUID+` IN (`+placeholders(len(req.UUIDs))+`)`)
		for _, id := range req.UUIDs {
			args = append(args, id)
		}
	} else {
		if len(req.PackageFilter) > 0 {
			ids, known := s.apps.idsFor(req.PackageFilter)
			if !known {
				return 0, nil
			}
			where = append(where, colAppInfoID+` IN (`+placeholdersInt(ids, &args)+`)`)
		}
		if req.EndTimeMillis > 0 {
			where = append(where, d.TimeColumn+` BETWEEN ? AND ?`)
			args = append(args, req.StartTimeMillis, req.EndTimeMillis)
		}
	}
	q := `SELECT ` + colRowID + `, ` + colUUID + `, ` + colAppInfoID + ` FROM ` + d.Table
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := tx.Query(q, args...)
	if err != nil {
		return 0, codedErr(CodeIOFailure, fmt.Errorf("failed to select rows to delete from %s: %w", d.Table, err))
	}
	type victim struct {
		rowID int64
		uuid  string
		appID int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.rowID, &v.uuid, &v.appID); err != nil {
			rows.Close()
			return 0, codedErr(CodeIOFailure, fmt.Errorf("failed to scan delete candidate: %w", err))
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, codedErr(CodeIOFailure, fmt.Errorf("failed to iterate delete candidates: %w", err))
	}
	rows.Close()

	for _, v := range victims {
		if !privileged && v.appID != actingID {
			return 0, codedErrf(CodePermissionDenied, "record %s is not owned by the caller", v.uuid)
		}
		if _, err := tx.Exec(`DELETE FROM `+d.Table+` WHERE `+colRowID+` = ?`, v.rowID); err != nil {
			return 0, codedErr(CodeIOFailure, fmt.Errorf("failed to delete from %s: %w", d.Table, err))
		}
		if err := s.changeLog.recordDelete(tx, kind, v.uuid); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

// DistinctPackagesFor returns the set of packages that have contributed at
// least one row for the kind.
func (s *Store) DistinctPackagesFor(ctx context.Context, kind RecordKind) ([]string, error) {
	d, err := s.registry.DescriptorFor(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT `+colAppInfoID+` FROM `+d.Table)
	if err != nil {
		return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to query contributors for %s: %w", d.Table, err))
	}
	defer rows.Close()

	var packages []string
	for rows.Next() {
		var appID int64
		if err := rows.Scan(&appID); err != nil {
			return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to scan contributor id: %w", err))
		}
		if name := s.apps.packageNameFor(appID); name != "" {
			packages = append(packages, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to iterate contributors: %w", err))
	}
	return packages, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func placeholdersInt(ids []int64, args *[]any) string {
	for _, id := range ids {
		*args = append(*args, id)
	}
	return placeholders(len(ids))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
