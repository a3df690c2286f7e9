// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const accessLogTable = "access_log_table"

// Access log operation kinds.
const (
	AccessRead   = 0
	AccessUpsert = 1
	AccessDelete = 2
)

// AccessLogEntry records one data access by a non-privileged caller.
type AccessLogEntry struct {
	PackageName      string
	Kinds            []RecordKind
	Operation        int
	AccessTimeMillis int64
}

// AccessLog is the append-only audit trail of non-privileged data accesses.
// Privileged (data management) calls are never logged.
type AccessLog struct {
	db *sql.DB
}

func NewAccessLog(db *sql.DB) *AccessLog {
	return &AccessLog{db: db}
}

func (l *AccessLog) Append(ctx context.Context, packageName string, kinds []RecordKind, operation int) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO `+accessLogTable+` (package_name, record_kinds, operation, access_time) VALUES (?, ?, ?, ?)`,
		packageName, encodeKinds(kinds), operation, time.Now().UnixMilli())
	if err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to append access log: %w", err))
	}
	return nil
}

// Query returns entries newer than sinceMillis, oldest first.
func (l *AccessLog) Query(ctx context.Context, sinceMillis int64) ([]AccessLogEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT package_name, record_kinds, operation, access_time FROM `+accessLogTable+
			` WHERE access_time > ? ORDER BY `+colRowID+` ASC`, sinceMillis)
	if err != nil {
		return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to query access log: %w", err))
	}
	defer rows.Close()

	var entries []AccessLogEntry
	for rows.Next() {
		var (
			e     AccessLogEntry
			kinds string
		)
		if err := rows.Scan(&e.PackageName, &kinds, &e.Operation, &e.AccessTimeMillis); err != nil {
			return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to scan access log entry: %w", err))
		}
		e.Kinds = decodeKinds(kinds)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to iterate access log: %w", err))
	}
	return entries, nil
}

func (l *AccessLog) pruneBefore(ctx context.Context, cutoffMillis int64) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM `+accessLogTable+` WHERE access_time < ?`, cutoffMillis)
	if err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to prune access log: %w", err))
	}
	return nil
}
