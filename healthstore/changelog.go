// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	changeLogTable      = "change_logs_table"
	changeLogTokenTable = "change_log_token_table"
)

// Change log operation kinds.
const (
	opUpsert = 0
	opDelete = 1
)

// ChangeLog records every insert/update/delete as an append-only entry and
// serves incremental diffs against durable, resumable tokens. Entry
// visibility is atomic with the data mutation: recordUpsert/recordDelete run
// inside the same transaction as the row change.
type ChangeLog struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewChangeLog(db *sql.DB, logger *slog.Logger) *ChangeLog {
	return &ChangeLog{db: db, logger: logger}
}

// recordUpsert appends an upsert entry within the data transaction.
func (c *ChangeLog) recordUpsert(tx *sql.Tx, kind RecordKind, recordUUID string) error {
	return c.record(tx, kind, recordUUID, opUpsert)
}

// recordDelete appends a delete entry within the data transaction.
func (c *ChangeLog) recordDelete(tx *sql.Tx, kind RecordKind, recordUUID string) error {
	return c.record(tx, kind, recordUUID, opDelete)
}

func (c *ChangeLog) record(tx *sql.Tx, kind RecordKind, recordUUID string, op int) error {
	_, err := tx.Exec(`INSERT INTO `+changeLogTable+` (record_kind, uuid, operation, time) VALUES (?, ?, ?, ?)`,
		int(kind), recordUUID, op, time.Now().UnixMilli())
	if err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to append change log entry: %w", err))
	}
	return nil
}

// GetToken persists a cursor bound to the requesting package and the record
// kinds it may see, snapshotting the current maximum sequence. The returned
// token is opaque and remains valid across process restarts.
func (c *ChangeLog) GetToken(ctx context.Context, packageName string, kinds []RecordKind) (string, error) {
	if len(kinds) == 0 {
		return "", codedErrf(CodeInvalidArgument, "change log token requires at least one record kind")
	}
	var maxSeq int64
	err := c.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(row_id), 0) FROM `+changeLogTable).Scan(&maxSeq)
	if err != nil {
		return "", codedErr(CodeIOFailure, fmt.Errorf("failed to read change log watermark: %w", err))
	}
	return c.persistToken(ctx, packageName, kinds, maxSeq)
}

func (c *ChangeLog) persistToken(ctx context.Context, packageName string, kinds []RecordKind, lastSeq int64) (string, error) {
	tokenID := uuid.New().String()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO `+changeLogTokenTable+` (token_id, package_name, record_kinds, last_seq, created_at) VALUES (?, ?, ?, ?, ?)`,
		tokenID, packageName, encodeKinds(kinds), lastSeq, time.Now().UnixMilli())
	if err != nil {
		return "", codedErr(CodeIOFailure, fmt.Errorf("failed to persist change log token: %w", err))
	}
	return tokenID, nil
}

// TokenRequest is the stored binding of a change log token.
type TokenRequest struct {
	PackageName string
	Kinds       []RecordKind
	LastSeq     int64
}

// TokenRequestFor loads the cursor for a token, validating that it belongs
// to the requesting package.
func (c *ChangeLog) TokenRequestFor(ctx context.Context, packageName, token string) (*TokenRequest, error) {
	var (
		owner    string
		kindsStr string
		lastSeq  int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT package_name, record_kinds, last_seq FROM `+changeLogTokenTable+` WHERE token_id = ?`, token).
		Scan(&owner, &kindsStr, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, codedErrf(CodeInvalidArgument, "unknown change log token")
	}
	if err != nil {
		return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to load change log token: %w", err))
	}
	if owner != packageName {
		return nil, codedErrf(CodeInvalidArgument, "change log token does not belong to %s", packageName)
	}
	return &TokenRequest{PackageName: owner, Kinds: decodeKinds(kindsStr), LastSeq: lastSeq}, nil
}

// ChangesResponse is one page of the incremental diff.
type ChangesResponse struct {
	// UpsertedByKind groups new/changed record uuids by record kind; the
	// caller reads the records back through the store.
	UpsertedByKind map[RecordKind][]string
	DeletedUUIDs   []string
	NextToken      string
	HasMore        bool
}

// GetChanges scans change log entries past the token's cursor, limited to
// the token's record kinds, ordered by sequence, capped at pageSize. The
// final operation per uuid within the page wins; a continuation token is
// always returned.
func (c *ChangeLog) GetChanges(ctx context.Context, req *TokenRequest, pageSize int) (*ChangesResponse, error) {
	if pageSize <= 0 || pageSize > 5000 {
		pageSize = 1000
	}

	placeholders := make([]string, len(req.Kinds))
	args := make([]any, 0, len(req.Kinds)+2)
	args = append(args, req.LastSeq)
	for i, k := range req.Kinds {
		placeholders[i] = "?"
		args = append(args, int(k))
	}
	args = append(args, pageSize+1)

	// Fetch one row past the page to detect whether more entries remain.
	q := `SELECT row_id, record_kind, uuid, operation FROM ` + changeLogTable +
		` WHERE row_id > ? AND record_kind IN (` + strings.Join(placeholders, ",") + `)
		 ORDER BY row_id ASC LIMIT ?`
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to scan change log: %w", err))
	}
	defer rows.Close()

	type entry struct {
		kind RecordKind
		op   int
	}
	lastOp := make(map[string]entry)
	order := make([]string, 0, pageSize)
	var lastSeq = req.LastSeq
	count := 0
	hasMore := false
	for rows.Next() {
		var (
			seq        int64
			kindInt    int
			recordUUID string
			op         int
		)
		if err := rows.Scan(&seq, &kindInt, &recordUUID, &op); err != nil {
			return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to scan change log entry: %w", err))
		}
		count++
		if count > pageSize {
			hasMore = true
			break
		}
		if _, seen := lastOp[recordUUID]; !seen {
			order = append(order, recordUUID)
		}
		lastOp[recordUUID] = entry{kind: RecordKind(kindInt), op: op}
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, codedErr(CodeIOFailure, fmt.Errorf("failed to iterate change log: %w", err))
	}

	resp := &ChangesResponse{
		UpsertedByKind: make(map[RecordKind][]string),
		HasMore:        hasMore,
	}
	for _, recordUUID := range order {
		e := lastOp[recordUUID]
		if e.op == opDelete {
			resp.DeletedUUIDs = append(resp.DeletedUUIDs, recordUUID)
		} else {
			resp.UpsertedByKind[e.kind] = append(resp.UpsertedByKind[e.kind], recordUUID)
		}
	}

	next, err := c.persistToken(ctx, req.PackageName, req.Kinds, lastSeq)
	if err != nil {
		return nil, err
	}
	resp.NextToken = next
	return resp, nil
}

// pruneBefore bulk-deletes change log entries older than the cutoff. This is
// the only path that removes entries; it runs from the retention pass.
func (c *ChangeLog) pruneBefore(ctx context.Context, cutoffMillis int64) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM `+changeLogTable+` WHERE time < ?`, cutoffMillis)
	if err != nil {
		return 0, codedErr(CodeIOFailure, fmt.Errorf("failed to prune change log: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// pruneTokensBefore deletes tokens created before the cutoff. Every
// GetChanges page persists a fresh continuation token, so stale token rows
// accumulate until the retention pass ages them out.
func (c *ChangeLog) pruneTokensBefore(ctx context.Context, cutoffMillis int64) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM `+changeLogTokenTable+` WHERE created_at < ?`, cutoffMillis)
	if err != nil {
		return 0, codedErr(CodeIOFailure, fmt.Errorf("failed to prune change log tokens: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func encodeKinds(kinds []RecordKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = strconv.Itoa(int(k))
	}
	return strings.Join(parts, ",")
}

func decodeKinds(s string) []RecordKind {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	kinds := make([]RecordKind, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(p); err == nil {
			kinds = append(kinds, RecordKind(n))
		}
	}
	return kinds
}
