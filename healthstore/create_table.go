// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"database/sql"
	"fmt"
	"strings"
)

// createTableRequest builds the idempotent DDL for one table: the CREATE
// TABLE statement, one index per declared foreign key, and recursively the
// child table requests.
type createTableRequest struct {
	table       string
	columns     []ColumnDef
	foreignKeys []foreignKey
	children    []createTableRequest
}

type foreignKey struct {
	columns    []string
	refTable   string
	refColumns []string
	cascade    bool
}

func (r createTableRequest) createStatement() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(r.table)
	b.WriteString(" (")
	for i, col := range r.columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(col.Name)
		b.WriteString(" ")
		b.WriteString(col.Type)
	}
	for _, fk := range r.foreignKeys {
		b.WriteString(", FOREIGN KEY (")
		b.WriteString(strings.Join(fk.columns, ","))
		b.WriteString(") REFERENCES ")
		b.WriteString(fk.refTable)
		b.WriteString("(")
		b.WriteString(strings.Join(fk.refColumns, ","))
		b.WriteString(")")
		if fk.cascade {
			b.WriteString(" ON DELETE CASCADE")
		}
	}
	b.WriteString(")")
	return b.String()
}

func (r createTableRequest) indexStatements() []string {
	stmts := make([]string, 0, len(r.foreignKeys))
	for i, fk := range r.foreignKeys {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_%d ON %s(%s)",
			r.table, i, r.table, strings.Join(fk.columns, ",")))
	}
	return stmts
}

// execute runs the table creation, its FK indexes, and all child tables.
func (r createTableRequest) execute(db *sql.DB) error {
	if _, err := db.Exec(r.createStatement()); err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to create table %s: %w", r.table, err))
	}
	for _, stmt := range r.indexStatements() {
		if _, err := db.Exec(stmt); err != nil {
			return codedErr(CodeIOFailure, fmt.Errorf("failed to create index on %s: %w", r.table, err))
		}
	}
	for _, child := range r.children {
		if err := child.execute(db); err != nil {
			return err
		}
	}
	return nil
}

// createRequestFor builds the table-creation request for a record kind,
// including the foreign keys to the app-info and device-info tables and the
// child series table when the descriptor declares one.
func createRequestFor(d *Descriptor) createTableRequest {
	req := createTableRequest{
		table:   d.Table,
		columns: d.baseColumns(),
		foreignKeys: []foreignKey{
			{columns: []string{colDeviceInfoID}, refTable: deviceInfoTable, refColumns: []string{colRowID}},
			{columns: []string{colAppInfoID}, refTable: appInfoTable, refColumns: []string{colRowID}},
		},
	}
	if d.Child != nil {
		childCols := append([]ColumnDef{
			{colRowID, colPrimaryAutoincrement},
			{colParentRowID, colIntegerNotNull},
		}, d.Child.Columns...)
		req.children = append(req.children, createTableRequest{
			table:   d.Child.Table,
			columns: childCols,
			foreignKeys: []foreignKey{
				{columns: []string{colParentRowID}, refTable: d.Table, refColumns: []string{colRowID}, cascade: true},
			},
		})
	}
	return req
}

// initializeDatabase enables the pragmas the engine relies on and creates
// every table: per-kind record tables, side lookup tables, preferences,
// access log, and the change log.
func initializeDatabase(db *sql.DB, registry *Registry) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to enable WAL mode: %w", err))
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return codedErr(CodeIOFailure, fmt.Errorf("failed to enable foreign keys: %w", err))
	}

	fixed := []createTableRequest{
		{
			table: appInfoTable,
			columns: []ColumnDef{
				{colRowID, colPrimaryAutoincrement},
				{"package_name", colTextNotNullUnique},
				{"app_name", colTextNull},
			},
		},
		{
			table: deviceInfoTable,
			columns: []ColumnDef{
				{colRowID, colPrimaryAutoincrement},
				{"device_id", colTextNotNullUnique},
			},
		},
		{
			table: preferenceTable,
			columns: []ColumnDef{
				{"key", "TEXT PRIMARY KEY"},
				{"value", "TEXT NOT NULL"},
			},
		},
		{
			table: accessLogTable,
			columns: []ColumnDef{
				{colRowID, colPrimaryAutoincrement},
				{"package_name", "TEXT NOT NULL"},
				{"record_kinds", "TEXT NOT NULL"},
				{"operation", colIntegerNotNull},
				{"access_time", colIntegerNotNull},
			},
		},
		{
			table: changeLogTable,
			columns: []ColumnDef{
				{colRowID, colPrimaryAutoincrement},
				{"record_kind", colIntegerNotNull},
				{colUUID, "TEXT NOT NULL"},
				{"operation", colIntegerNotNull},
				{"time", colIntegerNotNull},
			},
		},
		{
			table: changeLogTokenTable,
			columns: []ColumnDef{
				{"token_id", "TEXT PRIMARY KEY"},
				{"package_name", "TEXT NOT NULL"},
				{"record_kinds", "TEXT NOT NULL"},
				{"last_seq", colIntegerNotNull},
				{"created_at", colIntegerNotNull},
			},
		},
	}
	for _, req := range fixed {
		if err := req.execute(db); err != nil {
			return err
		}
	}
	for _, kind := range registry.Kinds() {
		d, err := registry.DescriptorFor(kind)
		if err != nil {
			return err
		}
		if err := createRequestFor(d).execute(db); err != nil {
			return err
		}
	}
	return nil
}
