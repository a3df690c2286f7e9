// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import "log/slog"

// Caller identifies the application invoking an operation.
type Caller struct {
	PackageName string
	UID         int
}

// PermissionOracle answers whether a caller currently holds a named
// permission. Implementations are supplied by the embedding platform; the
// engine never caches answers, every operation re-asks.
type PermissionOracle interface {
	HasPermission(caller Caller, permission string) bool
}

// AccessGate enforces per-category read/write permissions in front of the
// record store.
type AccessGate struct {
	oracle   PermissionOracle
	registry *Registry
	logger   *slog.Logger
}

func NewAccessGate(oracle PermissionOracle, registry *Registry, logger *slog.Logger) *AccessGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessGate{oracle: oracle, registry: registry, logger: logger}
}

// HasDataManagement reports whether the caller holds the management
// permission, which bypasses per-category checks and access logging.
func (g *AccessGate) HasDataManagement(caller Caller) bool {
	return g.oracle.HasPermission(caller, PermissionManageHealthData)
}

// CheckWrite verifies the caller holds the write permission of every
// category covered by the kinds.
func (g *AccessGate) CheckWrite(caller Caller, kinds []RecordKind) error {
	if g.HasDataManagement(caller) {
		return nil
	}
	for _, c := range g.categoriesOf(kinds) {
		perm := WritePermissionName(c)
		if !g.oracle.HasPermission(caller, perm) {
			g.logger.Debug("write permission denied",
				"package", caller.PackageName, "permission", perm)
			return codedErrf(CodePermissionDenied, "%s lacks %s", caller.PackageName, perm)
		}
	}
	return nil
}

// CheckRead verifies the caller holds the read permission of every category
// covered by the kinds. Used for multi-kind reads where the self-read
// fallback does not apply.
func (g *AccessGate) CheckRead(caller Caller, kinds []RecordKind) error {
	if g.HasDataManagement(caller) {
		return nil
	}
	for _, c := range g.categoriesOf(kinds) {
		perm := ReadPermissionName(c)
		if !g.oracle.HasPermission(caller, perm) {
			g.logger.Debug("read permission denied",
				"package", caller.PackageName, "permission", perm)
			return codedErrf(CodePermissionDenied, "%s lacks %s", caller.PackageName, perm)
		}
	}
	return nil
}

// CheckReadSingle authorizes a single-kind read. A caller holding only the
// write permission of the kind's category may still read, restricted to its
// own records; selfOnly reports that restriction.
func (g *AccessGate) CheckReadSingle(caller Caller, kind RecordKind) (selfOnly bool, err error) {
	if g.HasDataManagement(caller) {
		return false, nil
	}
	c := g.registry.CategoryFor(kind)
	if g.oracle.HasPermission(caller, ReadPermissionName(c)) {
		return false, nil
	}
	if g.oracle.HasPermission(caller, WritePermissionName(c)) {
		return true, nil
	}
	return false, codedErrf(CodePermissionDenied, "%s lacks %s", caller.PackageName, ReadPermissionName(c))
}

// CheckPermission verifies an exact named permission, for the privileged
// migration and staging surfaces.
func (g *AccessGate) CheckPermission(caller Caller, permission string) error {
	if !g.oracle.HasPermission(caller, permission) {
		return codedErrf(CodePermissionDenied, "%s lacks %s", caller.PackageName, permission)
	}
	return nil
}

func (g *AccessGate) categoriesOf(kinds []RecordKind) []PermissionCategory {
	seen := make(map[PermissionCategory]bool, len(kinds))
	var categories []PermissionCategory
	for _, kind := range kinds {
		c := g.registry.CategoryFor(kind)
		if !seen[c] {
			seen[c] = true
			categories = append(categories, c)
		}
	}
	return categories
}
