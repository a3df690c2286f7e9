// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"context"
	"strings"
)

const priorityPrefPrefix = "priority_order_"

// PriorityManager keeps the per-category contributor priority order. The
// order is replaced wholesale on every update; aggregation falls back to it
// when a request names no contributors.
type PriorityManager struct {
	prefs *PreferenceStore
}

func NewPriorityManager(prefs *PreferenceStore) *PriorityManager {
	return &PriorityManager{prefs: prefs}
}

// SetPriorityOrder replaces the priority order of the category. An empty
// list clears it.
func (m *PriorityManager) SetPriorityOrder(_ context.Context, category PermissionCategory, packages []string) error {
	key := priorityPrefPrefix + category.String()
	if len(packages) == 0 {
		return m.prefs.Delete(key)
	}
	seen := make(map[string]bool, len(packages))
	deduped := make([]string, 0, len(packages))
	for _, pkg := range packages {
		if pkg == "" {
			return codedErrf(CodeInvalidArgument, "priority order must not contain empty package names")
		}
		if !seen[pkg] {
			seen[pkg] = true
			deduped = append(deduped, pkg)
		}
	}
	return m.prefs.Put(key, strings.Join(deduped, ","))
}

// PriorityOrder returns the stored order, highest priority first. Missing
// order yields an empty list.
func (m *PriorityManager) PriorityOrder(_ context.Context, category PermissionCategory) ([]string, error) {
	v, ok := m.prefs.Get(priorityPrefPrefix + category.String())
	if !ok || v == "" {
		return nil, nil
	}
	return strings.Split(v, ","), nil
}
