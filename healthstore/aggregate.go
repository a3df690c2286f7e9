// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// AggregationID names one derivable statistic over stored records.
type AggregationID int

const (
	StepsCountTotal AggregationID = iota + 1
	DistanceTotal
	ActiveCaloriesTotal
	HydrationVolumeTotal
	HeartRateBpmMax
	HeartRateBpmMin
	HeartRateBpmAvg
	HeartRateMeasurementsCount
	WeightMax
	WeightMin
	WeightAvg
)

func (id AggregationID) String() string {
	switch id {
	case StepsCountTotal:
		return "STEPS_COUNT_TOTAL"
	case DistanceTotal:
		return "DISTANCE_TOTAL"
	case ActiveCaloriesTotal:
		return "ACTIVE_CALORIES_TOTAL"
	case HydrationVolumeTotal:
		return "HYDRATION_VOLUME_TOTAL"
	case HeartRateBpmMax:
		return "HEART_RATE_BPM_MAX"
	case HeartRateBpmMin:
		return "HEART_RATE_BPM_MIN"
	case HeartRateBpmAvg:
		return "HEART_RATE_BPM_AVG"
	case HeartRateMeasurementsCount:
		return "HEART_RATE_MEASUREMENTS_COUNT"
	case WeightMax:
		return "WEIGHT_MAX"
	case WeightMin:
		return "WEIGHT_MIN"
	case WeightAvg:
		return "WEIGHT_AVG"
	default:
		return fmt.Sprintf("AGGREGATION(%d)", int(id))
	}
}

// AggregateOp is the SQL reduction applied to the bound column.
type AggregateOp int

const (
	OpSum AggregateOp = iota
	OpCount
	OpMin
	OpMax
	OpAvg
)

func (op AggregateOp) sqlFunc(column string) string {
	switch op {
	case OpSum:
		return "SUM(" + column + ")"
	case OpCount:
		return "COUNT(" + column + ")"
	case OpMin:
		return "MIN(" + column + ")"
	case OpMax:
		return "MAX(" + column + ")"
	case OpAvg:
		return "AVG(" + column + ")"
	default:
		panic(fmt.Sprintf("healthstore: unknown aggregate op %d", op))
	}
}

// aggregateBinding maps an aggregation id onto a record kind, a column and
// a reduction. A child binding reduces over the kind's sample table joined
// to its parent rows.
type aggregateBinding struct {
	Kind   RecordKind
	Op     AggregateOp
	Column string
	Child  bool
}

func aggregateBindings() map[AggregationID]aggregateBinding {
	return map[AggregationID]aggregateBinding{
		StepsCountTotal:            {Kind: KindSteps, Op: OpSum, Column: "count"},
		DistanceTotal:              {Kind: KindDistance, Op: OpSum, Column: "distance"},
		ActiveCaloriesTotal:        {Kind: KindActiveCalories, Op: OpSum, Column: "energy"},
		HydrationVolumeTotal:       {Kind: KindHydration, Op: OpSum, Column: "volume"},
		HeartRateBpmMax:            {Kind: KindHeartRate, Op: OpMax, Column: "beats_per_minute", Child: true},
		HeartRateBpmMin:            {Kind: KindHeartRate, Op: OpMin, Column: "beats_per_minute", Child: true},
		HeartRateBpmAvg:            {Kind: KindHeartRate, Op: OpAvg, Column: "beats_per_minute", Child: true},
		HeartRateMeasurementsCount: {Kind: KindHeartRate, Op: OpCount, Column: "beats_per_minute", Child: true},
		WeightMax:                  {Kind: KindWeight, Op: OpMax, Column: "weight"},
		WeightMin:                  {Kind: KindWeight, Op: OpMin, Column: "weight"},
		WeightAvg:                  {Kind: KindWeight, Op: OpAvg, Column: "weight"},
	}
}

// KindForAggregation resolves the record kind an aggregation reads, for
// permission checks.
func (r *Registry) KindForAggregation(id AggregationID) (RecordKind, error) {
	b, ok := r.aggregates[id]
	if !ok {
		return KindUnknown, codedErrf(CodeInvalidArgument, "unknown aggregation id %v", id)
	}
	return b.Kind, nil
}

// AggregateParams selects the statistics to compute and the rows they
// cover. An empty PackageFilter falls back to the priority order of each
// statistic's category; an empty priority order covers all contributors.
type AggregateParams struct {
	IDs             []AggregationID
	PackageFilter   []string
	StartTimeMillis int64
	EndTimeMillis   int64
}

// AggregateResult is the outcome for one requested aggregation id. A bad id
// yields a result with Err set while the remaining ids still compute;
// storage failures fail the request instead. NoData distinguishes "no
// matching rows" from a legitimate zero value.
type AggregateResult struct {
	ID     AggregationID
	NoData bool
	Value  float64
	Count  int64
	Err    error
}

// Aggregator computes statistics directly in SQL over the record tables.
type Aggregator struct {
	db         *sql.DB
	registry   *Registry
	apps       *AppInfoStore
	priorities *PriorityManager
	logger     *slog.Logger
}

func NewAggregator(db *sql.DB, registry *Registry, apps *AppInfoStore, priorities *PriorityManager, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{db: db, registry: registry, apps: apps, priorities: priorities, logger: logger}
}

// Aggregate computes every requested statistic. The returned slice is in
// input order, one result per requested id. A storage failure aborts the
// whole request; only per-id resolution failures (an unknown id, an
// unresolvable kind) are isolated into their result's Err.
func (a *Aggregator) Aggregate(ctx context.Context, params AggregateParams) ([]AggregateResult, error) {
	results := make([]AggregateResult, 0, len(params.IDs))
	for _, id := range params.IDs {
		res := a.aggregateOne(ctx, id, params)
		if res.Err != nil {
			if IsIOFailure(res.Err) {
				return nil, res.Err
			}
			a.logger.Debug("aggregation failed", "id", id.String(), "error", res.Err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (a *Aggregator) aggregateOne(ctx context.Context, id AggregationID, params AggregateParams) AggregateResult {
	res := AggregateResult{ID: id}
	b, ok := a.registry.aggregates[id]
	if !ok {
		res.Err = codedErrf(CodeInvalidArgument, "unknown aggregation id %v", id)
		return res
	}
	d, err := a.registry.DescriptorFor(b.Kind)
	if err != nil {
		res.Err = err
		return res
	}

	appIDs, restrict, err := a.contributorFilter(ctx, params.PackageFilter, b.Kind)
	if err != nil {
		res.Err = err
		return res
	}
	if restrict && len(appIDs) == 0 {
		res.NoData = true
		return res
	}

	var (
		where []string
		args  []any
	)
	if params.EndTimeMillis > 0 {
		where = append(where, "p."+d.TimeColumn+` BETWEEN ? AND ?`)
		args = append(args, params.StartTimeMillis, params.EndTimeMillis)
	}
	if restrict {
		where = append(where, "p."+colAppInfoID+` IN (`+placeholdersInt(appIDs, &args)+`)`)
	}

	var q string
	if b.Child {
		q = `SELECT ` + b.Op.sqlFunc("c."+b.Column) + `, COUNT(c.` + b.Column + `)` +
			` FROM ` + d.Child.Table + ` c JOIN ` + d.Table + ` p ON c.` + colParentRowID + ` = p.` + colRowID
	} else {
		q = `SELECT ` + b.Op.sqlFunc("p."+b.Column) + `, COUNT(p.` + b.Column + `)` +
			` FROM ` + d.Table + ` p`
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}

	var (
		value sql.NullFloat64
		count int64
	)
	if err := a.db.QueryRowContext(ctx, q, args...).Scan(&value, &count); err != nil {
		res.Err = codedErr(CodeIOFailure, fmt.Errorf("failed to aggregate over %s: %w", d.Table, err))
		return res
	}
	if count == 0 {
		res.NoData = true
		return res
	}
	res.Value = value.Float64
	res.Count = count
	return res
}

// contributorFilter resolves the app ids an aggregation covers. restrict is
// false when the reduction spans all contributors.
func (a *Aggregator) contributorFilter(ctx context.Context, filter []string, kind RecordKind) (ids []int64, restrict bool, err error) {
	packages := filter
	if len(packages) == 0 {
		packages, err = a.priorities.PriorityOrder(ctx, a.registry.CategoryFor(kind))
		if err != nil {
			return nil, false, err
		}
		if len(packages) == 0 {
			return nil, false, nil
		}
	}
	appIDs, known := a.apps.idsFor(packages)
	if !known {
		// Unknown contributors have no rows.
		return nil, true, nil
	}
	return appIDs, true, nil
}
