// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import "fmt"

// SQLite column type fragments shared by every descriptor.
const (
	colPrimaryAutoincrement = "INTEGER PRIMARY KEY AUTOINCREMENT"
	colTextNotNullUnique    = "TEXT NOT NULL UNIQUE"
	colTextNull             = "TEXT"
	colInteger              = "INTEGER"
	colIntegerNotNull       = "INTEGER NOT NULL"
	colReal                 = "REAL"
)

// Base columns present in every record main table. Kind-specific columns are
// appended after these. The column set of an existing table is append-only;
// new columns arrive only through an explicit upgrade.
const (
	colRowID               = "row_id"
	colUUID                = "uuid"
	colLastModifiedTime    = "last_modified_time"
	colClientRecordID      = "client_record_id"
	colClientRecordVersion = "client_record_version"
	colDeviceInfoID        = "device_info_id"
	colAppInfoID           = "app_info_id"
	colParentRowID         = "parent_row_id"
)

type ColumnDef struct {
	Name string
	Type string
}

// ChildDescriptor describes a child table holding sample series rows that
// reference the main row by foreign key.
type ChildDescriptor struct {
	Table   string
	Columns []ColumnDef
	Encode  func(p Payload) []map[string]any
	Decode  func(p Payload, rows []map[string]any) (Payload, error)
}

// Descriptor maps one record kind to its storage schema and codec. Encode
// and Decode are explicit per-kind functions; there is no reflective row
// construction anywhere in the engine.
type Descriptor struct {
	Kind       RecordKind
	Table      string
	Columns    []ColumnDef // kind-specific columns only
	TimeColumn string      // column used for time-range filters and retention
	Child      *ChildDescriptor
	Encode     func(p Payload) (map[string]any, error)
	Decode     func(vals map[string]any) (Payload, error)
}

// baseColumns returns the full ordered column list for the main table.
func (d *Descriptor) baseColumns() []ColumnDef {
	cols := []ColumnDef{
		{colRowID, colPrimaryAutoincrement},
		{colUUID, colTextNotNullUnique},
		{colLastModifiedTime, colInteger},
		{colClientRecordID, colTextNull},
		{colClientRecordVersion, colInteger},
		{colDeviceInfoID, colInteger},
		{colAppInfoID, colInteger},
	}
	return append(cols, d.Columns...)
}

// Registry maps record kinds to schema descriptors and permission
// categories. It is built once at construction and immutable afterwards.
type Registry struct {
	descriptors map[RecordKind]*Descriptor
	categories  map[RecordKind]PermissionCategory
	aggregates  map[AggregationID]aggregateBinding
}

// DescriptorFor returns the schema descriptor for a kind.
func (r *Registry) DescriptorFor(kind RecordKind) (*Descriptor, error) {
	d, ok := r.descriptors[kind]
	if !ok {
		return nil, codedErrf(CodeInvalidArgument, "unknown record kind %v", kind)
	}
	return d, nil
}

// CategoryFor returns the permission category for a kind. A kind without a
// mapped category is a programming error, not a runtime condition.
func (r *Registry) CategoryFor(kind RecordKind) PermissionCategory {
	c, ok := r.categories[kind]
	if !ok {
		panic(fmt.Sprintf("healthstore: no permission category mapped for record kind %v", kind))
	}
	return c
}

// Kinds returns every registered record kind.
func (r *Registry) Kinds() []RecordKind {
	kinds := make([]RecordKind, 0, len(r.descriptors))
	for _, d := range allDescriptors {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

// KindsForCategory returns the record kinds gated by one permission
// category, in registration order.
func (r *Registry) KindsForCategory(c PermissionCategory) []RecordKind {
	var kinds []RecordKind
	for _, d := range allDescriptors {
		if r.categories[d.Kind] == c {
			kinds = append(kinds, d.Kind)
		}
	}
	return kinds
}

// NewRegistry builds the closed registry of record kinds.
func NewRegistry() *Registry {
	r := &Registry{
		descriptors: make(map[RecordKind]*Descriptor, len(allDescriptors)),
		categories: map[RecordKind]PermissionCategory{
			KindSteps:          CategoryActivity,
			KindDistance:       CategoryActivity,
			KindActiveCalories: CategoryActivity,
			KindHeartRate:      CategoryVitals,
			KindBloodPressure:  CategoryVitals,
			KindWeight:         CategoryBodyMeasurements,
			KindHeight:         CategoryBodyMeasurements,
			KindHydration:      CategoryNutrition,
		},
		aggregates: aggregateBindings(),
	}
	for _, d := range allDescriptors {
		r.descriptors[d.Kind] = d
		// Fail fast on a kind that was registered without a category.
		r.CategoryFor(d.Kind)
	}
	return r
}

var allDescriptors = []*Descriptor{
	{
		Kind:  KindSteps,
		Table: "steps_record_table",
		Columns: []ColumnDef{
			{"start_time", colIntegerNotNull},
			{"end_time", colIntegerNotNull},
			{"count", colIntegerNotNull},
		},
		TimeColumn: "start_time",
		Encode: func(p Payload) (map[string]any, error) {
			sp, ok := p.(StepsPayload)
			if !ok {
				return nil, payloadMismatch(KindSteps, p)
			}
			if sp.Count < 0 {
				return nil, codedErrf(CodeInvalidArgument, "steps count must not be negative, got %d", sp.Count)
			}
			if err := checkTimeRange(sp.StartTimeMillis, sp.EndTimeMillis); err != nil {
				return nil, err
			}
			return map[string]any{
				"start_time": sp.StartTimeMillis,
				"end_time":   sp.EndTimeMillis,
				"count":      sp.Count,
			}, nil
		},
		Decode: func(vals map[string]any) (Payload, error) {
			return StepsPayload{
				StartTimeMillis: colInt64(vals, "start_time"),
				EndTimeMillis:   colInt64(vals, "end_time"),
				Count:           colInt64(vals, "count"),
			}, nil
		},
	},
	{
		Kind:  KindDistance,
		Table: "distance_record_table",
		Columns: []ColumnDef{
			{"start_time", colIntegerNotNull},
			{"end_time", colIntegerNotNull},
			{"distance", colReal},
		},
		TimeColumn: "start_time",
		Encode: func(p Payload) (map[string]any, error) {
			dp, ok := p.(DistancePayload)
			if !ok {
				return nil, payloadMismatch(KindDistance, p)
			}
			if dp.DistanceMeters < 0 {
				return nil, codedErrf(CodeInvalidArgument, "distance must not be negative, got %f", dp.DistanceMeters)
			}
			if err := checkTimeRange(dp.StartTimeMillis, dp.EndTimeMillis); err != nil {
				return nil, err
			}
			return map[string]any{
				"start_time": dp.StartTimeMillis,
				"end_time":   dp.EndTimeMillis,
				"distance":   dp.DistanceMeters,
			}, nil
		},
		Decode: func(vals map[string]any) (Payload, error) {
			return DistancePayload{
				StartTimeMillis: colInt64(vals, "start_time"),
				EndTimeMillis:   colInt64(vals, "end_time"),
				DistanceMeters:  colFloat64(vals, "distance"),
			}, nil
		},
	},
	{
		Kind:  KindActiveCalories,
		Table: "active_calories_burned_record_table",
		Columns: []ColumnDef{
			{"start_time", colIntegerNotNull},
			{"end_time", colIntegerNotNull},
			{"energy", colReal},
		},
		TimeColumn: "start_time",
		Encode: func(p Payload) (map[string]any, error) {
			ap, ok := p.(ActiveCaloriesPayload)
			if !ok {
				return nil, payloadMismatch(KindActiveCalories, p)
			}
			if err := checkTimeRange(ap.StartTimeMillis, ap.EndTimeMillis); err != nil {
				return nil, err
			}
			return map[string]any{
				"start_time": ap.StartTimeMillis,
				"end_time":   ap.EndTimeMillis,
				"energy":     ap.EnergyKcal,
			}, nil
		},
		Decode: func(vals map[string]any) (Payload, error) {
			return ActiveCaloriesPayload{
				StartTimeMillis: colInt64(vals, "start_time"),
				EndTimeMillis:   colInt64(vals, "end_time"),
				EnergyKcal:      colFloat64(vals, "energy"),
			}, nil
		},
	},
	{
		Kind:  KindHeartRate,
		Table: "heart_rate_record_table",
		Columns: []ColumnDef{
			{"start_time", colIntegerNotNull},
			{"end_time", colIntegerNotNull},
		},
		TimeColumn: "start_time",
		Child: &ChildDescriptor{
			Table: "heart_rate_series_table",
			Columns: []ColumnDef{
				{"sample_time", colIntegerNotNull},
				{"beats_per_minute", colIntegerNotNull},
			},
			Encode: func(p Payload) []map[string]any {
				hp := p.(HeartRatePayload)
				rows := make([]map[string]any, 0, len(hp.Samples))
				for _, s := range hp.Samples {
					rows = append(rows, map[string]any{
						"sample_time":      s.SampleTimeMillis,
						"beats_per_minute": s.BeatsPerMinute,
					})
				}
				return rows
			},
			Decode: func(p Payload, rows []map[string]any) (Payload, error) {
				hp, ok := p.(HeartRatePayload)
				if !ok {
					return nil, payloadMismatch(KindHeartRate, p)
				}
				for _, row := range rows {
					hp.Samples = append(hp.Samples, HeartRateSample{
						SampleTimeMillis: colInt64(row, "sample_time"),
						BeatsPerMinute:   colInt64(row, "beats_per_minute"),
					})
				}
				return hp, nil
			},
		},
		Encode: func(p Payload) (map[string]any, error) {
			hp, ok := p.(HeartRatePayload)
			if !ok {
				return nil, payloadMismatch(KindHeartRate, p)
			}
			if len(hp.Samples) == 0 {
				return nil, codedErrf(CodeInvalidArgument, "heart rate record requires at least one sample")
			}
			if err := checkTimeRange(hp.StartTimeMillis, hp.EndTimeMillis); err != nil {
				return nil, err
			}
			return map[string]any{
				"start_time": hp.StartTimeMillis,
				"end_time":   hp.EndTimeMillis,
			}, nil
		},
		Decode: func(vals map[string]any) (Payload, error) {
			return HeartRatePayload{
				StartTimeMillis: colInt64(vals, "start_time"),
				EndTimeMillis:   colInt64(vals, "end_time"),
			}, nil
		},
	},
	{
		Kind:  KindWeight,
		Table: "weight_record_table",
		Columns: []ColumnDef{
			{"time", colIntegerNotNull},
			{"weight", colReal},
		},
		TimeColumn: "time",
		Encode: func(p Payload) (map[string]any, error) {
			wp, ok := p.(WeightPayload)
			if !ok {
				return nil, payloadMismatch(KindWeight, p)
			}
			if wp.WeightKg <= 0 {
				return nil, codedErrf(CodeInvalidArgument, "weight must be positive, got %f", wp.WeightKg)
			}
			return map[string]any{"time": wp.TimeMillis, "weight": wp.WeightKg}, nil
		},
		Decode: func(vals map[string]any) (Payload, error) {
			return WeightPayload{
				TimeMillis: colInt64(vals, "time"),
				WeightKg:   colFloat64(vals, "weight"),
			}, nil
		},
	},
	{
		Kind:  KindHeight,
		Table: "height_record_table",
		Columns: []ColumnDef{
			{"time", colIntegerNotNull},
			{"height", colReal},
		},
		TimeColumn: "time",
		Encode: func(p Payload) (map[string]any, error) {
			hp, ok := p.(HeightPayload)
			if !ok {
				return nil, payloadMismatch(KindHeight, p)
			}
			if hp.HeightMeters <= 0 {
				return nil, codedErrf(CodeInvalidArgument, "height must be positive, got %f", hp.HeightMeters)
			}
			return map[string]any{"time": hp.TimeMillis, "height": hp.HeightMeters}, nil
		},
		Decode: func(vals map[string]any) (Payload, error) {
			return HeightPayload{
				TimeMillis:   colInt64(vals, "time"),
				HeightMeters: colFloat64(vals, "height"),
			}, nil
		},
	},
	{
		Kind:  KindHydration,
		Table: "hydration_record_table",
		Columns: []ColumnDef{
			{"start_time", colIntegerNotNull},
			{"end_time", colIntegerNotNull},
			{"volume", colReal},
		},
		TimeColumn: "start_time",
		Encode: func(p Payload) (map[string]any, error) {
			hp, ok := p.(HydrationPayload)
			if !ok {
				return nil, payloadMismatch(KindHydration, p)
			}
			if hp.VolumeLiters < 0 {
				return nil, codedErrf(CodeInvalidArgument, "volume must not be negative, got %f", hp.VolumeLiters)
			}
			if err := checkTimeRange(hp.StartTimeMillis, hp.EndTimeMillis); err != nil {
				return nil, err
			}
			return map[string]any{
				"start_time": hp.StartTimeMillis,
				"end_time":   hp.EndTimeMillis,
				"volume":     hp.VolumeLiters,
			}, nil
		},
		Decode: func(vals map[string]any) (Payload, error) {
			return HydrationPayload{
				StartTimeMillis: colInt64(vals, "start_time"),
				EndTimeMillis:   colInt64(vals, "end_time"),
				VolumeLiters:    colFloat64(vals, "volume"),
			}, nil
		},
	},
	{
		Kind:  KindBloodPressure,
		Table: "blood_pressure_record_table",
		Columns: []ColumnDef{
			{"time", colIntegerNotNull},
			{"systolic", colReal},
			{"diastolic", colReal},
		},
		TimeColumn: "time",
		Encode: func(p Payload) (map[string]any, error) {
			bp, ok := p.(BloodPressurePayload)
			if !ok {
				return nil, payloadMismatch(KindBloodPressure, p)
			}
			if bp.SystolicMmhg <= 0 || bp.DiastolicMmhg <= 0 {
				return nil, codedErrf(CodeInvalidArgument, "blood pressure values must be positive")
			}
			return map[string]any{
				"time":      bp.TimeMillis,
				"systolic":  bp.SystolicMmhg,
				"diastolic": bp.DiastolicMmhg,
			}, nil
		},
		Decode: func(vals map[string]any) (Payload, error) {
			return BloodPressurePayload{
				TimeMillis:    colInt64(vals, "time"),
				SystolicMmhg:  colFloat64(vals, "systolic"),
				DiastolicMmhg: colFloat64(vals, "diastolic"),
			}, nil
		},
	},
}

func payloadMismatch(kind RecordKind, p Payload) error {
	return codedErrf(CodeInvalidArgument, "payload %T does not match record kind %v", p, kind)
}

func checkTimeRange(start, end int64) error {
	if end < start {
		return codedErrf(CodeInvalidArgument, "end time %d precedes start time %d", end, start)
	}
	return nil
}

// colInt64 reads an integer column from a scanned row map, tolerating the
// value shapes the sqlite driver produces.
func colInt64(vals map[string]any, name string) int64 {
	switch v := vals[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func colFloat64(vals map[string]any, name string) float64 {
	switch v := vals[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func colString(vals map[string]any, name string) string {
	switch v := vals[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
