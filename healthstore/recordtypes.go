// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package healthstore

import "fmt"

// RecordKind identifies a kind of health data. The set is closed: adding a
// kind means adding a descriptor to the registry, a payload variant, and a
// category mapping below.
type RecordKind int

const (
	KindUnknown RecordKind = iota
	KindSteps
	KindDistance
	KindActiveCalories
	KindHeartRate
	KindWeight
	KindHeight
	KindHydration
	KindBloodPressure
)

func (k RecordKind) String() string {
	switch k {
	case KindSteps:
		return "steps"
	case KindDistance:
		return "distance"
	case KindActiveCalories:
		return "active_calories"
	case KindHeartRate:
		return "heart_rate"
	case KindWeight:
		return "weight"
	case KindHeight:
		return "height"
	case KindHydration:
		return "hydration"
	case KindBloodPressure:
		return "blood_pressure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PermissionCategory is the coarse grouping used to gate read/write access.
// Multiple record kinds share one category.
type PermissionCategory int

const (
	CategoryUnknown PermissionCategory = iota
	CategoryActivity
	CategoryBodyMeasurements
	CategoryVitals
	CategoryNutrition
)

func (c PermissionCategory) String() string {
	switch c {
	case CategoryActivity:
		return "ACTIVITY"
	case CategoryBodyMeasurements:
		return "BODY_MEASUREMENTS"
	case CategoryVitals:
		return "VITALS"
	case CategoryNutrition:
		return "NUTRITION"
	default:
		return "UNKNOWN"
	}
}

// Permission names understood by the external permission oracle.
const (
	PermissionManageHealthData = "health.permission.MANAGE_HEALTH_DATA"
	PermissionMigrateData      = "health.permission.MIGRATE_HEALTH_DATA"
	PermissionStageRemoteData  = "health.permission.STAGE_REMOTE_DATA"
)

// ReadPermissionName returns the oracle permission name gating reads of a
// category.
func ReadPermissionName(c PermissionCategory) string {
	return "health.permission.READ_" + c.String()
}

// WritePermissionName returns the oracle permission name gating writes of a
// category.
func WritePermissionName(c PermissionCategory) string {
	return "health.permission.WRITE_" + c.String()
}

// Payload is the closed variant of kind-specific record data.
type Payload interface {
	Kind() RecordKind
}

// Record is the generic container callers pass records through. A record is
// one row in its kind's main table, optionally with child rows (sample
// series) in a child table.
type Record struct {
	UUID                   string
	Kind                   RecordKind
	PackageName            string
	DeviceID               string
	LastModifiedTimeMillis int64
	ClientRecordID         string
	ClientRecordVersion    int64
	Payload                Payload
}

type StepsPayload struct {
	StartTimeMillis int64
	EndTimeMillis   int64
	Count           int64
}

func (StepsPayload) Kind() RecordKind { return KindSteps }

type DistancePayload struct {
	StartTimeMillis int64
	EndTimeMillis   int64
	DistanceMeters  float64
}

func (DistancePayload) Kind() RecordKind { return KindDistance }

type ActiveCaloriesPayload struct {
	StartTimeMillis int64
	EndTimeMillis   int64
	EnergyKcal      float64
}

func (ActiveCaloriesPayload) Kind() RecordKind { return KindActiveCalories }

// HeartRateSample is one child row of a heart rate record.
type HeartRateSample struct {
	SampleTimeMillis int64
	BeatsPerMinute   int64
}

type HeartRatePayload struct {
	StartTimeMillis int64
	EndTimeMillis   int64
	Samples         []HeartRateSample
}

func (HeartRatePayload) Kind() RecordKind { return KindHeartRate }

type WeightPayload struct {
	TimeMillis int64
	WeightKg   float64
}

func (WeightPayload) Kind() RecordKind { return KindWeight }

type HeightPayload struct {
	TimeMillis   int64
	HeightMeters float64
}

func (HeightPayload) Kind() RecordKind { return KindHeight }

type HydrationPayload struct {
	StartTimeMillis int64
	EndTimeMillis   int64
	VolumeLiters    float64
}

func (HydrationPayload) Kind() RecordKind { return KindHydration }

type BloodPressurePayload struct {
	TimeMillis    int64
	SystolicMmhg  float64
	DiastolicMmhg float64
}

func (BloodPressurePayload) Kind() RecordKind { return KindBloodPressure }
