// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package sync

import (
	"math"
	"testing"
	"time"

	"github.com/glucolab/bgsync/internal/models"
)

func newTestValidator(now time.Time) *Validator {
	v := NewValidator(5*time.Minute, 90*24*time.Hour)
	v.now = func() time.Time { return now }
	return v
}

func floatPtr(v float64) *float64 { return &v }

func TestValidate_AcceptsWellFormedRecord(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(now)

	record := &models.EGVRecord{
		SystemTime:   "2026-03-10T11:55:00",
		Value:        floatPtr(142),
		Unit:         "mg/dL",
		Trend:        "flat",
		DeviceID:     "G7-1234",
		SerialNumber: "SN-99",
	}

	result := v.Validate("user-1", record)
	if result.Rejected() {
		t.Fatalf("Expected acceptance, got errors: %v", result.Errors)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Expected no findings, got %v", result.Errors)
	}

	reading := result.Reading
	if reading.UserID != "user-1" {
		t.Errorf("UserID = %q", reading.UserID)
	}
	if reading.GlucoseValue != 142 {
		t.Errorf("GlucoseValue = %v", reading.GlucoseValue)
	}
	if reading.Unit != models.GlucoseUnit {
		t.Errorf("Unit = %q, want %q", reading.Unit, models.GlucoseUnit)
	}
	if reading.TrendDirection != models.TrendSteady {
		t.Errorf("TrendDirection = %q, want steady", reading.TrendDirection)
	}
	wantTS := time.Date(2026, 3, 10, 11, 55, 0, 0, time.UTC)
	if !reading.Timestamp.Equal(wantTS) {
		t.Errorf("Timestamp = %v, want %v", reading.Timestamp, wantTS)
	}
	if reading.DeviceInfo.DeviceID != "G7-1234" || reading.DeviceInfo.SerialNumber != "SN-99" {
		t.Errorf("DeviceInfo not carried over: %+v", reading.DeviceInfo)
	}
	if reading.Source != "dexcom" || reading.ReadingType != models.ReadingTypeCGM {
		t.Errorf("Source/ReadingType = %q/%q", reading.Source, reading.ReadingType)
	}
}

func TestValidate_MissingValueIsHighSeverity(t *testing.T) {
	v := newTestValidator(time.Now().UTC())

	result := v.Validate("user-1", &models.EGVRecord{
		SystemTime: "2026-03-10T11:55:00",
		Value:      nil,
	})
	if !result.Rejected() {
		t.Fatal("Expected rejection")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("Expected 1 finding, got %v", result.Errors)
	}
	if result.Errors[0].Severity != SeverityHigh || result.Errors[0].Field != "value" {
		t.Errorf("Unexpected finding: %+v", result.Errors[0])
	}
}

func TestValidate_OutOfRangeIsMediumAndRejects(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(now)

	tests := []struct {
		name  string
		value float64
	}{
		{"above maximum", 700},
		{"below minimum", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate("user-1", &models.EGVRecord{
				SystemTime: "2026-03-10T11:55:00",
				Value:      floatPtr(tt.value),
				Trend:      "flat",
			})
			if !result.Rejected() {
				t.Fatalf("Expected rejection for value %v", tt.value)
			}
			if result.Errors[0].Severity != SeverityMedium || result.Errors[0].Rule != "range" {
				t.Errorf("Unexpected finding: %+v", result.Errors[0])
			}
		})
	}
}

func TestValidate_TimestampFormats(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(now)

	tests := []struct {
		name   string
		raw    string
		want   time.Time
		reject bool
	}{
		{"provider zone-less layout is UTC", "2026-03-10T11:55:00", time.Date(2026, 3, 10, 11, 55, 0, 0, time.UTC), false},
		{"rfc3339 with offset normalizes to UTC", "2026-03-10T06:55:00-05:00", time.Date(2026, 3, 10, 11, 55, 0, 0, time.UTC), false},
		{"garbage", "10/03/2026 11:55", time.Time{}, true},
		{"empty", "", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate("user-1", &models.EGVRecord{
				SystemTime: tt.raw,
				Value:      floatPtr(120),
				Trend:      "flat",
			})
			if tt.reject {
				if !result.Rejected() {
					t.Fatal("Expected rejection")
				}
				if result.Errors[0].Severity != SeverityHigh {
					t.Errorf("Expected high severity, got %+v", result.Errors[0])
				}
				return
			}
			if result.Rejected() {
				t.Fatalf("Unexpected rejection: %v", result.Errors)
			}
			if !result.Reading.Timestamp.Equal(tt.want) {
				t.Errorf("Timestamp = %v, want %v", result.Reading.Timestamp, tt.want)
			}
		})
	}
}

func TestValidate_TimestampWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(now)

	tests := []struct {
		name string
		ts   string
		rule string
	}{
		{"beyond clock skew tolerance", "2026-03-10T12:10:00", "future"},
		{"older than retention horizon", "2025-11-01T00:00:00", "retention"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate("user-1", &models.EGVRecord{
				SystemTime: tt.ts,
				Value:      floatPtr(120),
				Trend:      "flat",
			})
			if !result.Rejected() {
				t.Fatal("Expected rejection")
			}
			if result.Errors[0].Rule != tt.rule || result.Errors[0].Severity != SeverityMedium {
				t.Errorf("Unexpected finding: %+v", result.Errors[0])
			}
		})
	}

	// Inside the tolerance on both ends must pass.
	for _, ts := range []string{"2026-03-10T12:04:00", "2025-12-15T00:00:00"} {
		result := v.Validate("user-1", &models.EGVRecord{
			SystemTime: ts,
			Value:      floatPtr(120),
			Trend:      "flat",
		})
		if result.Rejected() {
			t.Errorf("Timestamp %s inside window was rejected: %v", ts, result.Errors)
		}
	}
}

func TestValidate_ConvertsMmolPerL(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(now)

	result := v.Validate("user-1", &models.EGVRecord{
		SystemTime: "2026-03-10T11:55:00",
		Value:      floatPtr(5.5),
		Unit:       "mmol/L",
		Trend:      "flat",
	})
	if result.Rejected() {
		t.Fatalf("Unexpected rejection: %v", result.Errors)
	}
	want := 5.5 * 18.0182
	if math.Abs(result.Reading.GlucoseValue-want) > 0.001 {
		t.Errorf("GlucoseValue = %v, want %v", result.Reading.GlucoseValue, want)
	}
	if result.Reading.Unit != models.GlucoseUnit {
		t.Errorf("Unit = %q after conversion", result.Reading.Unit)
	}
}

func TestValidate_UnsupportedUnitRejects(t *testing.T) {
	v := newTestValidator(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	result := v.Validate("user-1", &models.EGVRecord{
		SystemTime: "2026-03-10T11:55:00",
		Value:      floatPtr(120),
		Unit:       "furlongs",
	})
	if !result.Rejected() {
		t.Fatal("Expected rejection")
	}
	if result.Errors[0].Field != "unit" || result.Errors[0].Severity != SeverityHigh {
		t.Errorf("Unexpected finding: %+v", result.Errors[0])
	}
}

func TestNormalizeTrend(t *testing.T) {
	tests := []struct {
		raw   string
		want  models.TrendDirection
		known bool
	}{
		{"doubleUp", models.TrendRisingRapidly, true},
		{"singleUp", models.TrendRising, true},
		{"fortyFiveUp", models.TrendRising, true},
		{"flat", models.TrendSteady, true},
		{"fortyFiveDown", models.TrendFalling, true},
		{"singleDown", models.TrendFalling, true},
		{"doubleDown", models.TrendFallingRapidly, true},
		{"none", models.TrendUnknown, true},
		{"notComputable", models.TrendUnknown, true},
		{"rateOutOfRange", models.TrendUnknown, true},
		{"", models.TrendUnknown, true},
		{"steady", models.TrendSteady, true},
		{"sideways", models.TrendUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, known := normalizeTrend(tt.raw)
			if got != tt.want || known != tt.known {
				t.Errorf("normalizeTrend(%q) = (%q, %v), want (%q, %v)", tt.raw, got, known, tt.want, tt.known)
			}
		})
	}
}

func TestValidate_UnknownTrendIsLowSeverityAndStillStores(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v := newTestValidator(now)

	result := v.Validate("user-1", &models.EGVRecord{
		SystemTime: "2026-03-10T11:55:00",
		Value:      floatPtr(120),
		Trend:      "sideways",
	})
	if result.Rejected() {
		t.Fatalf("Low severity finding must not reject: %v", result.Errors)
	}
	if len(result.Errors) != 1 || result.Errors[0].Severity != SeverityLow {
		t.Fatalf("Expected one low severity finding, got %v", result.Errors)
	}
	if result.Reading.TrendDirection != models.TrendUnknown {
		t.Errorf("TrendDirection = %q, want unknown", result.Reading.TrendDirection)
	}
}
