// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package sync

import (
	"fmt"
	"strings"
	"time"

	"github.com/glucolab/bgsync/internal/models"
)

// Severity classifies a validation finding.
type Severity string

const (
	// SeverityHigh marks missing or unusable required data. Always rejects.
	SeverityHigh Severity = "high"
	// SeverityMedium marks values that parsed but cannot be stored, such
	// as a glucose value outside the physiological range.
	SeverityMedium Severity = "medium"
	// SeverityLow marks cosmetic normalization fallbacks. Never rejects.
	SeverityLow Severity = "low"
)

// FieldError describes one validation finding on one field.
type FieldError struct {
	Field    string   `json:"field"`
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Rule)
}

// ValidationResult is the outcome of running a raw record through the
// pipeline. Reading is nil when any high severity finding rejected it.
type ValidationResult struct {
	Reading *models.GlucoseReading
	Errors  []FieldError
}

// Rejected reports whether the record was refused.
func (r *ValidationResult) Rejected() bool {
	return r.Reading == nil
}

// mmolPerLToMgPerDL converts mmol/L glucose concentrations to mg/dL.
const mmolPerLToMgPerDL = 18.0182

// Validator converts raw provider EGV records into canonical glucose
// readings, rejecting records that fail a high severity rule. Rules run
// in a fixed order so a record's error list is deterministic.
type Validator struct {
	clockSkewTolerance time.Duration
	retentionHorizon   time.Duration
	now                func() time.Time
}

// NewValidator creates a validator with the configured timestamp window.
func NewValidator(clockSkewTolerance, retentionHorizon time.Duration) *Validator {
	return &Validator{
		clockSkewTolerance: clockSkewTolerance,
		retentionHorizon:   retentionHorizon,
		now:                time.Now,
	}
}

// Validate runs the pipeline on one raw record. Rule order is fixed so a
// record's error list is deterministic: required fields, coercion of the
// timestamp and unit, physiological range, timestamp reasonableness,
// trend normalization. A record is rejected when any finding leaves no
// storable value; low severity findings accumulate without rejecting.
func (v *Validator) Validate(userID string, record *models.EGVRecord) *ValidationResult {
	result := &ValidationResult{}

	if record.Value == nil {
		result.Errors = append(result.Errors, FieldError{
			Field:    "value",
			Rule:     "required",
			Message:  "glucose value is missing",
			Severity: SeverityHigh,
		})
		return result
	}

	ts, fieldErr := v.parseTimestamp(record.SystemTime)
	if fieldErr != nil {
		result.Errors = append(result.Errors, *fieldErr)
		return result
	}

	value, fieldErr := normalizeUnit(*record.Value, record.Unit)
	if fieldErr != nil {
		result.Errors = append(result.Errors, *fieldErr)
		return result
	}

	if value < models.GlucoseMin || value > models.GlucoseMax {
		result.Errors = append(result.Errors, FieldError{
			Field:    "value",
			Rule:     "range",
			Message:  fmt.Sprintf("glucose value %.1f outside physiological range [%d, %d] mg/dL", value, models.GlucoseMin, models.GlucoseMax),
			Severity: SeverityMedium,
		})
		return result
	}

	if fieldErr := v.checkWindow(ts); fieldErr != nil {
		result.Errors = append(result.Errors, *fieldErr)
		return result
	}

	trend, known := normalizeTrend(record.Trend)
	if !known {
		result.Errors = append(result.Errors, FieldError{
			Field:    "trend",
			Rule:     "normalization",
			Message:  fmt.Sprintf("unrecognized trend %q normalized to unknown", record.Trend),
			Severity: SeverityLow,
		})
	}

	now := v.now()
	result.Reading = &models.GlucoseReading{
		UserID:         userID,
		Timestamp:      ts,
		GlucoseValue:   value,
		Unit:           models.GlucoseUnit,
		TrendDirection: trend,
		DeviceInfo: models.DeviceInfo{
			DeviceID:      record.DeviceID,
			SerialNumber:  record.SerialNumber,
			TransmitterID: record.TransmitterID,
		},
		ReadingType: models.ReadingTypeCGM,
		Source:      "dexcom",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return result
}

// parseTimestamp accepts the provider's zone-less layout (interpreted as
// UTC) and full RFC 3339, truncating to second precision.
func (v *Validator) parseTimestamp(raw string) (time.Time, *FieldError) {
	if raw == "" {
		return time.Time{}, &FieldError{
			Field:    "systemTime",
			Rule:     "required",
			Message:  "timestamp is missing",
			Severity: SeverityHigh,
		}
	}

	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC().Truncate(time.Second), nil
	}
	if ts, err := time.ParseInLocation(egvTimeFormat, raw, time.UTC); err == nil {
		return ts.Truncate(time.Second), nil
	}

	return time.Time{}, &FieldError{
		Field:    "systemTime",
		Rule:     "format",
		Message:  fmt.Sprintf("unparseable timestamp %q", raw),
		Severity: SeverityHigh,
	}
}

// checkWindow rejects timestamps further in the future than the clock
// skew tolerance or further in the past than the retention horizon.
func (v *Validator) checkWindow(ts time.Time) *FieldError {
	now := v.now()
	if ts.After(now.Add(v.clockSkewTolerance)) {
		return &FieldError{
			Field:    "systemTime",
			Rule:     "future",
			Message:  fmt.Sprintf("timestamp %s is beyond the clock skew tolerance", ts.Format(time.RFC3339)),
			Severity: SeverityMedium,
		}
	}
	if ts.Before(now.Add(-v.retentionHorizon)) {
		return &FieldError{
			Field:    "systemTime",
			Rule:     "retention",
			Message:  fmt.Sprintf("timestamp %s is older than the retention horizon", ts.Format(time.RFC3339)),
			Severity: SeverityMedium,
		}
	}
	return nil
}

// normalizeUnit converts the value to mg/dL. An empty unit is assumed to
// already be mg/dL, matching provider behaviour.
func normalizeUnit(value float64, unit string) (float64, *FieldError) {
	switch strings.ToLower(unit) {
	case "", "mg/dl":
		return value, nil
	case "mmol/l":
		return value * mmolPerLToMgPerDL, nil
	default:
		return 0, &FieldError{
			Field:    "unit",
			Rule:     "unit",
			Message:  fmt.Sprintf("unsupported glucose unit %q", unit),
			Severity: SeverityHigh,
		}
	}
}

// normalizeTrend maps provider wire trend names onto the canonical set.
// The second return is false when the input was not a recognized name.
func normalizeTrend(raw string) (models.TrendDirection, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "doubleup":
		return models.TrendRisingRapidly, true
	case "singleup", "fortyfiveup":
		return models.TrendRising, true
	case "flat":
		return models.TrendSteady, true
	case "fortyfivedown", "singledown":
		return models.TrendFalling, true
	case "doubledown":
		return models.TrendFallingRapidly, true
	case "none", "notcomputable", "rateoutofrange", "":
		return models.TrendUnknown, true
	}

	// Canonical names pass through unchanged so replayed readings
	// re-validate cleanly.
	if t := models.TrendDirection(strings.ToLower(raw)); t.Valid() {
		return t, true
	}
	return models.TrendUnknown, false
}
