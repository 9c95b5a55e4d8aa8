// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

// Package models defines the data model for glucose readings, OAuth token
// sets, sync jobs, and the raw Dexcom wire formats they are derived from.
//
// Raw provider payloads (EGVRecord) and canonical readings (GlucoseReading)
// are deliberately separate types: the validation pipeline in internal/sync
// is the only code that converts one into the other.
package models

import (
	"time"
)

// TrendDirection describes the direction of the glucose curve at reading time.
type TrendDirection string

// Canonical trend directions. Anything the provider sends that does not map
// onto one of these normalizes to TrendUnknown.
const (
	TrendRisingRapidly  TrendDirection = "rising_rapidly"
	TrendRising         TrendDirection = "rising"
	TrendSteady         TrendDirection = "steady"
	TrendFalling        TrendDirection = "falling"
	TrendFallingRapidly TrendDirection = "falling_rapidly"
	TrendUnknown        TrendDirection = "unknown"
)

// Valid reports whether t is one of the canonical trend directions.
func (t TrendDirection) Valid() bool {
	switch t {
	case TrendRisingRapidly, TrendRising, TrendSteady, TrendFalling, TrendFallingRapidly, TrendUnknown:
		return true
	}
	return false
}

// ReadingType distinguishes sensor-produced readings from manual entries.
type ReadingType string

const (
	ReadingTypeCGM    ReadingType = "cgm"
	ReadingTypeManual ReadingType = "manual"
)

// GlucoseUnit is the only unit readings are stored in. Provider payloads in
// mmol/L are converted during validation.
const GlucoseUnit = "mg/dL"

// Physiological bounds for a stored glucose value (mg/dL). Values outside
// this range are sensor noise or corruption and are rejected.
const (
	GlucoseMin = 20
	GlucoseMax = 600
)

// DeviceInfo describes the device that produced a reading.
type DeviceInfo struct {
	DeviceID      string `json:"device_id"`
	SerialNumber  string `json:"serial_number"`
	TransmitterID string `json:"transmitter_id,omitempty"`
	Model         string `json:"model,omitempty"`
	Manufacturer  string `json:"manufacturer,omitempty"`
}

// Merge returns d overlaid with the non-empty fields of newer. Empty fields
// in newer keep their prior values, so repeated syncs never erase device
// metadata that an earlier ingestion attempt captured.
func (d DeviceInfo) Merge(newer DeviceInfo) DeviceInfo {
	out := d
	if newer.DeviceID != "" {
		out.DeviceID = newer.DeviceID
	}
	if newer.SerialNumber != "" {
		out.SerialNumber = newer.SerialNumber
	}
	if newer.TransmitterID != "" {
		out.TransmitterID = newer.TransmitterID
	}
	if newer.Model != "" {
		out.Model = newer.Model
	}
	if newer.Manufacturer != "" {
		out.Manufacturer = newer.Manufacturer
	}
	return out
}

// GlucoseReading is the canonical, validated form of a glucose measurement.
// Primary key is (UserID, Timestamp); Timestamp is UTC at second precision.
type GlucoseReading struct {
	UserID         string         `json:"user_id"`
	Timestamp      time.Time      `json:"timestamp"`
	GlucoseValue   float64        `json:"glucose_value"`
	Unit           string         `json:"unit"`
	TrendDirection TrendDirection `json:"trend_direction"`
	DeviceInfo     DeviceInfo     `json:"device_info"`
	ReadingType    ReadingType    `json:"reading_type"`
	Source         string         `json:"source"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Key returns the storage key components of the reading.
func (r *GlucoseReading) Key() (userID string, ts time.Time) {
	return r.UserID, r.Timestamp
}

// EGVRecord is a single estimated glucose value as returned by the Dexcom
// /v2/users/self/egvs endpoint. It is the raw, untrusted wire shape: fields
// are pointers where the provider may omit them.
type EGVRecord struct {
	SystemTime    string   `json:"systemTime"`
	DisplayTime   string   `json:"displayTime,omitempty"`
	Value         *float64 `json:"value"`
	Unit          string   `json:"unit,omitempty"`
	Trend         string   `json:"trend,omitempty"`
	TrendRate     *float64 `json:"trendRate,omitempty"`
	Status        string   `json:"status,omitempty"`
	DeviceID      string   `json:"deviceId,omitempty"`
	SerialNumber  string   `json:"serialNumber,omitempty"`
	TransmitterID string   `json:"transmitterId,omitempty"`
}

// EGVResponse is the wrapper object around the egvs array.
type EGVResponse struct {
	RecordType    string      `json:"recordType,omitempty"`
	RecordVersion string      `json:"recordVersion,omitempty"`
	UserID        string      `json:"userId,omitempty"`
	EGVs          []EGVRecord `json:"egvs"`
}
