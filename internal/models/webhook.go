// bgsync - Continuous Glucose Monitoring Data Synchronization
// Copyright 2026 Glucolab Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/glucolab/bgsync

package models

// Webhook payload type discriminators sent by the provider.
const (
	WebhookNewReadings  = "new_readings"
	WebhookDeviceUpdate = "device_update"
)

// WebhookPayload is an inbound provider notification. StartTime and EndTime
// are ISO-8601 strings and only present for new_readings notifications.
type WebhookPayload struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
}
