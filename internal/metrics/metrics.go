// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metrics defines the tsmon metrics of the service.
package metrics

import (
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
)

var (
	// IssueUpdates counts issue tracker mutations, by operation
	// ("create", "update", "merge", "stale").
	IssueUpdates = metric.NewCounter(
		"flakiness_pipeline/issue_updates",
		"Issues updated/created.",
		nil,
		field.String("operation"),
	)

	// OccurrencesRecorded counts recorded flake occurrences.
	OccurrencesRecorded = metric.NewCounter(
		"flakiness_pipeline/flake_occurrences_recorded",
		"Recorded flake occurrences.",
		nil,
		field.String("project"),
	)

	// AnalysesTriggered counts triggered failure analyses, by failure type.
	AnalysesTriggered = metric.NewCounter(
		"flakiness_pipeline/analyses_triggered",
		"Failure analyses triggered.",
		nil,
		field.String("failure_type"),
	)

	// TimeSinceFirstFlake is the delay in seconds from the first occurrence
	// of the current flakiness period to the creation of its issue.
	TimeSinceFirstFlake = metric.NewFloat(
		"flakiness_pipeline/time_since_first_flake",
		"Delay in seconds from the first flake occurrence in the current "+
			"flakiness period until an issue is created to track it.",
		nil,
	)

	// TimeSinceThresholdExceeded is the delay in seconds from the
	// occurrence that made the flake actionable to the creation of its
	// issue.
	TimeSinceThresholdExceeded = metric.NewFloat(
		"flakiness_pipeline/time_since_threshold_exceeded",
		"Delay in seconds from the flake occurrence that exceeded the "+
			"reporting threshold until an issue is created to track it.",
		nil,
	)
)
