// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import (
	"fmt"
	"time"

	"go.chromium.org/luci/gae/service/datastore"
)

// Flake is the identity of a recurring flaky test or step.
// The id is derived from the normalized names, so re-runs of "the same"
// test map to one Flake entity.
type Flake struct {
	Id string `gae:"$id"`

	Project            string `gae:"project"`
	NormalizedStepName string `gae:"normalized_step_name"`
	// Empty for step-level flakes.
	NormalizedTestName string `gae:"normalized_test_name"`

	// Number of occurrences recorded so far. Occurrences are owned by
	// count, the actual records are child entities.
	NumOccurrences int `gae:"num_occurrences"`

	LastOccurrenceTime time.Time `gae:"last_occurrence_time"`

	// Id of the issue currently tracking this flake, 0 if none.
	// A weak reference: the issue may have been deleted, lookups must
	// tolerate that.
	IssueId int64 `gae:"issue_id"`

	// Id of the previous issue for this flake, referenced in the
	// description when a new issue is created after the old one closed.
	OldIssueId int64 `gae:"old_issue_id"`

	// Number of occurrences already reported to the issue. Occurrences
	// beyond this count are "new" and drive the next update decision.
	NumReportedOccurrences int `gae:"num_reported_occurrences"`

	// Time when the issue was last updated because of this flake.
	// Used for the per-issue update cooldown.
	IssueLastUpdatedTime time.Time `gae:"issue_last_updated_time"`
}

// FlakeId derives the Flake entity id from the normalized identity.
func FlakeId(project, normalizedStep, normalizedTest string) string {
	if normalizedTest == "" {
		return fmt.Sprintf("%s/%s", project, normalizedStep)
	}
	return fmt.Sprintf("%s/%s/%s", project, normalizedStep, normalizedTest)
}

// IsStepFlake reports whether this flake tracks a whole step rather than an
// individual test.
func (f *Flake) IsStepFlake() bool {
	return f.NormalizedTestName == ""
}

// FlakeOccurrence is one observed flaky run of a Flake. Child of the Flake.
type FlakeOccurrence struct {
	Id    int64          `gae:"$id"`
	Flake *datastore.Key `gae:"$parent"`

	BuildId int64  `gae:"build_id"`
	Builder string `gae:"builder"`

	// The original, un-normalized names as reported.
	StepName string `gae:"step_name"`
	TestName string `gae:"test_name"`

	// When the flaky run happened (build finish time).
	Time time.Time `gae:"time"`

	// Id of the issue this occurrence was reported to, 0 if not yet.
	// Stamped only after the issue tracker call succeeds, so a retried
	// task counts unreported occurrences correctly.
	ReportedIssueId int64 `gae:"reported_issue_id"`
}

// FlakeIssue tracks one issue tracker issue associated with one or more
// flakes.
type FlakeIssue struct {
	// Id is the issue id in the tracker.
	Id int64 `gae:"$id"`

	MonorailProject string `gae:"monorail_project"`

	// Email of the account that filed the issue. Used to tell human-filed
	// issues from automation-filed ones when picking a merge destination.
	ReporterEmail string `gae:"reporter_email"`

	CreateTime time.Time `gae:"create_time"`

	// Last time this service updated the issue.
	LastUpdatedTime time.Time `gae:"last_updated_time"`

	// Id of the issue this one was merged into, 0 if not merged.
	// Chains are resolved with a visited set, never by unbounded walking.
	MergeDestinationId int64 `gae:"merge_destination_id"`

	// Whether the monitoring alias has been CC'd for staleness already.
	// CC at most once per issue.
	StaleCCed bool `gae:"stale_cced"`
}

// FlakeUpdateSingleton is the ancestor entity for FlakeUpdate records.
// A single entity group makes the rolling-24h counter queryable and
// incrementable inside one transaction.
type FlakeUpdateSingleton struct {
	Id string `gae:"$id"`
}

// FlakeUpdateSingletonId is the fixed id of the singleton ancestor.
const FlakeUpdateSingletonId = "singleton"

// FlakeUpdate records one issue tracker mutation, for rate limiting.
// Child of FlakeUpdateSingleton.
type FlakeUpdate struct {
	Id     int64          `gae:"$id"`
	Parent *datastore.Key `gae:"$parent"`
	Time   time.Time      `gae:"time"`
}
