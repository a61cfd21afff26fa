// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// package model contains the datastore model for the flake triage service.
package model

import (
	"encoding/json"
	"time"

	buildbucketpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/gae/service/datastore"
)

type BuildFailureType string

const (
	BuildFailureType_Compile BuildFailureType = "Compile"
	BuildFailureType_Test    BuildFailureType = "Test"
	BuildFailureType_Infra   BuildFailureType = "Infra"
	BuildFailureType_Other   BuildFailureType = "Other"
)

// AnalysisStatus is the status of an analysis (or one of its sub-analyses).
type AnalysisStatus string

const (
	AnalysisStatus_Created   AnalysisStatus = "CREATED"
	AnalysisStatus_Running   AnalysisStatus = "RUNNING"
	AnalysisStatus_Found     AnalysisStatus = "FOUND"
	AnalysisStatus_NotFound  AnalysisStatus = "NOT_FOUND"
	AnalysisStatus_Error     AnalysisStatus = "ERROR"
	AnalysisStatus_Cancelled AnalysisStatus = "CANCELLED"
)

// RerunStage is the persisted stage of the rerun state machine.
// The dispatcher reads the stage and executes the matching handler, so a
// task retry resumes from the last completed stage.
type RerunStage string

const (
	RerunStage_TriggerRerun   RerunStage = "TRIGGER_RERUN"
	RerunStage_AwaitRerun     RerunStage = "AWAIT_RERUN"
	RerunStage_CollectResults RerunStage = "COLLECT_RESULTS"
	RerunStage_Decide         RerunStage = "DECIDE"
	RerunStage_Done           RerunStage = "DONE"
	RerunStage_GaveUp         RerunStage = "GAVE_UP"
)

// RerunStatus is the outcome of a single rerun build.
// Timeout is deliberately distinct from infra failure, the orchestrator
// treats them differently when deciding whether to retry.
type RerunStatus string

const (
	RerunStatus_InProgress  RerunStatus = "IN_PROGRESS"
	RerunStatus_Passed      RerunStatus = "PASSED"
	RerunStatus_Failed      RerunStatus = "FAILED"
	RerunStatus_InfraFailed RerunStatus = "INFRA_FAILED"
	RerunStatus_TimedOut    RerunStatus = "TIMED_OUT"
)

// RerunType distinguishes what a rerun build was triggered for.
type RerunType string

const (
	RerunType_NthSection    RerunType = "NTH_SECTION"
	RerunType_CulpritVerify RerunType = "CULPRIT_VERIFICATION"
)

// SuspectVerificationStatus is the verification state of a suspect.
type SuspectVerificationStatus string

const (
	SuspectVerificationStatus_Unverified        SuspectVerificationStatus = "Unverified"
	SuspectVerificationStatus_UnderVerification SuspectVerificationStatus = "Under Verification"
	SuspectVerificationStatus_ConfirmedCulprit  SuspectVerificationStatus = "Confirmed Culprit"
	SuspectVerificationStatus_Vindicated        SuspectVerificationStatus = "Vindicated"
)

// RegressionRange is the open interval (LastPassed, FirstFailed] known to
// contain the culprit. Stored on entities as a JSON string to avoid nested
// struct restrictions in datastore.
type RegressionRange struct {
	LastPassed  *buildbucketpb.GitilesCommit `json:"last_passed"`
	FirstFailed *buildbucketpb.GitilesCommit `json:"first_failed"`
}

// ToJSON serializes the regression range for storing in datastore.
func (rr *RegressionRange) ToJSON() (string, error) {
	b, err := json.Marshal(rr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RegressionRangeFromJSON deserializes a regression range stored in datastore.
func RegressionRangeFromJSON(s string) (*RegressionRange, error) {
	rr := &RegressionRange{}
	if err := json.Unmarshal([]byte(s), rr); err != nil {
		return nil, err
	}
	return rr, nil
}

// LuciBuild represents one LUCI build
type LuciBuild struct {
	BuildId     int64  `gae:"build_id"`
	Project     string `gae:"project"`
	Bucket      string `gae:"bucket"`
	Builder     string `gae:"builder"`
	BuildNumber int    `gae:"build_number"`
	buildbucketpb.GitilesCommit
	CreateTime time.Time            `gae:"create_time"`
	EndTime    time.Time            `gae:"end_time"`
	StartTime  time.Time            `gae:"start_time"`
	Status     buildbucketpb.Status `gae:"status"`
}

type LuciFailedBuild struct {
	// Id is the build Id
	Id int64 `gae:"$id"`
	LuciBuild
	// e.g. compile, test, infra...
	FailureType BuildFailureType `gae:"failure_type"`
}

// CompileFailure represents a compile failure in one or more targets.
type CompileFailure struct {
	Id int64 `gae:"$id"`
	// The key to LuciFailedBuild that the failure belongs to.
	Build *datastore.Key `gae:"$parent"`

	// The list of output targets that failed to compile
	OutputTargets []string `gae:"output_targets"`

	// Compile rule, e.g. ACTION, CXX, etc.
	// Found in the json.output[ninja_info] log of the compile step.
	Rule string `gae:"rule"`

	// Only for CC and CXX rules
	// These are the source files that this compile failure uses as input
	Dependencies []string `gae:"dependencies"`

	// Key to the CompileFailure that this failure merges into.
	// If this exists, no analysis on current failure, instead use the results
	// of merged_failure.
	MergedFailureKey *datastore.Key `gae:"merged_failure_key"`
}

// TestFailure represents a failing test in a step of a failed build.
type TestFailure struct {
	Id int64 `gae:"$id"`
	// The key to LuciFailedBuild that the failure belongs to.
	Build *datastore.Key `gae:"$parent"`

	StepName string `gae:"step_name"`
	TestName string `gae:"test_name"`

	// Key to the TestFailure that this failure merges into.
	MergedFailureKey *datastore.Key `gae:"merged_failure_key"`
}

// FailureAnalysis is the analysis for one failure (compile or test).
// This stores information that is needed during the analysis, and also
// the persisted stage of the rerun state machine.
type FailureAnalysis struct {
	Id int64 `gae:"$id"`
	// Key to the CompileFailure or TestFailure that this analysis analyses.
	FailureKey *datastore.Key `gae:"failure_key"`
	// Compile or test failure.
	FailureType BuildFailureType `gae:"failure_type"`
	// The failed step being bisected.
	StepName string `gae:"step_name"`
	// Time when the analysis is created.
	CreateTime time.Time `gae:"create_time"`
	// Time when the analysis starts to run.
	StartTime time.Time `gae:"start_time"`
	// Time when the analysis runs to the end.
	EndTime time.Time `gae:"end_time"`
	// Status of the analysis
	Status AnalysisStatus `gae:"status"`
	// Stage of the rerun state machine for this analysis.
	Stage RerunStage `gae:"stage"`
	// Number of times a rerun was deferred due to bot unavailability.
	RetryCount int `gae:"retry_count"`
	// Number of stage tasks enqueued for this analysis. Incremented in the
	// same transaction as the stage transition, it names the next task so
	// duplicate enqueues dedup.
	TaskCount int `gae:"task_count"`
	// When true, the next rerun is scheduled off-peak regardless of bot
	// availability.
	ForceOffPeak bool `gae:"force_off_peak"`
	// When true, the analysis was cancelled or superseded. In-flight stages
	// check this before each side-effecting step and abort cleanly.
	Cancelled bool `gae:"cancelled"`
	// Id of the analysis that superseded this one, if any.
	SupersededById int64 `gae:"superseded_by_id"`
	// Id of the build in which the failures occurred the first time in
	// a sequence of consecutive failed builds.
	FirstFailedBuildId int64 `gae:"first_failed_build_id"`
	// Id of the latest build in which the failures did not happen.
	LastPassedBuildId int64 `gae:"last_passed_build_id"`
	// Initial regression range to find the culprit, as JSON.
	InitialRegressionRange string `gae:"initial_regression_range,noindex"`
}

// HeuristicAnalysis is heuristic analysis for a failure.
type HeuristicAnalysis struct {
	Id int64 `gae:"$id"`
	// Key to the parent FailureAnalysis
	ParentAnalysis *datastore.Key `gae:"parent"`
	// Time when the analysis starts to run.
	StartTime time.Time `gae:"start_time"`
	// Time when the analysis ends.
	EndTime time.Time `gae:"end_time"`
	// Status of the analysis
	Status AnalysisStatus `gae:"status"`
}

// NthSectionAnalysis is the bisection analysis for a failure.
type NthSectionAnalysis struct {
	Id int64 `gae:"$id"`
	// Key to the parent FailureAnalysis
	ParentAnalysis *datastore.Key `gae:"parent"`
	// Time when the analysis starts to run.
	StartTime time.Time `gae:"start_time"`
	// Time when the analysis ends.
	EndTime time.Time `gae:"end_time"`
	// Status of the analysis
	Status AnalysisStatus `gae:"status"`
	// JSON array of commit ids in the regression range, newest first
	// (gitiles log order). We store as json string instead of []string to
	// keep the property unindexed and the entity small.
	BlameList string `gae:"blame_list,noindex"`
}

// SetBlameList stores the blamelist (commit ids, newest first).
func (n *NthSectionAnalysis) SetBlameList(commits []string) error {
	b, err := json.Marshal(commits)
	if err != nil {
		return err
	}
	n.BlameList = string(b)
	return nil
}

// GetBlameList returns the blamelist (commit ids, newest first).
func (n *NthSectionAnalysis) GetBlameList() ([]string, error) {
	if n.BlameList == "" {
		return nil, nil
	}
	commits := []string{}
	if err := json.Unmarshal([]byte(n.BlameList), &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// SingleRerun is one rerun build triggered to narrow a regression range or
// to verify a suspect.
type SingleRerun struct {
	// Id is the buildbucket Id of the rerun build.
	Id int64 `gae:"$id"`
	// Key to the FailureAnalysis that triggered this rerun.
	Analysis *datastore.Key `gae:"analysis"`
	LuciBuild
	// What this rerun was triggered for.
	Type RerunType `gae:"rerun_type"`
	// Status of the rerun.
	RerunStatus RerunStatus `gae:"rerun_status"`
	// Time when the rerun reported its result.
	ReportTime time.Time `gae:"report_time"`
	// Parsed rerun results, as JSON (see the rerun package for the shapes).
	Results string `gae:"results,noindex"`
}

// Suspect is a commit suspected by heuristic analysis.
type Suspect struct {
	Id int64 `gae:"$id"`
	// Key to the HeuristicAnalysis that results in this suspect.
	ParentAnalysis *datastore.Key `gae:"parent"`

	// The commit of the suspect
	buildbucketpb.GitilesCommit

	// The Url where the suspect was reviewed
	ReviewUrl string `gae:"review_url"`

	// Score is the sum of the per-feature log-probabilities for this
	// suspect. Always <= 0; closer to 0 means more confident.
	Score float64 `gae:"score"`

	// A short, human-readable string that concisely describes the facts
	// about the suspect, one reason per line.
	Justification string `gae:"justification,noindex"`

	// Whether this suspect was confirmed or vindicated by paired reruns.
	VerificationStatus SuspectVerificationStatus `gae:"verification_status"`

	// Keys to the paired verification reruns at the suspect commit and at
	// its parent. Set when verification starts.
	SuspectRerunKey *datastore.Key `gae:"suspect_rerun_key"`
	ParentRerunKey  *datastore.Key `gae:"parent_rerun_key"`
}

// Culprit is the commit confirmed to have caused the failure.
type Culprit struct {
	Id int64 `gae:"$id"`
	// Key to the FailureAnalysis that results in this culprit.
	ParentAnalysis *datastore.Key `gae:"parent"`
	buildbucketpb.GitilesCommit
}
