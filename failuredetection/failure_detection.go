// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package failuredetection analyses a failed build and decides whether it
// needs a new culprit analysis.
package failuredetection

import (
	"context"
	"encoding/json"
	"fmt"

	buildbucketpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"flaketriage/internal/buildbucket"
	"flaketriage/internal/metrics"
	"flaketriage/internal/taskqueue"
	"flaketriage/model"
	"flaketriage/rerun"
)

// Search at most this many builds before the failed one for the
// regression range. A failure older than that is not worth analysing.
const maxBuildsToSearch = 100

// AnalyzeBuild checks a failed build and triggers an analysis when it
// finds a regression range with no existing analysis. Returns true when a
// new analysis was triggered.
func AnalyzeBuild(c context.Context, bbid int64) (bool, error) {
	logging.Infof(c, "Analyzing build %d", bbid)
	build, err := buildbucket.GetBuild(c, bbid, &buildbucketpb.BuildMask{
		Fields: &fieldmaskpb.FieldMask{
			Paths: []string{"id", "builder", "input", "status", "steps", "number", "start_time", "end_time", "create_time"},
		},
	})
	if err != nil {
		return false, err
	}

	failureType, stepName := classifyFailure(build)
	if failureType == "" {
		logging.Infof(c, "Build %d has no analysable failure", bbid)
		return false, nil
	}

	lastPassed, firstFailed, err := getLastPassedFirstFailedBuilds(c, build, stepName)
	if err != nil {
		// Expected absence: no last passed build within the search limit.
		logging.Infof(c, "No regression range for build %d: %v", bbid, err)
		return false, nil
	}

	if gitilesCommitOf(lastPassed) == nil || gitilesCommitOf(firstFailed) == nil {
		// No commits means no blamelist to bisect. Degrade to a no-op
		// rather than failing the task.
		logging.Warningf(c, "Builds (%d, %d) lack gitiles commits, skipping analysis",
			lastPassed.Id, firstFailed.Id)
		return false, nil
	}

	fa, created, err := getOrCreateAnalysis(c, build, failureType, stepName, lastPassed, firstFailed)
	if err != nil {
		return false, err
	}
	if !created {
		logging.Infof(c, "Analysis %d already covers regression range (%d, %d)",
			fa.Id, lastPassed.Id, firstFailed.Id)
		return false, nil
	}

	payload, err := json.Marshal(&rerun.TaskPayload{AnalysisId: fa.Id})
	if err != nil {
		return false, err
	}
	err = taskqueue.Enqueue(c, &taskqueue.Task{
		Name:    fmt.Sprintf("analyze-%d", fa.Id),
		Path:    taskqueue.AnalyzeFailurePath,
		Payload: payload,
	})
	if err != nil {
		return false, err
	}
	logging.Infof(c, "Triggered analysis %d for build %d (step %q)", fa.Id, bbid, stepName)
	metrics.AnalysesTriggered.Add(c, 1, string(failureType))
	return true, nil
}

// classifyFailure finds the failed step worth analysing. The compile step
// wins over test steps: test failures downstream of a broken compile are
// not independent signals.
func classifyFailure(build *buildbucketpb.Build) (model.BuildFailureType, string) {
	if build.Status != buildbucketpb.Status_FAILURE {
		return "", ""
	}
	var failedTestStep string
	for _, step := range build.Steps {
		if step.Status != buildbucketpb.Status_FAILURE {
			continue
		}
		if isCompileStep(step) {
			return model.BuildFailureType_Compile, step.Name
		}
		if failedTestStep == "" {
			failedTestStep = step.Name
		}
	}
	if failedTestStep != "" {
		return model.BuildFailureType_Test, failedTestStep
	}
	return "", ""
}

func isCompileStep(step *buildbucketpb.Step) bool {
	return step.Name == "compile"
}

// getLastPassedFirstFailedBuilds searches older builds on the same builder
// for the latest build where the step passed and the earliest consecutive
// build where it failed.
func getLastPassedFirstFailedBuilds(c context.Context, refBuild *buildbucketpb.Build, stepName string) (lastPassed, firstFailed *buildbucketpb.Build, err error) {
	firstFailed = refBuild

	var remaining int32 = maxBuildsToSearch
	var batchSize int32 = 20
	pageToken := ""

	mask := &buildbucketpb.BuildMask{
		Fields: &fieldmaskpb.FieldMask{
			Paths: []string{"id", "builder", "input", "status", "steps"},
		},
	}

	for remaining > 0 {
		if remaining < batchSize {
			batchSize = remaining
		}
		olderBuilds, nextPageToken, err := buildbucket.SearchOlderBuilds(c, refBuild, mask, batchSize, pageToken)
		if err != nil {
			return nil, nil, errors.Annotate(err, "searching builds older than %d", refBuild.Id).Err()
		}

		for _, oldBuild := range olderBuilds {
			if oldBuild.Status == buildbucketpb.Status_SUCCESS || stepHasStatus(oldBuild, stepName, buildbucketpb.Status_SUCCESS) {
				return oldBuild, firstFailed, nil
			}
			if oldBuild.Status == buildbucketpb.Status_FAILURE && stepHasStatus(oldBuild, stepName, buildbucketpb.Status_FAILURE) {
				firstFailed = oldBuild
			}
		}

		if nextPageToken == "" {
			break
		}
		remaining -= int32(len(olderBuilds))
		pageToken = nextPageToken
	}
	return nil, nil, fmt.Errorf("no build where step %q passed within the last %d builds", stepName, maxBuildsToSearch)
}

func stepHasStatus(build *buildbucketpb.Build, stepName string, status buildbucketpb.Status) bool {
	for _, step := range build.Steps {
		if step.Name == stepName && step.Status == status {
			return true
		}
	}
	return false
}

// getOrCreateAnalysis dedups analyses by regression range: when one
// already covers (lastPassed, firstFailed), the new failure is merged into
// the failure that analysis runs on instead of triggering a second
// analysis. Returns the analysis and whether it was newly created.
func getOrCreateAnalysis(c context.Context, refBuild *buildbucketpb.Build, failureType model.BuildFailureType, stepName string, lastPassed, firstFailed *buildbucketpb.Build) (*model.FailureAnalysis, bool, error) {
	failureKey, err := createFailureModel(c, refBuild, failureType, stepName)
	if err != nil {
		return nil, false, err
	}

	existing, err := searchAnalysis(c, lastPassed.Id, firstFailed.Id)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := mergeFailure(c, failureKey, existing.FailureKey); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	rr := &model.RegressionRange{
		LastPassed:  gitilesCommitOf(lastPassed),
		FirstFailed: gitilesCommitOf(firstFailed),
	}
	rrJSON, err := rr.ToJSON()
	if err != nil {
		return nil, false, err
	}
	fa := &model.FailureAnalysis{
		FailureKey:             failureKey,
		FailureType:            failureType,
		StepName:               stepName,
		CreateTime:             clock.Now(c),
		Status:                 model.AnalysisStatus_Created,
		Stage:                  model.RerunStage_TriggerRerun,
		FirstFailedBuildId:     firstFailed.Id,
		LastPassedBuildId:      lastPassed.Id,
		InitialRegressionRange: rrJSON,
	}
	err = datastore.RunInTransaction(c, func(c context.Context) error {
		return datastore.Put(c, fa)
	}, nil)
	if err != nil {
		return nil, false, err
	}
	return fa, true, nil
}

// createFailureModel stores the failed build and its failure entity, keyed
// by build id so a retried pubsub message updates rather than duplicates.
func createFailureModel(c context.Context, failedBuild *buildbucketpb.Build, failureType model.BuildFailureType, stepName string) (*datastore.Key, error) {
	var failureKey *datastore.Key
	err := datastore.RunInTransaction(c, func(c context.Context) error {
		var gitilesCommit buildbucketpb.GitilesCommit
		if input := failedBuild.GetInput(); input != nil && input.GitilesCommit != nil {
			gitilesCommit = *input.GitilesCommit
		}
		buildModel := &model.LuciFailedBuild{
			Id: failedBuild.Id,
			LuciBuild: model.LuciBuild{
				BuildId:       failedBuild.Id,
				Project:       failedBuild.GetBuilder().Project,
				Bucket:        failedBuild.GetBuilder().Bucket,
				Builder:       failedBuild.GetBuilder().Builder,
				BuildNumber:   int(failedBuild.Number),
				Status:        failedBuild.Status,
				StartTime:     failedBuild.StartTime.AsTime(),
				EndTime:       failedBuild.EndTime.AsTime(),
				CreateTime:    failedBuild.CreateTime.AsTime(),
				GitilesCommit: gitilesCommit,
			},
			FailureType: failureType,
		}
		if err := datastore.Put(c, buildModel); err != nil {
			return err
		}
		if failureType == model.BuildFailureType_Compile {
			cf := &model.CompileFailure{
				Id:    failedBuild.Id,
				Build: datastore.KeyForObj(c, buildModel),
			}
			if err := datastore.Put(c, cf); err != nil {
				return err
			}
			failureKey = datastore.KeyForObj(c, cf)
			return nil
		}
		tf := &model.TestFailure{
			Id:       failedBuild.Id,
			Build:    datastore.KeyForObj(c, buildModel),
			StepName: stepName,
		}
		if err := datastore.Put(c, tf); err != nil {
			return err
		}
		failureKey = datastore.KeyForObj(c, tf)
		return nil
	}, nil)
	if err != nil {
		return nil, errors.Annotate(err, "creating failure model for build %d", failedBuild.Id).Err()
	}
	return failureKey, nil
}

// mergeFailure points the new failure at the one an existing analysis
// covers, so both share the analysis result.
func mergeFailure(c context.Context, failureKey, mergeInto *datastore.Key) error {
	if failureKey.Equal(mergeInto) {
		// Duplicated or retried message for the same build.
		return nil
	}
	return datastore.RunInTransaction(c, func(c context.Context) error {
		switch mergeInto.Kind() {
		case "CompileFailure":
			cf := &model.CompileFailure{
				Id:    failureKey.IntID(),
				Build: failureKey.Parent(),
			}
			if err := datastore.Get(c, cf); err != nil {
				return err
			}
			cf.MergedFailureKey = mergeInto
			return datastore.Put(c, cf)
		default:
			tf := &model.TestFailure{
				Id:    failureKey.IntID(),
				Build: failureKey.Parent(),
			}
			if err := datastore.Get(c, tf); err != nil {
				return err
			}
			tf.MergedFailureKey = mergeInto
			return datastore.Put(c, tf)
		}
	}, nil)
}

func searchAnalysis(c context.Context, lastPassedBuildId, firstFailedBuildId int64) (*model.FailureAnalysis, error) {
	q := datastore.NewQuery("FailureAnalysis").
		Eq("last_passed_build_id", lastPassedBuildId).
		Eq("first_failed_build_id", firstFailedBuildId)
	analyses := []*model.FailureAnalysis{}
	if err := datastore.GetAll(c, q, &analyses); err != nil {
		return nil, errors.Annotate(err, "querying analyses for range (%d, %d)", lastPassedBuildId, firstFailedBuildId).Err()
	}
	if len(analyses) == 0 {
		return nil, nil
	}
	if len(analyses) > 1 {
		logging.Warningf(c, "Found more than one analysis for range (%d, %d)", lastPassedBuildId, firstFailedBuildId)
	}
	return analyses[0], nil
}

func gitilesCommitOf(build *buildbucketpb.Build) *buildbucketpb.GitilesCommit {
	if input := build.GetInput(); input != nil && input.GitilesCommit != nil {
		return input.GitilesCommit
	}
	return nil
}
