// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package rerun drives the resumable rerun state machine of an analysis.
//
// Each stage runs as one task-queue invocation: the handler reads the
// persisted stage from the FailureAnalysis entity, executes it, persists
// the next stage and enqueues a task for it. A crashed or retried task
// re-reads the stage and resumes instead of restarting.
package rerun

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	buildbucketpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
	"google.golang.org/protobuf/types/known/structpb"

	"flaketriage/internal/buildbucket"
	"flaketriage/internal/config"
	"flaketriage/internal/logdog"
	"flaketriage/internal/taskqueue"
	"flaketriage/model"
	"flaketriage/nthsection"
)

// RerunBuilder is the builder used for rerun builds.
var RerunBuilder = &buildbucketpb.BuilderID{
	Project: "chromium",
	Bucket:  "findit",
	Builder: "triage-rerun",
}

const (
	// At most this many rerun builds may be pending before new reruns are
	// deferred.
	maxPendingReruns = 10
	// Poll interval while awaiting a rerun build.
	pollDelay = 5 * time.Minute
	// Base delay for deferrals, doubled per retry and capped.
	deferBaseDelay = 10 * time.Minute
	deferMaxDelay  = 4 * time.Hour
	// Off-peak runs are scheduled at this UTC hour.
	offPeakHourUTC = 22
)

// TaskPayload is the JSON body of a rerun stage task.
type TaskPayload struct {
	AnalysisId int64 `json:"analysis_id"`
}

// Dispatch executes the current stage of the analysis.
func Dispatch(c context.Context, analysisId int64) error {
	fa := &model.FailureAnalysis{Id: analysisId}
	if err := datastore.Get(c, fa); err != nil {
		return errors.Annotate(err, "getting analysis %d", analysisId).Err()
	}
	if fa.Cancelled {
		logging.Infof(c, "Analysis %d was cancelled or superseded, aborting", fa.Id)
		return nil
	}
	logging.Infof(c, "Dispatching stage %s of analysis %d", fa.Stage, fa.Id)
	switch fa.Stage {
	case model.RerunStage_TriggerRerun:
		return triggerRerun(c, fa)
	case model.RerunStage_AwaitRerun:
		return awaitRerun(c, fa)
	case model.RerunStage_CollectResults:
		return collectResults(c, fa)
	case model.RerunStage_Decide:
		return decide(c, fa)
	case model.RerunStage_Done, model.RerunStage_GaveUp:
		return nil
	}
	return errors.Reason("analysis %d has unknown stage %q", fa.Id, fa.Stage).Err()
}

// Start moves a fresh analysis into the state machine.
func Start(c context.Context, fa *model.FailureAnalysis) error {
	return transition(c, fa.Id, model.RerunStage_TriggerRerun, 0)
}

// transition persists the next stage and enqueues its task, in one
// transaction. delay postpones the task.
func transition(c context.Context, analysisId int64, stage model.RerunStage, delay time.Duration) error {
	return datastore.RunInTransaction(c, func(c context.Context) error {
		fa := &model.FailureAnalysis{Id: analysisId}
		if err := datastore.Get(c, fa); err != nil {
			return err
		}
		if fa.Cancelled {
			return nil
		}
		fa.Stage = stage
		fa.TaskCount++
		if stage == model.RerunStage_Done || stage == model.RerunStage_GaveUp {
			fa.EndTime = clock.Now(c)
			if err := datastore.Put(c, fa); err != nil {
				return err
			}
			return nil
		}
		if err := datastore.Put(c, fa); err != nil {
			return err
		}
		payload, err := json.Marshal(&TaskPayload{AnalysisId: fa.Id})
		if err != nil {
			return err
		}
		return taskqueue.Enqueue(c, &taskqueue.Task{
			Name:    fmt.Sprintf("analysis-%d-task-%d", fa.Id, fa.TaskCount),
			Path:    taskqueue.RerunStagePath,
			Payload: payload,
			Delay:   delay,
		})
	}, nil)
}

func triggerRerun(c context.Context, fa *model.FailureAnalysis) error {
	cfg := config.Get(c)
	nsa, err := nthsection.GetForAnalysis(c, fa)
	if err != nil {
		return err
	}
	if nsa == nil {
		return errors.Reason("analysis %d has no nthsection analysis", fa.Id).Err()
	}
	snapshot, err := nthsection.CreateSnapshot(c, fa, nsa)
	if err != nil {
		return err
	}
	commit, err := snapshot.FindNextCommitToRun()
	switch {
	case err == nthsection.ErrRerunInProgress:
		return transition(c, fa.Id, model.RerunStage_AwaitRerun, pollDelay)
	case err == nthsection.ErrNothingLeftToRun:
		return transition(c, fa.Id, model.RerunStage_Decide, 0)
	case err != nil:
		return err
	}

	// Reuse an existing non-errored rerun at this commit instead of
	// double-triggering.
	existing, err := findReusableRerun(c, fa, commit)
	if err != nil {
		return err
	}
	if existing != nil {
		logging.Infof(c, "Reusing rerun build %d at commit %s", existing.Id, commit)
		if existing.RerunStatus == model.RerunStatus_InProgress {
			return transition(c, fa.Id, model.RerunStage_AwaitRerun, pollDelay)
		}
		return transition(c, fa.Id, model.RerunStage_Decide, 0)
	}

	// Bot availability gates new reruns, with bounded deferrals. Once the
	// budget runs out the rerun is forced off-peak regardless.
	if !fa.ForceOffPeak {
		available, err := hasBotCapacity(c)
		if err != nil {
			return err
		}
		if !available {
			return deferRerun(c, fa, cfg)
		}
	}

	rerun, err := TriggerRerunBuild(c, fa, commit, model.RerunType_NthSection)
	if err != nil {
		return errors.Annotate(err, "triggering rerun at %s", commit).Err()
	}
	logging.Infof(c, "Triggered rerun build %d at commit %s for analysis %d", rerun.Id, commit, fa.Id)
	return transition(c, fa.Id, model.RerunStage_AwaitRerun, pollDelay)
}

// deferRerun re-enqueues the trigger stage with exponential backoff. After
// MaxRerunRetryTimes deferrals the next attempt is forced off-peak.
func deferRerun(c context.Context, fa *model.FailureAnalysis, cfg *config.Config) error {
	return datastore.RunInTransaction(c, func(c context.Context) error {
		if err := datastore.Get(c, fa); err != nil {
			return err
		}
		if fa.Cancelled {
			return nil
		}
		fa.RetryCount++
		fa.TaskCount++
		delay := deferBaseDelay << (fa.RetryCount - 1)
		if delay > deferMaxDelay {
			delay = deferMaxDelay
		}
		if fa.RetryCount >= cfg.MaxRerunRetryTimes {
			fa.ForceOffPeak = true
			delay = untilOffPeak(clock.Now(c))
			logging.Infof(c, "Analysis %d exhausted rerun deferrals, forcing off-peak run", fa.Id)
		}
		if err := datastore.Put(c, fa); err != nil {
			return err
		}
		payload, err := json.Marshal(&TaskPayload{AnalysisId: fa.Id})
		if err != nil {
			return err
		}
		return taskqueue.Enqueue(c, &taskqueue.Task{
			Name:    fmt.Sprintf("analysis-%d-task-%d", fa.Id, fa.TaskCount),
			Path:    taskqueue.RerunStagePath,
			Payload: payload,
			Delay:   delay,
		})
	}, nil)
}

// untilOffPeak computes the delay until the next off-peak window.
func untilOffPeak(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), offPeakHourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

func awaitRerun(c context.Context, fa *model.FailureAnalysis) error {
	cfg := config.Get(c)
	rerun, err := findInProgressRerun(c, fa)
	if err != nil {
		return err
	}
	if rerun == nil {
		// Nothing in flight (e.g. resumed after the rerun already
		// reported), let the decide stage sort it out.
		return transition(c, fa.Id, model.RerunStage_Decide, 0)
	}

	build, err := buildbucket.GetBuild(c, rerun.Id, &buildbucketpb.BuildMask{
		Fields: &fieldmaskpb.FieldMask{Paths: []string{"id", "status", "end_time"}},
	})
	if err != nil {
		return errors.Annotate(err, "polling rerun build %d", rerun.Id).Err()
	}

	switch {
	case build.Status == buildbucketpb.Status_INFRA_FAILURE || build.Status == buildbucketpb.Status_CANCELED:
		rerun.RerunStatus = model.RerunStatus_InfraFailed
		rerun.ReportTime = clock.Now(c)
		if err := datastore.Put(c, rerun); err != nil {
			return err
		}
		return transition(c, fa.Id, model.RerunStage_Decide, 0)
	case build.Status == buildbucketpb.Status_SUCCESS || build.Status == buildbucketpb.Status_FAILURE:
		return transition(c, fa.Id, model.RerunStage_CollectResults, 0)
	}

	// Still running. Bounded wait: a rerun exceeding the timeout is
	// recorded as timed out, which is not a failure outcome.
	if clock.Now(c).Sub(rerun.StartTime) > cfg.RerunTimeout {
		logging.Warningf(c, "Rerun build %d timed out after %v", rerun.Id, cfg.RerunTimeout)
		rerun.RerunStatus = model.RerunStatus_TimedOut
		rerun.ReportTime = clock.Now(c)
		if err := datastore.Put(c, rerun); err != nil {
			return err
		}
		return transition(c, fa.Id, model.RerunStage_Decide, 0)
	}
	return transition(c, fa.Id, model.RerunStage_AwaitRerun, pollDelay)
}

func collectResults(c context.Context, fa *model.FailureAnalysis) error {
	rerun, err := findInProgressRerun(c, fa)
	if err != nil {
		return err
	}
	if rerun == nil {
		return transition(c, fa.Id, model.RerunStage_Decide, 0)
	}

	data, err := fetchRerunResultLog(c, rerun)
	if err != nil {
		logging.Warningf(c, "Cannot fetch result of rerun build %d: %v", rerun.Id, err)
		rerun.RerunStatus = model.RerunStatus_InfraFailed
	} else {
		rerun.RerunStatus = DetermineRerunStatus(c, fa, rerun, data)
		rerun.Results = data
	}
	rerun.ReportTime = clock.Now(c)
	if err := datastore.Put(c, rerun); err != nil {
		return err
	}
	return transition(c, fa.Id, model.RerunStage_Decide, 0)
}

func decide(c context.Context, fa *model.FailureAnalysis) error {
	nsa, err := nthsection.GetForAnalysis(c, fa)
	if err != nil {
		return err
	}
	snapshot, err := nthsection.CreateSnapshot(c, fa, nsa)
	if err != nil {
		return err
	}

	if culprit, ok := snapshot.GetCulprit(); ok {
		return concludeWithCulprit(c, fa, nsa, culprit)
	}

	if _, err := snapshot.FindNextCommitToRun(); err == nthsection.ErrNothingLeftToRun {
		// Range not collapsed and nothing left to evaluate: give up.
		logging.Warningf(c, "Analysis %d gave up: remaining range is unresolvable", fa.Id)
		if err := updateStatuses(c, fa, nsa, model.AnalysisStatus_NotFound); err != nil {
			return err
		}
		return transition(c, fa.Id, model.RerunStage_GaveUp, 0)
	} else if err != nil && err != nthsection.ErrRerunInProgress {
		return err
	}
	return transition(c, fa.Id, model.RerunStage_TriggerRerun, 0)
}

func concludeWithCulprit(c context.Context, fa *model.FailureAnalysis, nsa *model.NthSectionAnalysis, culpritCommit string) error {
	rr, err := model.RegressionRangeFromJSON(fa.InitialRegressionRange)
	if err != nil {
		return err
	}
	culprit := &model.Culprit{
		ParentAnalysis: datastore.KeyForObj(c, fa),
		GitilesCommit: buildbucketpb.GitilesCommit{
			Host:    rr.FirstFailed.Host,
			Project: rr.FirstFailed.Project,
			Ref:     rr.FirstFailed.Ref,
			Id:      culpritCommit,
		},
	}
	if err := datastore.Put(c, culprit); err != nil {
		return err
	}
	if err := updateStatuses(c, fa, nsa, model.AnalysisStatus_Found); err != nil {
		return err
	}
	logging.Infof(c, "Analysis %d found culprit %s", fa.Id, culpritCommit)

	// Verification (and any issue merging it causes) runs as its own task.
	payload, err := json.Marshal(&TaskPayload{AnalysisId: fa.Id})
	if err != nil {
		return err
	}
	err = taskqueue.Enqueue(c, &taskqueue.Task{
		Name:    fmt.Sprintf("culprit-verification-%d", fa.Id),
		Path:    taskqueue.CulpritVerifyPath,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return transition(c, fa.Id, model.RerunStage_Done, 0)
}

func updateStatuses(c context.Context, fa *model.FailureAnalysis, nsa *model.NthSectionAnalysis, status model.AnalysisStatus) error {
	return datastore.RunInTransaction(c, func(c context.Context) error {
		if err := datastore.Get(c, fa); err != nil {
			return err
		}
		fa.Status = status
		nsa.Status = status
		nsa.EndTime = clock.Now(c)
		return datastore.Put(c, fa, nsa)
	}, nil)
}

// findReusableRerun returns an existing non-errored rerun of this analysis
// at the commit, or nil.
func findReusableRerun(c context.Context, fa *model.FailureAnalysis, commit string) (*model.SingleRerun, error) {
	reruns, err := rerunsOf(c, fa)
	if err != nil {
		return nil, err
	}
	for _, rerun := range reruns {
		if rerun.GitilesCommit.Id != commit {
			continue
		}
		if rerun.RerunStatus == model.RerunStatus_InfraFailed || rerun.RerunStatus == model.RerunStatus_TimedOut {
			continue
		}
		return rerun, nil
	}
	return nil, nil
}

func findInProgressRerun(c context.Context, fa *model.FailureAnalysis) (*model.SingleRerun, error) {
	reruns, err := rerunsOf(c, fa)
	if err != nil {
		return nil, err
	}
	for _, rerun := range reruns {
		if rerun.RerunStatus == model.RerunStatus_InProgress {
			return rerun, nil
		}
	}
	return nil, nil
}

func rerunsOf(c context.Context, fa *model.FailureAnalysis) ([]*model.SingleRerun, error) {
	reruns := []*model.SingleRerun{}
	q := datastore.NewQuery("SingleRerun").Eq("analysis", datastore.KeyForObj(c, fa))
	if err := datastore.GetAll(c, q, &reruns); err != nil {
		return nil, err
	}
	return reruns, nil
}

// hasBotCapacity checks if the rerun builder has room for another build.
func hasBotCapacity(c context.Context) (bool, error) {
	res, err := buildbucket.SearchBuilds(c, &buildbucketpb.SearchBuildsRequest{
		Predicate: &buildbucketpb.BuildPredicate{
			Builder: RerunBuilder,
			Status:  buildbucketpb.Status_SCHEDULED,
		},
		PageSize: maxPendingReruns,
	})
	if err != nil {
		return false, errors.Annotate(err, "searching pending reruns").Err()
	}
	return len(res.Builds) < maxPendingReruns, nil
}

// TriggerRerunBuild schedules a rerun build at a commit and records the
// SingleRerun entity for it.
func TriggerRerunBuild(c context.Context, fa *model.FailureAnalysis, commit string, rerunType model.RerunType) (*model.SingleRerun, error) {
	rr, err := model.RegressionRangeFromJSON(fa.InitialRegressionRange)
	if err != nil {
		return nil, err
	}
	props, err := structpb.NewStruct(map[string]any{
		"analysis_id":  fa.Id,
		"target_step":  fa.StepName,
		"failure_type": string(fa.FailureType),
	})
	if err != nil {
		return nil, err
	}
	build, err := buildbucket.ScheduleBuild(c, &buildbucketpb.ScheduleBuildRequest{
		Builder: RerunBuilder,
		GitilesCommit: &buildbucketpb.GitilesCommit{
			Host:    rr.FirstFailed.Host,
			Project: rr.FirstFailed.Project,
			Ref:     rr.FirstFailed.Ref,
			Id:      commit,
		},
		Properties: props,
		Priority:   PriorityFor(rerunType, fa.ForceOffPeak),
	})
	if err != nil {
		return nil, err
	}

	rerun := &model.SingleRerun{
		Id:       build.Id,
		Analysis: datastore.KeyForObj(c, fa),
		LuciBuild: model.LuciBuild{
			BuildId: build.Id,
			Project: RerunBuilder.Project,
			Bucket:  RerunBuilder.Bucket,
			Builder: RerunBuilder.Builder,
			GitilesCommit: buildbucketpb.GitilesCommit{
				Host:    rr.FirstFailed.Host,
				Project: rr.FirstFailed.Project,
				Ref:     rr.FirstFailed.Ref,
				Id:      commit,
			},
			CreateTime: clock.Now(c),
			StartTime:  clock.Now(c),
			Status:     build.Status,
		},
		Type:        rerunType,
		RerunStatus: model.RerunStatus_InProgress,
	}
	if err := datastore.Put(c, rerun); err != nil {
		return nil, err
	}
	return rerun, nil
}

// fetchRerunResultLog downloads the result JSON the rerun build emitted.
func fetchRerunResultLog(c context.Context, rerun *model.SingleRerun) (string, error) {
	build, err := buildbucket.GetBuild(c, rerun.Id, &buildbucketpb.BuildMask{
		Fields: &fieldmaskpb.FieldMask{Paths: []string{"steps"}},
	})
	if err != nil {
		return "", err
	}
	for _, step := range build.Steps {
		if step.Name != "report" {
			continue
		}
		for _, log := range step.Logs {
			if log.Name == "rerun_result" {
				return logdog.GetLogFromViewUrl(c, log.ViewUrl)
			}
		}
	}
	return "", errors.Reason("rerun build %d has no rerun_result log", rerun.Id).Err()
}
