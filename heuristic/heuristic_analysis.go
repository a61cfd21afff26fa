// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package heuristic implements failure signal extraction and heuristic
// scoring of the commits in a regression range.
package heuristic

import (
	"context"
	"encoding/json"

	buildbucketpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"flaketriage/internal/buildbucket"
	"flaketriage/internal/gitiles"
	"flaketriage/internal/logdog"
	"flaketriage/model"
)

// Analyze runs heuristic analysis for a failure and persists the resulting
// suspects. It returns the HeuristicAnalysis entity.
func Analyze(c context.Context, fa *model.FailureAnalysis, rr *model.RegressionRange) (*model.HeuristicAnalysis, error) {
	heuristicAnalysis := &model.HeuristicAnalysis{
		ParentAnalysis: datastore.KeyForObj(c, fa),
		StartTime:      clock.Now(c),
		Status:         model.AnalysisStatus_Running,
	}
	if err := datastore.Put(c, heuristicAnalysis); err != nil {
		return nil, err
	}

	changelogs, err := gitiles.GetChangeLogsForRegressionRange(c, rr)
	if err != nil {
		return nil, errors.Annotate(err, "getting changelogs").Err()
	}
	logging.Infof(c, "Found %d changelogs in the regression range", len(changelogs))

	signal, err := GetFailureSignal(c, fa)
	if err != nil {
		return nil, errors.Annotate(err, "getting failure signal").Err()
	}

	analysisResult, err := AnalyzeChangeLogs(c, signal, changelogs)
	if err != nil {
		return nil, errors.Annotate(err, "analyzing changelogs").Err()
	}

	if err := saveSuspects(c, fa, heuristicAnalysis, analysisResult); err != nil {
		return nil, errors.Annotate(err, "saving suspects").Err()
	}

	heuristicAnalysis.EndTime = clock.Now(c)
	heuristicAnalysis.Status = model.AnalysisStatus_NotFound
	if len(analysisResult.Items) > 0 {
		heuristicAnalysis.Status = model.AnalysisStatus_Found
	}
	if err := datastore.Put(c, heuristicAnalysis); err != nil {
		return nil, err
	}
	return heuristicAnalysis, nil
}

func saveSuspects(c context.Context, fa *model.FailureAnalysis, heuristicAnalysis *model.HeuristicAnalysis, result *model.HeuristicAnalysisResult) error {
	rr, err := model.RegressionRangeFromJSON(fa.InitialRegressionRange)
	if err != nil {
		return err
	}
	suspects := make([]*model.Suspect, len(result.Items))
	for i, item := range result.Items {
		suspects[i] = &model.Suspect{
			ParentAnalysis: datastore.KeyForObj(c, heuristicAnalysis),
			GitilesCommit: buildbucketpb.GitilesCommit{
				Host:    rr.FirstFailed.Host,
				Project: rr.FirstFailed.Project,
				Ref:     rr.FirstFailed.Ref,
				Id:      item.Commit,
			},
			ReviewUrl:          item.ReviewUrl,
			Score:              item.Justification.GetScore(),
			Justification:      item.Justification.GetReasons(),
			VerificationStatus: model.SuspectVerificationStatus_Unverified,
		}
	}
	return datastore.Put(c, suspects)
}

// GetFailureSignal returns the failure signal for the analysed failure,
// reusing the cached signal of the (build, step) when present.
func GetFailureSignal(c context.Context, fa *model.FailureAnalysis) (*model.FailureSignal, error) {
	buildKey := datastore.KeyForObj(c, &model.LuciFailedBuild{Id: fa.FirstFailedBuildId})

	cached := []*model.StepFailureSignal{}
	q := datastore.NewQuery("StepFailureSignal").
		Ancestor(buildKey).
		Eq("step_name", fa.StepName).
		Limit(1)
	if err := datastore.GetAll(c, q, &cached); err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		return model.FailureSignalFromJSON(cached[0].Signal)
	}

	var signal *model.FailureSignal
	var err error
	switch fa.FailureType {
	case model.BuildFailureType_Compile:
		var compileLogs *model.CompileLogs
		compileLogs, err = GetCompileLogs(c, fa.FirstFailedBuildId)
		if err == nil {
			signal, err = ExtractSignals(c, compileLogs)
		}
	case model.BuildFailureType_Test:
		var log string
		log, err = GetStepLog(c, fa.FirstFailedBuildId, fa.StepName, "json.output")
		if err == nil {
			signal, err = ExtractSignalsFromTestResults(c, log)
		}
	default:
		return nil, errors.Reason("unsupported failure type %s", fa.FailureType).Err()
	}
	if err != nil {
		return nil, err
	}

	signalJSON, err := signal.ToJSON()
	if err != nil {
		return nil, err
	}
	record := &model.StepFailureSignal{
		Build:    buildKey,
		StepName: fa.StepName,
		Signal:   signalJSON,
	}
	if err := datastore.Put(c, record); err != nil {
		return nil, err
	}
	return signal, nil
}

// GetCompileLogs gets the compile logs of a buildbucket build.
// The ninja log and stdout log are fetched in parallel.
func GetCompileLogs(c context.Context, bbid int64) (*model.CompileLogs, error) {
	build, err := buildbucket.GetBuild(c, bbid, &buildbucketpb.BuildMask{
		Fields: &fieldmaskpb.FieldMask{
			Paths: []string{"steps"},
		},
	})
	if err != nil {
		return nil, err
	}
	ninjaUrl := ""
	stdoutUrl := ""
	for _, step := range build.Steps {
		if step.Name == "compile" {
			for _, log := range step.Logs {
				if log.Name == "json.output[ninja_info]" {
					ninjaUrl = log.ViewUrl
				}
				if log.Name == "stdout" {
					stdoutUrl = log.ViewUrl
				}
			}
			break
		}
	}

	ninjaLog := &model.NinjaLog{}
	stdoutLog := ""
	g, gc := errgroup.WithContext(c)
	if ninjaUrl != "" {
		g.Go(func() error {
			log, err := logdog.GetLogFromViewUrl(gc, ninjaUrl)
			if err != nil {
				return errors.Annotate(err, "getting ninja log").Err()
			}
			if err := json.Unmarshal([]byte(log), ninjaLog); err != nil {
				logging.Warningf(gc, "Cannot parse ninja log of build %d: %v", bbid, err)
				ninjaLog.Failures = nil
			}
			return nil
		})
	}
	if stdoutUrl != "" {
		g.Go(func() error {
			log, err := logdog.GetLogFromViewUrl(gc, stdoutUrl)
			if err != nil {
				return errors.Annotate(err, "getting stdout log").Err()
			}
			stdoutLog = log
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(ninjaLog.Failures) > 0 {
		return &model.CompileLogs{NinjaLog: ninjaLog, StdOutLog: stdoutLog}, nil
	}
	if stdoutLog != "" {
		return &model.CompileLogs{StdOutLog: stdoutLog}, nil
	}
	return nil, errors.Reason("could not get compile log from build %d", bbid).Err()
}

// GetStepLog fetches one named log of one step of a build.
func GetStepLog(c context.Context, bbid int64, stepName string, logName string) (string, error) {
	build, err := buildbucket.GetBuild(c, bbid, &buildbucketpb.BuildMask{
		Fields: &fieldmaskpb.FieldMask{
			Paths: []string{"steps"},
		},
	})
	if err != nil {
		return "", err
	}
	for _, step := range build.Steps {
		if step.Name != stepName {
			continue
		}
		for _, log := range step.Logs {
			if log.Name == logName {
				return logdog.GetLogFromViewUrl(c, log.ViewUrl)
			}
		}
	}
	return "", errors.Reason("no %s log for step %q of build %d", logName, stepName, bbid).Err()
}
