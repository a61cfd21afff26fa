// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package failureanalysis is the entry point of the analysis of one
// failure: it runs the fast heuristic pass, prepares the bisection and
// hands the analysis to the rerun state machine.
package failureanalysis

import (
	"context"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/heuristic"
	"flaketriage/model"
	"flaketriage/nthsection"
	"flaketriage/rerun"
)

// AnalyzeFailure runs the analysis. Heuristic analysis failures degrade to
// a bisection without suspects, they never block it.
func AnalyzeFailure(c context.Context, analysisId int64) error {
	fa := &model.FailureAnalysis{Id: analysisId}
	if err := datastore.Get(c, fa); err != nil {
		return errors.Annotate(err, "getting analysis %d", analysisId).Err()
	}
	if fa.Cancelled {
		logging.Infof(c, "Analysis %d was cancelled, not starting", fa.Id)
		return nil
	}

	if err := supersedeOlderAnalyses(c, fa); err != nil {
		return err
	}

	err := datastore.RunInTransaction(c, func(c context.Context) error {
		if err := datastore.Get(c, fa); err != nil {
			return err
		}
		fa.Status = model.AnalysisStatus_Running
		fa.StartTime = clock.Now(c)
		return datastore.Put(c, fa)
	}, nil)
	if err != nil {
		return err
	}

	rr, err := model.RegressionRangeFromJSON(fa.InitialRegressionRange)
	if err != nil {
		return errors.Annotate(err, "parsing regression range of analysis %d", fa.Id).Err()
	}

	if _, err := heuristic.Analyze(c, fa, rr); err != nil {
		logging.Errorf(c, "Heuristic analysis of %d failed: %v", fa.Id, err)
	}

	if _, err := nthsection.Analyze(c, fa, rr); err != nil {
		return errors.Annotate(err, "preparing bisection of analysis %d", fa.Id).Err()
	}

	return rerun.Start(c, fa)
}

// supersedeOlderAnalyses cancels unfinished older analyses of the same
// failure. In-flight stages of the cancelled analyses abort at their next
// supersession check.
func supersedeOlderAnalyses(c context.Context, fa *model.FailureAnalysis) error {
	older := []*model.FailureAnalysis{}
	q := datastore.NewQuery("FailureAnalysis").Eq("failure_key", fa.FailureKey)
	if err := datastore.GetAll(c, q, &older); err != nil {
		return errors.Annotate(err, "querying analyses of failure %s", fa.FailureKey).Err()
	}
	for _, old := range older {
		if old.Id == fa.Id || old.Cancelled {
			continue
		}
		if old.Stage == model.RerunStage_Done || old.Stage == model.RerunStage_GaveUp {
			continue
		}
		logging.Infof(c, "Analysis %d supersedes unfinished analysis %d", fa.Id, old.Id)
		old := old
		err := datastore.RunInTransaction(c, func(c context.Context) error {
			if err := datastore.Get(c, old); err != nil {
				return err
			}
			old.Cancelled = true
			old.SupersededById = fa.Id
			old.Status = model.AnalysisStatus_Cancelled
			return datastore.Put(c, old)
		}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}
