// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package nthsection

import (
	"context"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/internal/gitiles"
	"flaketriage/model"
)

// Analyze creates the bisection analysis for a failure: it fetches the
// blamelist of the regression range and persists it, ready for the rerun
// orchestrator to start narrowing.
func Analyze(c context.Context, fa *model.FailureAnalysis, rr *model.RegressionRange) (*model.NthSectionAnalysis, error) {
	changelogs, err := gitiles.GetChangeLogsForRegressionRange(c, rr)
	if err != nil {
		return nil, errors.Annotate(err, "getting changelogs for blamelist").Err()
	}
	blamelist := make([]string, len(changelogs))
	for i, changelog := range changelogs {
		blamelist[i] = changelog.Commit
	}
	logging.Infof(c, "Blamelist of analysis %d has %d commits", fa.Id, len(blamelist))

	nthSectionAnalysis := &model.NthSectionAnalysis{
		ParentAnalysis: datastore.KeyForObj(c, fa),
		StartTime:      clock.Now(c),
		Status:         model.AnalysisStatus_Running,
	}
	if err := nthSectionAnalysis.SetBlameList(blamelist); err != nil {
		return nil, err
	}
	if err := datastore.Put(c, nthSectionAnalysis); err != nil {
		return nil, err
	}
	return nthSectionAnalysis, nil
}

// GetForAnalysis returns the NthSectionAnalysis of a failure analysis, or
// nil when none exists yet.
func GetForAnalysis(c context.Context, fa *model.FailureAnalysis) (*model.NthSectionAnalysis, error) {
	analyses := []*model.NthSectionAnalysis{}
	q := datastore.NewQuery("NthSectionAnalysis").Eq("parent", datastore.KeyForObj(c, fa)).Limit(1)
	if err := datastore.GetAll(c, q, &analyses); err != nil {
		return nil, err
	}
	if len(analyses) == 0 {
		return nil, nil
	}
	return analyses[0], nil
}
