// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package culpritverification confirms or vindicates suspects with paired
// reruns: one at the suspect commit and one at its parent. A suspect is
// confirmed when the failure reproduces at the suspect but not at the
// parent.
package culpritverification

import (
	"context"
	"fmt"

	buildbucketpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/bugs"
	"flaketriage/internal/gitiles"
	"flaketriage/model"
	"flaketriage/rerun"
)

// Verify at most this many top suspects per analysis.
const maxSuspectsToVerify = 3

// VerifyAnalysis starts verification of the top heuristic suspects of an
// analysis. Suspects already being verified are skipped, so the task is
// safe to retry.
func VerifyAnalysis(c context.Context, analysisId int64) error {
	fa := &model.FailureAnalysis{Id: analysisId}
	if err := datastore.Get(c, fa); err != nil {
		return errors.Annotate(err, "getting analysis %d", analysisId).Err()
	}
	if fa.Cancelled {
		logging.Infof(c, "Analysis %d was cancelled, skipping verification", fa.Id)
		return nil
	}

	suspects, err := topSuspects(c, fa)
	if err != nil {
		return err
	}
	if len(suspects) == 0 {
		logging.Infof(c, "Analysis %d has no suspects to verify", fa.Id)
		return nil
	}
	for _, suspect := range suspects {
		if suspect.VerificationStatus != model.SuspectVerificationStatus_Unverified {
			continue
		}
		if err := VerifySuspect(c, fa, suspect); err != nil {
			return errors.Annotate(err, "verifying suspect %d of analysis %d", suspect.Id, fa.Id).Err()
		}
	}
	return nil
}

// VerifySuspect triggers the paired verification reruns for one suspect.
func VerifySuspect(c context.Context, fa *model.FailureAnalysis, suspect *model.Suspect) error {
	parentCommit, err := getParentCommit(c, &suspect.GitilesCommit)
	if err != nil {
		return errors.Annotate(err, "getting parent of commit %s", suspect.GitilesCommit.Id).Err()
	}

	suspectRerun, err := rerun.TriggerRerunBuild(c, fa, suspect.GitilesCommit.Id, model.RerunType_CulpritVerify)
	if err != nil {
		return err
	}
	parentRerun, err := rerun.TriggerRerunBuild(c, fa, parentCommit, model.RerunType_CulpritVerify)
	if err != nil {
		return err
	}

	return datastore.RunInTransaction(c, func(c context.Context) error {
		if err := datastore.Get(c, suspect); err != nil {
			return err
		}
		suspect.VerificationStatus = model.SuspectVerificationStatus_UnderVerification
		suspect.SuspectRerunKey = datastore.KeyForObj(c, suspectRerun)
		suspect.ParentRerunKey = datastore.KeyForObj(c, parentRerun)
		return datastore.Put(c, suspect)
	}, nil)
}

// UpdateInProgressVerifications is the periodic sweep over suspects under
// verification, concluding the ones whose paired reruns finished.
func UpdateInProgressVerifications(c context.Context) error {
	suspects := []*model.Suspect{}
	q := datastore.NewQuery("Suspect").
		Eq("verification_status", model.SuspectVerificationStatus_UnderVerification)
	if err := datastore.GetAll(c, q, &suspects); err != nil {
		return errors.Annotate(err, "querying suspects under verification").Err()
	}
	for _, suspect := range suspects {
		ha := &model.HeuristicAnalysis{Id: suspect.ParentAnalysis.IntID()}
		if err := datastore.Get(c, ha); err != nil {
			return errors.Annotate(err, "getting heuristic analysis of suspect %d", suspect.Id).Err()
		}
		fa := &model.FailureAnalysis{Id: ha.ParentAnalysis.IntID()}
		if err := datastore.Get(c, fa); err != nil {
			return errors.Annotate(err, "getting analysis of suspect %d", suspect.Id).Err()
		}
		if _, err := UpdateVerificationStatus(c, fa, suspect); err != nil {
			return err
		}
	}
	return nil
}

// UpdateVerificationStatus concludes the verification of a suspect from
// its completed reruns. No-op while either rerun is still running or ended
// inconclusively. Returns whether the suspect was confirmed.
func UpdateVerificationStatus(c context.Context, fa *model.FailureAnalysis, suspect *model.Suspect) (bool, error) {
	if suspect.VerificationStatus != model.SuspectVerificationStatus_UnderVerification {
		return false, nil
	}
	suspectRerun := &model.SingleRerun{Id: suspect.SuspectRerunKey.IntID()}
	parentRerun := &model.SingleRerun{Id: suspect.ParentRerunKey.IntID()}
	if err := datastore.Get(c, suspectRerun, parentRerun); err != nil {
		return false, errors.Annotate(err, "getting verification reruns of suspect %d", suspect.Id).Err()
	}
	if !concluded(suspectRerun) || !concluded(parentRerun) {
		return false, nil
	}

	confirmed := suspectRerun.RerunStatus == model.RerunStatus_Failed &&
		parentRerun.RerunStatus == model.RerunStatus_Passed
	status := model.SuspectVerificationStatus_Vindicated
	if confirmed {
		status = model.SuspectVerificationStatus_ConfirmedCulprit
	}
	err := datastore.RunInTransaction(c, func(c context.Context) error {
		if err := datastore.Get(c, suspect); err != nil {
			return err
		}
		suspect.VerificationStatus = status
		return datastore.Put(c, suspect)
	}, nil)
	if err != nil {
		return false, err
	}
	logging.Infof(c, "Suspect %d (commit %s) verification concluded: %s",
		suspect.Id, suspect.GitilesCommit.Id, status)

	if confirmed {
		if err := onCulpritConfirmed(c, suspect); err != nil {
			return true, err
		}
	}
	return confirmed, nil
}

// onCulpritConfirmed merges the issues of flakes sharing the confirmed
// culprit, so sheriffs track one bug per root cause.
func onCulpritConfirmed(c context.Context, suspect *model.Suspect) error {
	culprits, err := culpritsForCommit(c, suspect.GitilesCommit.Id)
	if err != nil {
		return err
	}
	issueIds := []int64{}
	seen := map[int64]bool{}
	for _, culprit := range culprits {
		issueId, err := issueForAnalysis(c, culprit.ParentAnalysis.IntID())
		if err != nil {
			return err
		}
		if issueId != 0 && !seen[issueId] {
			seen[issueId] = true
			issueIds = append(issueIds, issueId)
		}
	}
	for i := 1; i < len(issueIds); i++ {
		if _, err := bugs.MergeOrSplitFlakeIssueByCulprit(c, issueIds[0], issueIds[i]); err != nil {
			return err
		}
	}
	return nil
}

// culpritsForCommit finds all confirmed culprit records for a commit,
// across analyses.
func culpritsForCommit(c context.Context, commitId string) ([]*model.Culprit, error) {
	culprits := []*model.Culprit{}
	q := datastore.NewQuery("Culprit").Eq("Id", commitId)
	if err := datastore.GetAll(c, q, &culprits); err != nil {
		return nil, errors.Annotate(err, "querying culprits of commit %s", commitId).Err()
	}
	return culprits, nil
}

// issueForAnalysis finds the issue tracking the flake whose analysis this
// is, 0 when there is none.
func issueForAnalysis(c context.Context, analysisId int64) (int64, error) {
	fa := &model.FailureAnalysis{Id: analysisId}
	switch err := datastore.Get(c, fa); {
	case err == datastore.ErrNoSuchEntity:
		return 0, nil
	case err != nil:
		return 0, err
	}
	flakes := []*model.Flake{}
	q := datastore.NewQuery("Flake").Eq("normalized_step_name", fa.StepName).Limit(1)
	if err := datastore.GetAll(c, q, &flakes); err != nil {
		return 0, err
	}
	if len(flakes) == 0 {
		return 0, nil
	}
	return flakes[0].IssueId, nil
}

func concluded(r *model.SingleRerun) bool {
	switch r.RerunStatus {
	case model.RerunStatus_Passed, model.RerunStatus_Failed:
		return true
	}
	return false
}

func topSuspects(c context.Context, fa *model.FailureAnalysis) ([]*model.Suspect, error) {
	ha, err := heuristicAnalysisOf(c, fa)
	if err != nil || ha == nil {
		return nil, err
	}
	suspects := []*model.Suspect{}
	q := datastore.NewQuery("Suspect").
		Eq("parent", datastore.KeyForObj(c, ha)).
		Order("-score").
		Limit(maxSuspectsToVerify)
	if err := datastore.GetAll(c, q, &suspects); err != nil {
		return nil, errors.Annotate(err, "querying suspects of analysis %d", fa.Id).Err()
	}
	return suspects, nil
}

func heuristicAnalysisOf(c context.Context, fa *model.FailureAnalysis) (*model.HeuristicAnalysis, error) {
	analyses := []*model.HeuristicAnalysis{}
	q := datastore.NewQuery("HeuristicAnalysis").
		Eq("parent", datastore.KeyForObj(c, fa)).
		Limit(1)
	if err := datastore.GetAll(c, q, &analyses); err != nil {
		return nil, err
	}
	if len(analyses) == 0 {
		return nil, nil
	}
	return analyses[0], nil
}

// getParentCommit resolves the parent of a commit via its changelog.
func getParentCommit(c context.Context, commit *buildbucketpb.GitilesCommit) (string, error) {
	repoUrl := gitiles.GetRepoUrl(c, commit)
	logs, err := gitiles.GetChangeLogs(c, repoUrl, fmt.Sprintf("%s^", commit.Id), commit.Id)
	if err != nil {
		return "", err
	}
	if len(logs) == 0 || len(logs[0].Parents) == 0 {
		return "", errors.Reason("commit %s has no parent information", commit.Id).Err()
	}
	return logs[0].Parents[0], nil
}
