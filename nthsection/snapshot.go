// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package nthsection

import (
	"context"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/model"
)

// Errors returned by Snapshot operations.
var (
	// ErrRerunInProgress means a rerun is still running, there is nothing
	// to decide yet.
	ErrRerunInProgress = errors.New("a rerun is in progress")
	// ErrNothingLeftToRun means every remaining candidate commit came back
	// inconclusive.
	ErrNothingLeftToRun = errors.New("no commit left to run")
)

// Snapshot is the current state of a bisection: the blamelist and the
// outcome of every rerun so far. Reruns of any type count, a rerun
// triggered to verify a suspect narrows the range just as well.
type Snapshot struct {
	// Commits ordered oldest to newest. The newest commit is the one the
	// failure was first seen at, so it is known to fail.
	Commits []string
	// Outcome per commit id, derived from the rerun statuses.
	outcomes   map[string]Outcome
	inProgress int
}

// CreateSnapshot loads the blamelist and reruns of an analysis.
func CreateSnapshot(c context.Context, fa *model.FailureAnalysis, nsa *model.NthSectionAnalysis) (*Snapshot, error) {
	blamelist, err := nsa.GetBlameList()
	if err != nil {
		return nil, errors.Annotate(err, "getting blamelist").Err()
	}
	reruns := []*model.SingleRerun{}
	q := datastore.NewQuery("SingleRerun").Eq("analysis", datastore.KeyForObj(c, fa))
	if err := datastore.GetAll(c, q, &reruns); err != nil {
		return nil, errors.Annotate(err, "getting reruns").Err()
	}
	return NewSnapshot(blamelist, reruns), nil
}

// NewSnapshot builds a snapshot from a blamelist (newest first, gitiles
// log order) and the reruns of the analysis.
func NewSnapshot(blamelist []string, reruns []*model.SingleRerun) *Snapshot {
	// Flip to oldest-first, the order the searcher thinks in.
	commits := make([]string, len(blamelist))
	for i, commit := range blamelist {
		commits[len(blamelist)-1-i] = commit
	}
	snapshot := &Snapshot{
		Commits:  commits,
		outcomes: map[string]Outcome{},
	}
	for _, rerun := range reruns {
		switch rerun.RerunStatus {
		case model.RerunStatus_Passed:
			snapshot.outcomes[rerun.GitilesCommit.Id] = Outcome_Pass
		case model.RerunStatus_Failed:
			snapshot.outcomes[rerun.GitilesCommit.Id] = Outcome_Fail
		case model.RerunStatus_InfraFailed, model.RerunStatus_TimedOut:
			snapshot.outcomes[rerun.GitilesCommit.Id] = Outcome_Inconclusive
		case model.RerunStatus_InProgress:
			snapshot.inProgress++
		}
	}
	return snapshot
}

// HasRerunInProgress reports whether some rerun has not completed yet.
func (s *Snapshot) HasRerunInProgress() bool {
	return s.inProgress > 0
}

// FindRegressionRange returns the narrowed interval: the culprit is in
// (lastPassedIndex, firstFailedIndex] of Commits. lastPassedIndex is -1
// when no commit of the blamelist is known to pass.
func (s *Snapshot) FindRegressionRange() (lastPassedIndex int, firstFailedIndex int) {
	lastPassedIndex = -1
	firstFailedIndex = len(s.Commits) - 1
	for i, commit := range s.Commits {
		switch s.outcomes[commit] {
		case Outcome_Pass:
			if i > lastPassedIndex {
				lastPassedIndex = i
			}
		case Outcome_Fail:
			if i < firstFailedIndex {
				firstFailedIndex = i
			}
		}
	}
	return lastPassedIndex, firstFailedIndex
}

// GetCulprit returns the culprit commit when the interval has collapsed to
// exactly one commit.
func (s *Snapshot) GetCulprit() (string, bool) {
	lo, hi := s.FindRegressionRange()
	if hi-lo == 1 {
		return s.Commits[hi], true
	}
	return "", false
}

// FindNextCommitToRun returns the commit the next rerun should be
// triggered at: the midpoint of the open interval, skipping commits whose
// reruns were inconclusive (they are never re-selected).
func (s *Snapshot) FindNextCommitToRun() (string, error) {
	if s.HasRerunInProgress() {
		return "", ErrRerunInProgress
	}
	lo, hi := s.FindRegressionRange()
	if hi-lo <= 1 {
		return "", ErrNothingLeftToRun
	}
	skipped := map[int]bool{}
	for i, commit := range s.Commits {
		if s.outcomes[commit] == Outcome_Inconclusive {
			skipped[i] = true
		}
	}
	index, ok := pickCandidate(lo, hi, skipped)
	if !ok {
		return "", ErrNothingLeftToRun
	}
	return s.Commits[index], nil
}
