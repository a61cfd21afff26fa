// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package nthsection narrows a regression range to a single culprit commit
// by binary search over the blamelist.
package nthsection

import (
	"context"
	"math"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// Outcome is the result of evaluating whether the failure reproduces at a
// commit.
type Outcome string

const (
	Outcome_Pass Outcome = "PASS"
	Outcome_Fail Outcome = "FAIL"
	// The evaluation could not determine pass or fail (e.g. infra failure
	// of the rerun build). The commit is skipped and never re-selected.
	Outcome_Inconclusive Outcome = "INCONCLUSIVE"
)

// UnresolvedReason explains why a search ended without a culprit.
type UnresolvedReason string

const (
	UnresolvedReason_BotUnavailable        UnresolvedReason = "BOT_UNAVAILABLE"
	UnresolvedReason_RetryBudgetExhausted  UnresolvedReason = "RETRY_BUDGET_EXHAUSTED"
	UnresolvedReason_RemainderInconclusive UnresolvedReason = "REMAINDER_INCONCLUSIVE"
)

// Evaluator reports whether the failure reproduces at a commit.
// A returned error means the commit could not be evaluated at all (no bots
// available), which aborts the search rather than narrowing it.
type Evaluator func(c context.Context, commit string) (Outcome, error)

// SearchResult is the outcome of a binary search.
type SearchResult struct {
	// Resolved is true when a single culprit was isolated.
	Resolved bool
	Culprit  string
	// Reason explains an unresolved search.
	Reason UnresolvedReason
	// Number of evaluate calls made.
	Evaluations int
	// The narrowed interval: commits[LastPassedIndex] passed (-1 when no
	// commit in the list is known to pass) and commits[FirstFailedIndex]
	// failed. The culprit is in (LastPassedIndex, FirstFailedIndex].
	LastPassedIndex  int
	FirstFailedIndex int
}

// BinarySearch finds the earliest commit at which the failure reproduces.
// commits are ordered oldest to newest and the newest commit is known to
// fail; the commit just before the list is known to pass.
//
// Each step evaluates the midpoint of the open interval. FAIL narrows the
// upper bound, PASS narrows the lower bound, INCONCLUSIVE skips the commit
// permanently and picks the nearest remaining candidate. retryBudget bounds
// the number of evaluations.
func BinarySearch(c context.Context, commits []string, evaluate Evaluator, retryBudget int) (*SearchResult, error) {
	n := len(commits)
	if n == 0 {
		return nil, errors.Reason("cannot search an empty commit list").Err()
	}

	result := &SearchResult{
		LastPassedIndex:  -1,
		FirstFailedIndex: n - 1,
	}
	skipped := map[int]bool{}

	for result.FirstFailedIndex-result.LastPassedIndex > 1 {
		if result.Evaluations >= retryBudget {
			result.Reason = UnresolvedReason_RetryBudgetExhausted
			return result, nil
		}
		index, ok := pickCandidate(result.LastPassedIndex, result.FirstFailedIndex, skipped)
		if !ok {
			// Every remaining candidate was inconclusive.
			result.Reason = UnresolvedReason_RemainderInconclusive
			return result, nil
		}
		outcome, err := evaluate(c, commits[index])
		if err != nil {
			result.Reason = UnresolvedReason_BotUnavailable
			return result, err
		}
		result.Evaluations++
		switch outcome {
		case Outcome_Pass:
			result.LastPassedIndex = index
		case Outcome_Fail:
			result.FirstFailedIndex = index
		case Outcome_Inconclusive:
			logging.Infof(c, "Commit %s is inconclusive, skipping", commits[index])
			skipped[index] = true
		default:
			return nil, errors.Reason("unknown outcome %q", outcome).Err()
		}
	}

	result.Resolved = true
	result.Culprit = commits[result.FirstFailedIndex]
	return result, nil
}

// pickCandidate returns the midpoint of the open interval (lo, hi),
// avoiding skipped indices by preferring the nearest non-skipped candidate.
func pickCandidate(lo int, hi int, skipped map[int]bool) (int, bool) {
	mid := Midpoint(lo, hi)
	for offset := 0; ; offset++ {
		down := mid - offset
		if down > lo && down < hi && !skipped[down] {
			return down, true
		}
		up := mid + offset
		if up > lo && up < hi && !skipped[up] {
			return up, true
		}
		if down <= lo && up >= hi {
			return 0, false
		}
	}
}

// Midpoint bisects the open interval (lo, hi), rounding half to even so
// successive probes do not drift toward one side.
func Midpoint(lo int, hi int) int {
	return int(math.RoundToEven(float64(lo+hi) / 2))
}
