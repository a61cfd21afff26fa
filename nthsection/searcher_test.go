// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package nthsection

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/common/errors"
)

// mapEvaluator answers from a fixed outcome table and records the order of
// evaluated commits.
func mapEvaluator(outcomes map[string]Outcome, evaluated *[]string) Evaluator {
	return func(c context.Context, commit string) (Outcome, error) {
		*evaluated = append(*evaluated, commit)
		outcome, ok := outcomes[commit]
		if !ok {
			return "", errors.Reason("no outcome for commit %s", commit).Err()
		}
		return outcome, nil
	}
}

func TestBinarySearch(t *testing.T) {
	t.Parallel()
	c := context.Background()

	commits := []string{"rev0", "rev1", "rev2", "rev3", "rev4", "rev5"}

	Convey("Finds the culprit in logarithmic steps", t, func() {
		evaluated := []string{}
		evaluate := mapEvaluator(map[string]Outcome{
			"rev0": Outcome_Pass,
			"rev1": Outcome_Pass,
			"rev2": Outcome_Pass,
			"rev3": Outcome_Fail,
			"rev4": Outcome_Fail,
			"rev5": Outcome_Fail,
		}, &evaluated)

		result, err := BinarySearch(c, commits, evaluate, 100)
		So(err, ShouldBeNil)
		So(result.Resolved, ShouldBeTrue)
		So(result.Culprit, ShouldEqual, "rev3")
		// ceil(log2(6)) evaluations: rev2, rev4, rev3.
		So(evaluated, ShouldResemble, []string{"rev2", "rev4", "rev3"})
		So(result.Evaluations, ShouldEqual, 3)
	})

	Convey("First commit can be the culprit", t, func() {
		evaluated := []string{}
		evaluate := mapEvaluator(map[string]Outcome{
			"rev0": Outcome_Fail,
			"rev1": Outcome_Fail,
			"rev2": Outcome_Fail,
			"rev3": Outcome_Fail,
			"rev4": Outcome_Fail,
			"rev5": Outcome_Fail,
		}, &evaluated)

		result, err := BinarySearch(c, commits, evaluate, 100)
		So(err, ShouldBeNil)
		So(result.Resolved, ShouldBeTrue)
		So(result.Culprit, ShouldEqual, "rev0")
	})

	Convey("Single commit resolves without evaluations", t, func() {
		evaluated := []string{}
		evaluate := mapEvaluator(map[string]Outcome{}, &evaluated)

		result, err := BinarySearch(c, []string{"rev0"}, evaluate, 100)
		So(err, ShouldBeNil)
		So(result.Resolved, ShouldBeTrue)
		So(result.Culprit, ShouldEqual, "rev0")
		So(result.Evaluations, ShouldEqual, 0)
	})

	Convey("Empty commit list is an error", t, func() {
		evaluated := []string{}
		_, err := BinarySearch(c, nil, mapEvaluator(nil, &evaluated), 100)
		So(err, ShouldNotBeNil)
	})

	Convey("Inconclusive commits are skipped, not retried", t, func() {
		evaluated := []string{}
		evaluate := mapEvaluator(map[string]Outcome{
			"rev0": Outcome_Pass,
			"rev1": Outcome_Fail,
			"rev2": Outcome_Inconclusive,
		}, &evaluated)

		result, err := BinarySearch(c, commits, evaluate, 100)
		So(err, ShouldBeNil)
		So(result.Resolved, ShouldBeTrue)
		So(result.Culprit, ShouldEqual, "rev1")
		// rev2 is inconclusive, the search falls back to its neighbour and
		// never evaluates rev2 again.
		So(evaluated, ShouldResemble, []string{"rev2", "rev1", "rev0"})
	})

	Convey("All remaining candidates inconclusive ends the search", t, func() {
		evaluated := []string{}
		evaluate := mapEvaluator(map[string]Outcome{
			"rev0": Outcome_Inconclusive,
			"rev1": Outcome_Inconclusive,
			"rev2": Outcome_Inconclusive,
			"rev3": Outcome_Inconclusive,
			"rev4": Outcome_Inconclusive,
		}, &evaluated)

		result, err := BinarySearch(c, commits, evaluate, 100)
		So(err, ShouldBeNil)
		So(result.Resolved, ShouldBeFalse)
		So(result.Reason, ShouldEqual, UnresolvedReason_RemainderInconclusive)
		// The interval never narrowed.
		So(result.LastPassedIndex, ShouldEqual, -1)
		So(result.FirstFailedIndex, ShouldEqual, 5)
	})

	Convey("Retry budget bounds the evaluations", t, func() {
		evaluated := []string{}
		evaluate := mapEvaluator(map[string]Outcome{
			"rev2": Outcome_Pass,
			"rev4": Outcome_Fail,
		}, &evaluated)

		result, err := BinarySearch(c, commits, evaluate, 2)
		So(err, ShouldBeNil)
		So(result.Resolved, ShouldBeFalse)
		So(result.Reason, ShouldEqual, UnresolvedReason_RetryBudgetExhausted)
		So(result.Evaluations, ShouldEqual, 2)
		// The partial narrowing survives.
		So(result.LastPassedIndex, ShouldEqual, 2)
		So(result.FirstFailedIndex, ShouldEqual, 4)
	})

	Convey("Evaluator error aborts the search", t, func() {
		evaluated := []string{}
		evaluate := mapEvaluator(map[string]Outcome{}, &evaluated)

		result, err := BinarySearch(c, commits, evaluate, 100)
		So(err, ShouldNotBeNil)
		So(result.Resolved, ShouldBeFalse)
		So(result.Reason, ShouldEqual, UnresolvedReason_BotUnavailable)
	})
}

func TestMidpoint(t *testing.T) {
	t.Parallel()

	Convey("Midpoint rounds half to even", t, func() {
		So(Midpoint(-1, 5), ShouldEqual, 2)
		So(Midpoint(2, 5), ShouldEqual, 4)
		So(Midpoint(2, 4), ShouldEqual, 3)
		So(Midpoint(0, 3), ShouldEqual, 2)
		So(Midpoint(0, 5), ShouldEqual, 2)
		So(Midpoint(-1, 1), ShouldEqual, 0)
	})
}
