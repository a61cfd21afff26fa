// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package nthsection

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	buildbucketpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/gae/impl/memory"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/model"
)

func rerunAt(commit string, status model.RerunStatus) *model.SingleRerun {
	return &model.SingleRerun{
		LuciBuild: model.LuciBuild{
			GitilesCommit: buildbucketpb.GitilesCommit{Id: commit},
		},
		RerunStatus: status,
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	// Gitiles log order, newest first: rev5 is the commit the failure was
	// first seen at.
	blamelist := []string{"rev5", "rev4", "rev3", "rev2", "rev1", "rev0"}

	Convey("NewSnapshot flips the blamelist to oldest first", t, func() {
		snapshot := NewSnapshot(blamelist, nil)
		So(snapshot.Commits, ShouldResemble, []string{"rev0", "rev1", "rev2", "rev3", "rev4", "rev5"})
	})

	Convey("FindRegressionRange", t, func() {
		Convey("No reruns yet", func() {
			snapshot := NewSnapshot(blamelist, nil)
			lo, hi := snapshot.FindRegressionRange()
			So(lo, ShouldEqual, -1)
			So(hi, ShouldEqual, 5)
		})
		Convey("Narrowed by rerun outcomes", func() {
			snapshot := NewSnapshot(blamelist, []*model.SingleRerun{
				rerunAt("rev2", model.RerunStatus_Passed),
				rerunAt("rev4", model.RerunStatus_Failed),
			})
			lo, hi := snapshot.FindRegressionRange()
			So(lo, ShouldEqual, 2)
			So(hi, ShouldEqual, 4)
		})
	})

	Convey("GetCulprit", t, func() {
		Convey("Interval not collapsed", func() {
			snapshot := NewSnapshot(blamelist, []*model.SingleRerun{
				rerunAt("rev2", model.RerunStatus_Passed),
			})
			_, ok := snapshot.GetCulprit()
			So(ok, ShouldBeFalse)
		})
		Convey("Interval collapsed to one commit", func() {
			snapshot := NewSnapshot(blamelist, []*model.SingleRerun{
				rerunAt("rev2", model.RerunStatus_Passed),
				rerunAt("rev3", model.RerunStatus_Failed),
			})
			culprit, ok := snapshot.GetCulprit()
			So(ok, ShouldBeTrue)
			So(culprit, ShouldEqual, "rev3")
		})
	})

	Convey("FindNextCommitToRun", t, func() {
		Convey("First rerun goes to the midpoint", func() {
			snapshot := NewSnapshot(blamelist, nil)
			commit, err := snapshot.FindNextCommitToRun()
			So(err, ShouldBeNil)
			So(commit, ShouldEqual, "rev2")
		})
		Convey("Rerun in progress defers the decision", func() {
			snapshot := NewSnapshot(blamelist, []*model.SingleRerun{
				rerunAt("rev2", model.RerunStatus_InProgress),
			})
			_, err := snapshot.FindNextCommitToRun()
			So(err, ShouldEqual, ErrRerunInProgress)
		})
		Convey("Inconclusive commits are avoided", func() {
			snapshot := NewSnapshot(blamelist, []*model.SingleRerun{
				rerunAt("rev2", model.RerunStatus_InfraFailed),
			})
			commit, err := snapshot.FindNextCommitToRun()
			So(err, ShouldBeNil)
			So(commit, ShouldEqual, "rev1")
		})
		Convey("Timed out reruns count as inconclusive", func() {
			snapshot := NewSnapshot(blamelist, []*model.SingleRerun{
				rerunAt("rev2", model.RerunStatus_TimedOut),
			})
			commit, err := snapshot.FindNextCommitToRun()
			So(err, ShouldBeNil)
			So(commit, ShouldEqual, "rev1")
		})
		Convey("Collapsed interval has nothing left to run", func() {
			snapshot := NewSnapshot(blamelist, []*model.SingleRerun{
				rerunAt("rev2", model.RerunStatus_Passed),
				rerunAt("rev3", model.RerunStatus_Failed),
			})
			_, err := snapshot.FindNextCommitToRun()
			So(err, ShouldEqual, ErrNothingLeftToRun)
		})
		Convey("Everything remaining inconclusive has nothing left to run", func() {
			snapshot := NewSnapshot([]string{"rev2", "rev1", "rev0"}, []*model.SingleRerun{
				rerunAt("rev0", model.RerunStatus_InfraFailed),
				rerunAt("rev1", model.RerunStatus_TimedOut),
			})
			_, err := snapshot.FindNextCommitToRun()
			So(err, ShouldEqual, ErrNothingLeftToRun)
		})
	})

	Convey("CreateSnapshot loads blamelist and reruns from datastore", t, func() {
		c := memory.Use(context.Background())
		datastore.GetTestable(c).Consistent(true)

		fa := &model.FailureAnalysis{Id: 123}
		So(datastore.Put(c, fa), ShouldBeNil)
		nsa := &model.NthSectionAnalysis{
			ParentAnalysis: datastore.KeyForObj(c, fa),
		}
		So(nsa.SetBlameList(blamelist), ShouldBeNil)
		So(datastore.Put(c, nsa), ShouldBeNil)

		rerun := rerunAt("rev2", model.RerunStatus_Passed)
		rerun.Id = 9000
		rerun.Analysis = datastore.KeyForObj(c, fa)
		So(datastore.Put(c, rerun), ShouldBeNil)

		snapshot, err := CreateSnapshot(c, fa, nsa)
		So(err, ShouldBeNil)
		So(snapshot.Commits, ShouldResemble, []string{"rev0", "rev1", "rev2", "rev3", "rev4", "rev5"})
		lo, hi := snapshot.FindRegressionRange()
		So(lo, ShouldEqual, 2)
		So(hi, ShouldEqual, 5)
	})
}
