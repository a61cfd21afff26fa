// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package failureanalysis

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	. "github.com/smartystreets/goconvey/convey"
	bbpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/gae/impl/memory"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/internal/buildbucket"
	"flaketriage/internal/config"
	"flaketriage/internal/gitiles"
	"flaketriage/internal/taskqueue"
	"flaketriage/model"
	"flaketriage/nthsection"
)

type fakeGitilesClient struct {
	logs []*model.ChangeLog
}

func (f *fakeGitilesClient) GetChangeLogs(c context.Context, repoUrl, startRevision, endRevision string) ([]*model.ChangeLog, error) {
	return f.logs, nil
}

func testContext() (context.Context, *taskqueue.FakeClient) {
	c := memory.Use(context.Background())
	datastore.GetTestable(c).AutoIndex(true)
	datastore.GetTestable(c).Consistent(true)
	c = clock.Set(c, testclock.New(time.Date(2022, time.June, 1, 10, 0, 0, 0, time.UTC)))
	c = config.Use(c, config.Default())
	tq := taskqueue.NewFakeClient()
	return taskqueue.UseFakeClient(c, tq), tq
}

func putAnalysis(c context.Context, id int64, failureKey *datastore.Key) *model.FailureAnalysis {
	rr := &model.RegressionRange{
		LastPassed: &bbpb.GitilesCommit{
			Host:    "chromium.googlesource.com",
			Project: "chromium/src",
			Ref:     "refs/heads/main",
			Id:      "rev0",
		},
		FirstFailed: &bbpb.GitilesCommit{
			Host:    "chromium.googlesource.com",
			Project: "chromium/src",
			Ref:     "refs/heads/main",
			Id:      "rev5",
		},
	}
	rrJSON, err := rr.ToJSON()
	So(err, ShouldBeNil)
	fa := &model.FailureAnalysis{
		Id:                     id,
		FailureKey:             failureKey,
		FailureType:            model.BuildFailureType_Compile,
		StepName:               "compile",
		Status:                 model.AnalysisStatus_Created,
		Stage:                  model.RerunStage_TriggerRerun,
		FirstFailedBuildId:     8005,
		LastPassedBuildId:      8000,
		InitialRegressionRange: rrJSON,
	}
	So(datastore.Put(c, fa), ShouldBeNil)
	return fa
}

func TestAnalyzeFailure(t *testing.T) {
	t.Parallel()

	Convey("Analysis is prepared and handed to the rerun machine", t, func() {
		c, tq := testContext()
		ctl := gomock.NewController(t)
		defer ctl.Finish()
		mc := buildbucket.NewMockedClient(c, ctl)
		c = mc.Ctx
		// The heuristic pass cannot fetch its logs. It must degrade to a
		// plain bisection, not block it.
		mc.Client.EXPECT().GetBuild(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.Reason("logs unavailable").Err()).AnyTimes()
		c = context.WithValue(c, &gitiles.MockedGitilesClientKey, gitiles.Client(&fakeGitilesClient{
			logs: []*model.ChangeLog{
				{Commit: "rev5"},
				{Commit: "rev4"},
				{Commit: "rev3"},
				{Commit: "rev2"},
				{Commit: "rev1"},
			},
		}))

		cf := &model.CompileFailure{Id: 8005, Build: datastore.KeyForObj(c, &model.LuciFailedBuild{Id: 8005})}
		So(datastore.Put(c, cf), ShouldBeNil)
		fa := putAnalysis(c, 123, datastore.KeyForObj(c, cf))

		So(AnalyzeFailure(c, fa.Id), ShouldBeNil)

		So(datastore.Get(c, fa), ShouldBeNil)
		So(fa.Status, ShouldEqual, model.AnalysisStatus_Running)
		So(fa.StartTime, ShouldEqual, clock.Now(c))

		nsa, err := nthsection.GetForAnalysis(c, fa)
		So(err, ShouldBeNil)
		So(nsa, ShouldNotBeNil)
		blamelist, err := nsa.GetBlameList()
		So(err, ShouldBeNil)
		So(blamelist, ShouldResemble, []string{"rev5", "rev4", "rev3", "rev2", "rev1"})

		// The first rerun stage is enqueued.
		So(len(tq.Tasks), ShouldEqual, 1)
		So(tq.Tasks[0].Path, ShouldEqual, taskqueue.RerunStagePath)
	})

	Convey("Cancelled analysis does not start", t, func() {
		c, tq := testContext()
		fa := putAnalysis(c, 123, nil)
		fa.Cancelled = true
		So(datastore.Put(c, fa), ShouldBeNil)

		So(AnalyzeFailure(c, fa.Id), ShouldBeNil)
		So(tq.Tasks, ShouldBeEmpty)
	})
}

func TestSupersedeOlderAnalyses(t *testing.T) {
	t.Parallel()

	Convey("Unfinished older analyses of the same failure are cancelled", t, func() {
		c, _ := testContext()
		cf := &model.CompileFailure{Id: 8005, Build: datastore.KeyForObj(c, &model.LuciFailedBuild{Id: 8005})}
		So(datastore.Put(c, cf), ShouldBeNil)
		failureKey := datastore.KeyForObj(c, cf)

		unfinished := putAnalysis(c, 1, failureKey)
		unfinished.Stage = model.RerunStage_AwaitRerun
		So(datastore.Put(c, unfinished), ShouldBeNil)
		finished := putAnalysis(c, 2, failureKey)
		finished.Stage = model.RerunStage_Done
		So(datastore.Put(c, finished), ShouldBeNil)
		current := putAnalysis(c, 3, failureKey)

		So(supersedeOlderAnalyses(c, current), ShouldBeNil)

		So(datastore.Get(c, unfinished), ShouldBeNil)
		So(unfinished.Cancelled, ShouldBeTrue)
		So(unfinished.Status, ShouldEqual, model.AnalysisStatus_Cancelled)
		So(unfinished.SupersededById, ShouldEqual, 3)

		So(datastore.Get(c, finished), ShouldBeNil)
		So(finished.Cancelled, ShouldBeFalse)

		So(datastore.Get(c, current), ShouldBeNil)
		So(current.Cancelled, ShouldBeFalse)
	})
}
