// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package heuristic

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/golang/mock/gomock"
	. "github.com/smartystreets/goconvey/convey"
	bbpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/gae/impl/memory"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/internal/buildbucket"
	"flaketriage/internal/logdog"
	"flaketriage/model"
)

func TestGetCompileLogs(t *testing.T) {
	t.Parallel()
	c := memory.Use(context.Background())

	ctl := gomock.NewController(t)
	defer ctl.Finish()
	mc := buildbucket.NewMockedClient(c, ctl)
	c = mc.Ctx
	res := &bbpb.Build{
		Steps: []*bbpb.Step{
			{
				Name: "compile",
				Logs: []*bbpb.Log{
					{
						Name:    "json.output[ninja_info]",
						ViewUrl: "https://logs.chromium.org/logs/ninja_log",
					},
					{
						Name:    "stdout",
						ViewUrl: "https://logs.chromium.org/logs/stdout_log",
					},
				},
			},
		},
	}
	mc.Client.EXPECT().GetBuild(gomock.Any(), gomock.Any(), gomock.Any()).Return(res, nil).AnyTimes()

	Convey("GetCompileLogs", t, func() {
		ninjaLogJson := map[string]interface{}{
			"failures": []interface{}{
				map[string]interface{}{
					"dependencies": []string{"d1", "d2"},
					"output":       "/opt/s/w/ir/cache/goma/client/gomacc blah blah...",
					"output_nodes": []string{"n1", "n2"},
					"rule":         "CXX",
				},
			},
		}
		ninjaLogStr, err := json.Marshal(ninjaLogJson)
		So(err, ShouldBeNil)

		c := logdog.MockClientContext(c, map[string]string{
			"https://logs.chromium.org/logs/ninja_log":  string(ninjaLogStr),
			"https://logs.chromium.org/logs/stdout_log": "stdout_log",
		})
		logs, err := GetCompileLogs(c, 12345)
		So(err, ShouldBeNil)
		So(*logs, ShouldResemble, model.CompileLogs{
			NinjaLog: &model.NinjaLog{
				Failures: []*model.NinjaLogFailure{
					{
						Dependencies: []string{"d1", "d2"},
						Output:       "/opt/s/w/ir/cache/goma/client/gomacc blah blah...",
						OutputNodes:  []string{"n1", "n2"},
						Rule:         "CXX",
					},
				},
			},
			StdOutLog: "stdout_log",
		})
	})
	Convey("GetCompileLogs failed", t, func() {
		c := logdog.MockClientContext(c, map[string]string{})
		_, err := GetCompileLogs(c, 12345)
		So(err, ShouldNotBeNil)
	})
}

func TestGetFailureSignal(t *testing.T) {
	t.Parallel()

	Convey("Cached signal is reused", t, func() {
		c := memory.Use(context.Background())
		datastore.GetTestable(c).AutoIndex(true)
		datastore.GetTestable(c).Consistent(true)

		build := &model.LuciFailedBuild{Id: 8000}
		So(datastore.Put(c, build), ShouldBeNil)
		cachedSignal := &model.FailureSignal{
			Files: map[string][]int{"a/b/c.cc": {12}},
		}
		signalJSON, err := cachedSignal.ToJSON()
		So(err, ShouldBeNil)
		So(datastore.Put(c, &model.StepFailureSignal{
			Build:    datastore.KeyForObj(c, build),
			StepName: "compile",
			Signal:   signalJSON,
		}), ShouldBeNil)

		fa := &model.FailureAnalysis{
			Id:                 123,
			FailureType:        model.BuildFailureType_Compile,
			StepName:           "compile",
			FirstFailedBuildId: 8000,
		}
		// No buildbucket or logdog mock installed: a fetch would fail, so
		// success proves the cache was used.
		signal, err := GetFailureSignal(c, fa)
		So(err, ShouldBeNil)
		So(signal, ShouldResemble, cachedSignal)
	})
}
