// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/gae/impl/memory"
	"go.chromium.org/luci/gae/service/datastore"
	"go.chromium.org/luci/server/router"

	"flaketriage/internal/config"
	"flaketriage/internal/taskqueue"
	"flaketriage/model"
)

func testContext() (context.Context, *taskqueue.FakeClient) {
	c := memory.Use(context.Background())
	datastore.GetTestable(c).AutoIndex(true)
	datastore.GetTestable(c).Consistent(true)
	c = clock.Set(c, testclock.New(time.Date(2022, time.June, 1, 10, 0, 0, 0, time.UTC)))
	c = config.Use(c, config.Default())
	tq := taskqueue.NewFakeClient()
	return taskqueue.UseFakeClient(c, tq), tq
}

func makeRouterContext(c context.Context, body []byte) (*router.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	return &router.Context{
		Context: c,
		Writer:  w,
		Request: httptest.NewRequest("POST", "/", bytes.NewReader(body)),
	}, w
}

// pubsubBody wraps a payload the way pubsub push delivers it.
func pubsubBody(payload any) []byte {
	data, err := json.Marshal(payload)
	So(err, ShouldBeNil)
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{"data": data},
	})
	So(err, ShouldBeNil)
	return body
}

func TestBuildbucketPubSubHandler(t *testing.T) {
	t.Parallel()

	buildNotification := func(id int64, status string) []byte {
		return pubsubBody(map[string]any{
			"build": map[string]any{
				"id":      id,
				"project": "chromium",
				"status":  status,
			},
		})
	}

	Convey("Failed build enqueues detection", t, func() {
		c, tq := testContext()
		ctx, w := makeRouterContext(c, buildNotification(8005, "FAILURE"))

		BuildbucketPubSubHandler(ctx)

		So(w.Code, ShouldEqual, http.StatusOK)
		So(len(tq.Tasks), ShouldEqual, 1)
		So(tq.Tasks[0].Name, ShouldEqual, "detect-8005")
		So(tq.Tasks[0].Path, ShouldEqual, taskqueue.DetectFailurePath)
	})

	Convey("Successful build is ignored", t, func() {
		c, tq := testContext()
		ctx, w := makeRouterContext(c, buildNotification(8005, "SUCCESS"))

		BuildbucketPubSubHandler(ctx)

		So(w.Code, ShouldEqual, http.StatusOK)
		So(tq.Tasks, ShouldBeEmpty)
	})

	Convey("Malformed message is acked, not retried", t, func() {
		c, tq := testContext()
		ctx, w := makeRouterContext(c, []byte("not json"))

		BuildbucketPubSubHandler(ctx)

		So(w.Code, ShouldEqual, http.StatusAccepted)
		So(tq.Tasks, ShouldBeEmpty)
	})
}

func TestRecordFlakesHandler(t *testing.T) {
	t.Parallel()

	reportBody := func() []byte {
		body, err := json.Marshal([]map[string]any{
			{
				"project":   "chromium",
				"build_id":  8000,
				"builder":   "linux-rel",
				"step_name": "browser_tests (with patch)",
				"test_name": "Suite.Test",
				"time":      time.Date(2022, time.June, 1, 9, 0, 0, 0, time.UTC),
			},
		})
		So(err, ShouldBeNil)
		return body
	}

	Convey("Reports are recorded and processing is enqueued", t, func() {
		c, tq := testContext()
		ctx, w := makeRouterContext(c, reportBody())

		RecordFlakesHandler(ctx)

		So(w.Code, ShouldEqual, http.StatusOK)
		flake := &model.Flake{Id: "chromium/browser_tests/Suite.Test"}
		So(datastore.Get(c, flake), ShouldBeNil)
		So(flake.NumOccurrences, ShouldEqual, 1)

		So(len(tq.Tasks), ShouldEqual, 1)
		So(tq.Tasks[0].Path, ShouldEqual, taskqueue.ProcessFlakePath)

		// Re-ingestion on the same day dedups the processing task.
		ctx, w = makeRouterContext(c, reportBody())
		RecordFlakesHandler(ctx)
		So(w.Code, ShouldEqual, http.StatusOK)
		So(len(tq.Tasks), ShouldEqual, 1)
	})

	Convey("Malformed payload is rejected", t, func() {
		c, tq := testContext()
		ctx, w := makeRouterContext(c, []byte("not json"))

		RecordFlakesHandler(ctx)

		So(w.Code, ShouldEqual, http.StatusBadRequest)
		So(tq.Tasks, ShouldBeEmpty)
	})
}

func TestProcessFlakeHandler(t *testing.T) {
	t.Parallel()

	Convey("Existing flake is processed", t, func() {
		c, _ := testContext()
		So(datastore.Put(c, &model.Flake{
			Id:                 "chromium/browser_tests/Suite.Test",
			NormalizedStepName: "browser_tests",
			NormalizedTestName: "Suite.Test",
		}), ShouldBeNil)
		body, err := json.Marshal(map[string]string{"flake_id": "chromium/browser_tests/Suite.Test"})
		So(err, ShouldBeNil)
		ctx, w := makeRouterContext(c, body)

		ProcessFlakeHandler(ctx)
		So(w.Code, ShouldEqual, http.StatusOK)
	})

	Convey("Unknown flake fails the task", t, func() {
		c, _ := testContext()
		body, err := json.Marshal(map[string]string{"flake_id": "chromium/nope"})
		So(err, ShouldBeNil)
		ctx, w := makeRouterContext(c, body)

		ProcessFlakeHandler(ctx)
		So(w.Code, ShouldEqual, http.StatusInternalServerError)
	})

	Convey("Malformed payload is rejected", t, func() {
		c, _ := testContext()
		ctx, w := makeRouterContext(c, []byte("not json"))

		ProcessFlakeHandler(ctx)
		So(w.Code, ShouldEqual, http.StatusBadRequest)
	})
}
