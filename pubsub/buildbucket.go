// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package pubsub ingests buildbucket pub/sub notifications: failed builds
// enter failure detection, finished builds with flaky steps enter the
// flake tracker.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/server/router"

	"flaketriage/failuredetection"
	"flaketriage/internal/taskqueue"
)

var bbCounter = metric.NewCounter(
	"flakiness_pipeline/ingestion/buildbucket",
	"The number of buildbucket pubsub messages received, by project and outcome.",
	nil,
	field.String("project"),
	// "ignore", "analyze"
	field.String("outcome"),
)

type pubsubMessage struct {
	Message struct {
		Data       []byte
		Attributes map[string]any
	}
}

type buildMessage struct {
	Build struct {
		Id      int64  `json:"id"`
		Project string `json:"project"`
		Status  string `json:"status"`
	} `json:"build"`
}

// BuildbucketPubSubHandler handles pub/sub messages from buildbucket.
func BuildbucketPubSubHandler(ctx *router.Context) {
	if err := buildbucketPubSubHandlerImpl(ctx.Context, ctx.Request); err != nil {
		logging.Errorf(ctx.Context, "Error processing buildbucket pubsub message: %s", err)
		if transient.Tag.In(err) {
			// Pubsub retries on 5xx.
			ctx.Writer.WriteHeader(http.StatusInternalServerError)
		} else {
			ctx.Writer.WriteHeader(http.StatusAccepted)
		}
		return
	}
	ctx.Writer.WriteHeader(http.StatusOK)
}

func buildbucketPubSubHandlerImpl(c context.Context, r *http.Request) error {
	var psMsg pubsubMessage
	if err := json.NewDecoder(r.Body).Decode(&psMsg); err != nil {
		return errors.Annotate(err, "could not decode pubsub message").Err()
	}
	var msg buildMessage
	if err := json.Unmarshal(psMsg.Message.Data, &msg); err != nil {
		return errors.Annotate(err, "could not decode build message").Err()
	}

	if msg.Build.Status != "FAILURE" {
		bbCounter.Add(c, 1, msg.Build.Project, "ignore")
		return nil
	}
	bbCounter.Add(c, 1, msg.Build.Project, "analyze")

	// Detection talks to buildbucket and datastore, run it as a task so
	// pubsub is acked quickly and retries are named.
	payload, err := json.Marshal(map[string]int64{"build_id": msg.Build.Id})
	if err != nil {
		return err
	}
	return taskqueue.Enqueue(c, &taskqueue.Task{
		Name:    fmt.Sprintf("detect-%d", msg.Build.Id),
		Path:    taskqueue.DetectFailurePath,
		Payload: payload,
	})
}

// DetectFailureHandler runs failure detection for one build.
func DetectFailureHandler(ctx *router.Context) {
	payload := struct {
		BuildId int64 `json:"build_id"`
	}{}
	if err := json.NewDecoder(ctx.Request.Body).Decode(&payload); err != nil {
		logging.Errorf(ctx.Context, "Bad detect-failure payload: %v", err)
		ctx.Writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := failuredetection.AnalyzeBuild(ctx.Context, payload.BuildId); err != nil {
		logging.Errorf(ctx.Context, "Failure detection of build %d failed: %v", payload.BuildId, err)
		ctx.Writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	ctx.Writer.WriteHeader(http.StatusOK)
}
