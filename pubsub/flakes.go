// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package pubsub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/router"

	"flaketriage/bugs"
	"flaketriage/flake"
	"flaketriage/internal/taskqueue"
)

// flakeReport is one reported flaky run of a build.
type flakeReport struct {
	Project  string    `json:"project"`
	BuildId  int64     `json:"build_id"`
	Builder  string    `json:"builder"`
	StepName string    `json:"step_name"`
	TestName string    `json:"test_name"`
	Time     time.Time `json:"time"`
}

// RecordFlakesHandler ingests a batch of flaky-run reports and enqueues
// issue processing for the flakes that received new occurrences. One
// processing task per flake per day: the name dedups re-ingestion.
func RecordFlakesHandler(ctx *router.Context) {
	c := ctx.Context
	reports := []*flakeReport{}
	if err := json.NewDecoder(ctx.Request.Body).Decode(&reports); err != nil {
		logging.Errorf(c, "Bad flake report payload: %v", err)
		ctx.Writer.WriteHeader(http.StatusBadRequest)
		return
	}

	occurrences := make([]*flake.Occurrence, 0, len(reports))
	for _, r := range reports {
		occurrences = append(occurrences, &flake.Occurrence{
			Project:  r.Project,
			BuildId:  r.BuildId,
			Builder:  r.Builder,
			StepName: r.StepName,
			TestName: r.TestName,
			Time:     r.Time,
		})
	}
	flakes, err := flake.RecordOccurrences(c, occurrences)
	if err != nil {
		logging.Errorf(c, "Recording flake occurrences failed: %v", err)
		ctx.Writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	day := clock.Now(c).Format("2006-01-02")
	for _, f := range flakes {
		payload, err := json.Marshal(map[string]string{"flake_id": f.Id})
		if err != nil {
			logging.Errorf(c, "Marshaling process-flake payload: %v", err)
			ctx.Writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		err = taskqueue.Enqueue(c, &taskqueue.Task{
			Name:    fmt.Sprintf("process-flake-%x-%s", f.Id, day),
			Path:    taskqueue.ProcessFlakePath,
			Payload: payload,
		})
		if err != nil {
			logging.Errorf(c, "Enqueueing processing of flake %s: %v", f.Id, err)
			ctx.Writer.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	ctx.Writer.WriteHeader(http.StatusOK)
}

// ProcessFlakeHandler files or updates the issue for one flake.
func ProcessFlakeHandler(ctx *router.Context) {
	payload := struct {
		FlakeId string `json:"flake_id"`
	}{}
	if err := json.NewDecoder(ctx.Request.Body).Decode(&payload); err != nil {
		logging.Errorf(ctx.Context, "Bad process-flake payload: %v", err)
		ctx.Writer.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := bugs.ProcessFlake(ctx.Context, payload.FlakeId); err != nil {
		logging.Errorf(ctx.Context, "Processing flake %s failed: %v", payload.FlakeId, err)
		ctx.Writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	ctx.Writer.WriteHeader(http.StatusOK)
}
