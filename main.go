// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// package main implements the App Engine based HTTP server of the flake
// triage service.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"
	"go.chromium.org/luci/server"
	"go.chromium.org/luci/server/gaeemulation"
	"go.chromium.org/luci/server/module"
	"go.chromium.org/luci/server/router"

	"flaketriage/bqexporter"
	"flaketriage/bugs"
	"flaketriage/culpritverification"
	"flaketriage/failureanalysis"
	"flaketriage/internal/config"
	"flaketriage/internal/taskqueue"
	"flaketriage/model"
	"flaketriage/pubsub"
	"flaketriage/rerun"
)

// bqExportWindow must be longer than the export cron interval so finished
// analyses cannot fall between two runs. Streaming inserts dedup by row id,
// overlap is safe.
const bqExportWindow = 30 * time.Minute

const cloudProject = "flake-triage"

// withConfig installs the service configuration into the request context.
func withConfig(ctx *router.Context, next router.Handler) {
	ctx.Context = config.Use(ctx.Context, config.Default())
	next(ctx)
}

func main() {
	modules := []module.Module{
		gaeemulation.NewModuleFromFlags(),
	}

	server.Main(nil, modules, func(srv *server.Server) error {
		mwc := router.NewMiddlewareChain(withConfig)

		srv.Routes.GET("/", mwc, func(c *router.Context) {
			c.Writer.Write([]byte("flake-triage"))
		})

		// Pubsub handlers.
		srv.Routes.POST("/_ah/push-handlers/buildbucket", mwc, pubsub.BuildbucketPubSubHandler)
		srv.Routes.POST("/_ah/push-handlers/flake-reports", mwc, pubsub.RecordFlakesHandler)

		// Task handlers.
		srv.Routes.POST(taskqueue.DetectFailurePath, mwc, pubsub.DetectFailureHandler)
		srv.Routes.POST(taskqueue.ProcessFlakePath, mwc, pubsub.ProcessFlakeHandler)
		srv.Routes.POST(taskqueue.AnalyzeFailurePath, mwc, analysisTaskHandler(failureanalysis.AnalyzeFailure))
		srv.Routes.POST(taskqueue.RerunStagePath, mwc, analysisTaskHandler(rerun.Dispatch))
		srv.Routes.POST(taskqueue.CulpritVerifyPath, mwc, analysisTaskHandler(culpritverification.VerifyAnalysis))

		// Cron handlers.
		srv.Routes.GET("/internal/cron/sweep-verifications", mwc, cronHandler(culpritverification.UpdateInProgressVerifications))
		srv.Routes.GET("/internal/cron/check-stale-issues", mwc, cronHandler(checkStaleIssues))
		srv.Routes.GET("/internal/cron/export-bq", mwc, cronHandler(exportToBigQuery))

		return nil
	})
}

// analysisTaskHandler adapts a function taking an analysis id into a task
// handler for the common {"analysis_id": ...} payload.
func analysisTaskHandler(fn func(c context.Context, analysisId int64) error) router.Handler {
	return func(ctx *router.Context) {
		payload := &rerun.TaskPayload{}
		if err := json.NewDecoder(ctx.Request.Body).Decode(payload); err != nil {
			logging.Errorf(ctx.Context, "Bad task payload: %v", err)
			ctx.Writer.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := fn(ctx.Context, payload.AnalysisId); err != nil {
			logging.Errorf(ctx.Context, "Task for analysis %d failed: %v", payload.AnalysisId, err)
			ctx.Writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		ctx.Writer.WriteHeader(http.StatusOK)
	}
}

func cronHandler(fn func(c context.Context) error) router.Handler {
	return func(ctx *router.Context) {
		if err := fn(ctx.Context); err != nil {
			logging.Errorf(ctx.Context, "Cron failed: %v", err)
			ctx.Writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		ctx.Writer.WriteHeader(http.StatusOK)
	}
}

// checkStaleIssues runs the staleness check over every issue currently
// attached to a flake.
func checkStaleIssues(c context.Context) error {
	flakes := []*model.Flake{}
	q := datastore.NewQuery("Flake").Gt("issue_id", 0)
	if err := datastore.GetAll(c, q, &flakes); err != nil {
		return err
	}
	checked := map[int64]bool{}
	for _, f := range flakes {
		if checked[f.IssueId] {
			continue
		}
		checked[f.IssueId] = true
		if err := bugs.CheckIssueStaleness(c, f.IssueId); err != nil {
			// Keep going, one broken issue should not starve the sweep.
			logging.Errorf(c, "Staleness check of issue %d failed: %v", f.IssueId, err)
		}
	}
	return nil
}

func exportToBigQuery(c context.Context) error {
	exporter, err := bqexporter.NewExporter(c, cloudProject)
	if err != nil {
		return err
	}
	defer exporter.Close()
	if err := exporter.ExportAnalyses(c, bqExportWindow); err != nil {
		return err
	}
	return exporter.ExportOccurrences(c, bqExportWindow)
}
