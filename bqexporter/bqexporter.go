// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package bqexporter exports finished analyses and flake occurrences to
// BigQuery for offline analysis and dashboards.
package bqexporter

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"

	"flaketriage/model"
)

const (
	datasetID            = "flake_triage"
	analysesTableID      = "analyses"
	occurrencesTableID   = "flake_occurrences"
	insertBatchSize      = 500
	maxConcurrentInserts = 4
)

// AnalysisRow is one exported analysis.
type AnalysisRow struct {
	AnalysisId         int64     `bigquery:"analysis_id"`
	FailureType        string    `bigquery:"failure_type"`
	StepName           string    `bigquery:"step_name"`
	Status             string    `bigquery:"status"`
	CreateTime         time.Time `bigquery:"create_time"`
	EndTime            time.Time `bigquery:"end_time"`
	FirstFailedBuildId int64     `bigquery:"first_failed_build_id"`
	LastPassedBuildId  int64     `bigquery:"last_passed_build_id"`
	CulpritCommit      string    `bigquery:"culprit_commit"`
	ExportTime         time.Time `bigquery:"export_time"`
}

// OccurrenceRow is one exported flake occurrence.
type OccurrenceRow struct {
	FlakeId    string    `bigquery:"flake_id"`
	Project    string    `bigquery:"project"`
	StepName   string    `bigquery:"step_name"`
	TestName   string    `bigquery:"test_name"`
	BuildId    int64     `bigquery:"build_id"`
	Builder    string    `bigquery:"builder"`
	Time       time.Time `bigquery:"time"`
	IssueId    int64     `bigquery:"issue_id"`
	ExportTime time.Time `bigquery:"export_time"`
}

// Exporter writes rows to BigQuery.
type Exporter struct {
	client *bigquery.Client
}

// NewExporter creates an Exporter for a cloud project.
func NewExporter(c context.Context, cloudProject string) (*Exporter, error) {
	client, err := bigquery.NewClient(c, cloudProject)
	if err != nil {
		return nil, errors.Annotate(err, "creating bigquery client").Err()
	}
	return &Exporter{client: client}, nil
}

// Close releases the underlying client.
func (e *Exporter) Close() error {
	return e.client.Close()
}

// ExportAnalyses exports all analyses that finished within the window
// ending now.
func (e *Exporter) ExportAnalyses(c context.Context, window time.Duration) error {
	cutoff := clock.Now(c).Add(-window)
	analyses := []*model.FailureAnalysis{}
	q := datastore.NewQuery("FailureAnalysis").Gt("end_time", cutoff)
	if err := datastore.GetAll(c, q, &analyses); err != nil {
		return errors.Annotate(err, "querying finished analyses").Err()
	}

	rows := make([]*AnalysisRow, 0, len(analyses))
	for _, fa := range analyses {
		if fa.Stage != model.RerunStage_Done && fa.Stage != model.RerunStage_GaveUp {
			continue
		}
		row := &AnalysisRow{
			AnalysisId:         fa.Id,
			FailureType:        string(fa.FailureType),
			StepName:           fa.StepName,
			Status:             string(fa.Status),
			CreateTime:         fa.CreateTime,
			EndTime:            fa.EndTime,
			FirstFailedBuildId: fa.FirstFailedBuildId,
			LastPassedBuildId:  fa.LastPassedBuildId,
			ExportTime:         clock.Now(c),
		}
		culprit, err := culpritOf(c, fa)
		if err != nil {
			return err
		}
		if culprit != nil {
			row.CulpritCommit = culprit.GitilesCommit.Id
		}
		rows = append(rows, row)
	}
	logging.Infof(c, "Exporting %d analysis rows", len(rows))
	return insertBatched(c, e.client.Dataset(datasetID).Table(analysesTableID).Inserter(), toAny(rows))
}

// ExportOccurrences exports flake occurrences recorded within the window
// ending now.
func (e *Exporter) ExportOccurrences(c context.Context, window time.Duration) error {
	cutoff := clock.Now(c).Add(-window)
	occurrences := []*model.FlakeOccurrence{}
	q := datastore.NewQuery("FlakeOccurrence").Gt("time", cutoff)
	if err := datastore.GetAll(c, q, &occurrences); err != nil {
		return errors.Annotate(err, "querying recent occurrences").Err()
	}

	rows := make([]*OccurrenceRow, 0, len(occurrences))
	for _, occ := range occurrences {
		flakeId := occ.Flake.StringID()
		// The flake id is "<project>/<step>[/<test>]".
		project := flakeId
		if i := strings.Index(flakeId, "/"); i >= 0 {
			project = flakeId[:i]
		}
		rows = append(rows, &OccurrenceRow{
			FlakeId:    flakeId,
			Project:    project,
			StepName:   occ.StepName,
			TestName:   occ.TestName,
			BuildId:    occ.BuildId,
			Builder:    occ.Builder,
			Time:       occ.Time,
			IssueId:    occ.ReportedIssueId,
			ExportTime: clock.Now(c),
		})
	}
	logging.Infof(c, "Exporting %d occurrence rows", len(rows))
	return insertBatched(c, e.client.Dataset(datasetID).Table(occurrencesTableID).Inserter(), toAny(rows))
}

// insertBatched streams rows in bounded batches with bounded parallelism.
func insertBatched(c context.Context, inserter *bigquery.Inserter, rows []any) error {
	eg, c := errgroup.WithContext(c)
	eg.SetLimit(maxConcurrentInserts)
	for len(rows) > 0 {
		n := insertBatchSize
		if len(rows) < n {
			n = len(rows)
		}
		batch := rows[:n]
		rows = rows[n:]
		eg.Go(func() error {
			if err := inserter.Put(c, batch); err != nil {
				if isQuotaError(err) {
					return errors.Annotate(err, "bigquery quota exceeded").Err()
				}
				return errors.Annotate(err, "inserting %d rows", len(batch)).Err()
			}
			return nil
		})
	}
	return eg.Wait()
}

func isQuotaError(err error) bool {
	if apiErr, ok := err.(*googleapi.Error); ok {
		return apiErr.Code == 403
	}
	return false
}

func culpritOf(c context.Context, fa *model.FailureAnalysis) (*model.Culprit, error) {
	culprits := []*model.Culprit{}
	q := datastore.NewQuery("Culprit").
		Eq("parent", datastore.KeyForObj(c, fa)).
		Limit(1)
	if err := datastore.GetAll(c, q, &culprits); err != nil {
		return nil, errors.Annotate(err, "querying culprit of analysis %d", fa.Id).Err()
	}
	if len(culprits) == 0 {
		return nil, nil
	}
	return culprits[0], nil
}

func toAny[T any](rows []T) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
