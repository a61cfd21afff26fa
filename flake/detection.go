// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package flake

import (
	"context"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/internal/config"
	"flaketriage/internal/metrics"
	"flaketriage/model"
)

// Steps whose failures are never flakes:
//   - steps: always red when any other step is red (duplicates failure)
//   - presubmit: typically red due to missing OWNERs LGTM, not a flake
//   - recipe failure reason: always red when build fails (not a failure)
//   - test results: always red when another step is red (not a failure)
//   - Uncaught Exception: summary step referring to an exception in another
//     step (duplicates failure)
//   - Failure reason: similar to 'recipe failure reason'
var ignoredSteps = map[string]bool{
	"steps":                 true,
	"presubmit":             true,
	"recipe failure reason": true,
	"test results":          true,
	"Uncaught Exception":    true,
	"Failure reason":        true,
}

// Steps whose flakes are infrastructure problems, routed to the trooper
// queue instead of the sheriff queue.
var knownInfraFlakeNames = map[string]bool{
	"analyze":              true,
	"bot_update":           true,
	"compile (with patch)": true,
	"compile":              true,
	"device_status_check":  true,
	"gclient (with patch)": true,
	"Patch":                true,
	"process_dumps":        true,
	"provision_devices":    true,
	"update_scripts":       true,
	"taskkill":             true,
	"commit-git-patch":     true,
}

// IsInfraFlake reports whether a flake with this name belongs to the
// trooper queue.
func IsInfraFlake(flakeName string) bool {
	return knownInfraFlakeNames[flakeName]
}

// FlakeName is the display name of a flake, used in issue summaries and
// queue routing.
func FlakeName(f *model.Flake) string {
	if f.IsStepFlake() {
		return f.NormalizedStepName
	}
	return f.NormalizedTestName
}

// Occurrence is one flaky-run report entering the tracker.
type Occurrence struct {
	Project  string
	BuildId  int64
	Builder  string
	StepName string
	// Empty when the whole step was flaky.
	TestName string
	// Build finish time.
	Time time.Time
}

// RecordOccurrences ingests flaky-run reports from one build: each
// occurrence is recorded under its normalized flake identity. Ignored
// steps are dropped, and a step reporting more individual flaky tests
// than the cap is recorded as a single step-level flake instead (mass
// failures are a step problem, not per-test flakiness).
//
// Returns the flakes that received new occurrences.
func RecordOccurrences(c context.Context, occurrences []*Occurrence) ([]*model.Flake, error) {
	cfg := config.Get(c)

	perStep := map[string][]*Occurrence{}
	for _, occ := range occurrences {
		step := NormalizeStepName(occ.StepName)
		if ignoredSteps[step] {
			logging.Debugf(c, "Ignoring flake in step %q", occ.StepName)
			continue
		}
		perStep[step] = append(perStep[step], occ)
	}

	flakes := []*model.Flake{}
	for step, occs := range perStep {
		if len(occs) > cfg.MaxIndividualFlakesPerStep {
			logging.Infof(c, "Step %q has %d flaky tests, recording as a step flake", step, len(occs))
			first := occs[0]
			occs = []*Occurrence{{
				Project:  first.Project,
				BuildId:  first.BuildId,
				Builder:  first.Builder,
				StepName: first.StepName,
				Time:     first.Time,
			}}
		}
		for _, occ := range occs {
			flake, err := recordOccurrence(c, step, occ)
			if err != nil {
				return nil, err
			}
			flakes = append(flakes, flake)
		}
	}
	return flakes, nil
}

// recordOccurrence stores one occurrence under its Flake, creating the
// Flake if this is its first occurrence.
func recordOccurrence(c context.Context, normalizedStep string, occ *Occurrence) (*model.Flake, error) {
	normalizedTest := ""
	if occ.TestName != "" {
		normalizedTest = NormalizeTestName(occ.TestName)
	}
	flake := &model.Flake{Id: model.FlakeId(occ.Project, normalizedStep, normalizedTest)}

	err := datastore.RunInTransaction(c, func(c context.Context) error {
		switch err := datastore.Get(c, flake); {
		case err == datastore.ErrNoSuchEntity:
			flake.Project = occ.Project
			flake.NormalizedStepName = normalizedStep
			flake.NormalizedTestName = normalizedTest
		case err != nil:
			return err
		}
		flake.NumOccurrences++
		if occ.Time.After(flake.LastOccurrenceTime) {
			flake.LastOccurrenceTime = occ.Time
		}
		record := &model.FlakeOccurrence{
			Flake:    datastore.KeyForObj(c, flake),
			BuildId:  occ.BuildId,
			Builder:  occ.Builder,
			StepName: occ.StepName,
			TestName: occ.TestName,
			Time:     occ.Time,
		}
		return datastore.Put(c, flake, record)
	}, nil)
	if err != nil {
		return nil, errors.Annotate(err, "recording occurrence for flake %s", flake.Id).Err()
	}
	logging.Infof(c, "Recorded flake occurrence of %s in build %d at %s",
		flake.Id, occ.BuildId, occ.Time.Format(time.RFC3339))
	metrics.OccurrencesRecorded.Add(c, 1, occ.Project)
	return flake, nil
}

// occurrencesOf loads all occurrences of a flake, oldest first.
func occurrencesOf(c context.Context, flake *model.Flake) ([]*model.FlakeOccurrence, error) {
	occurrences := []*model.FlakeOccurrence{}
	q := datastore.NewQuery("FlakeOccurrence").
		Ancestor(datastore.KeyForObj(c, flake)).
		Order("time")
	if err := datastore.GetAll(c, q, &occurrences); err != nil {
		return nil, errors.Annotate(err, "loading occurrences of flake %s", flake.Id).Err()
	}
	return occurrences, nil
}
