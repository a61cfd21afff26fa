// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package bugs

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/flake"
	"flaketriage/internal/config"
	"flaketriage/internal/issuetracker"
	"flaketriage/internal/metrics"
	"flaketriage/model"
)

// ProcessFlake files or updates the issue for a flake if it has enough
// fresh evidence. No-op outcomes (not actionable, budget exhausted, update
// cooldown still running) return nil: they are deferrals, not errors.
//
// Tracker failures propagate before any local state is modified, so a
// task retry re-runs the same decision safely.
func ProcessFlake(c context.Context, flakeId string) error {
	cfg := config.Get(c)

	exhausted, err := flake.UpdateBudgetExhausted(c)
	if err != nil {
		return err
	}
	if exhausted {
		logging.Infof(c, "Daily issue update budget exhausted, deferring flake %s", flakeId)
		return nil
	}

	f := &model.Flake{Id: flakeId}
	if err := datastore.Get(c, f); err != nil {
		return errors.Annotate(err, "getting flake %s", flakeId).Err()
	}
	actionable, fresh, err := flake.IsActionable(c, f)
	if err != nil {
		return err
	}
	if !actionable {
		logging.Debugf(c, "Flake %s has no actionable evidence yet", f.Id)
		return nil
	}

	if f.IssueId > 0 {
		// Update issues at most once per cooldown window.
		if clock.Now(c).Sub(f.IssueLastUpdatedTime) < cfg.MinTimeBetweenIssueUpdates {
			logging.Debugf(c, "Issue %d for flake %s still in update cooldown", f.IssueId, f.Id)
			return nil
		}
		if err := updateIssue(c, f, fresh); err != nil {
			return err
		}
	} else {
		if err := createIssue(c, f, fresh); err != nil {
			return err
		}
	}
	return flake.IncrementUpdateCounter(c)
}

// updateIssue posts new occurrences to the existing issue, resolving the
// duplicate chain first and recreating the issue when it is closed long
// enough or the chain has a cycle.
func updateIssue(c context.Context, f *model.Flake, fresh []*model.FlakeOccurrence) error {
	cfg := config.Get(c)
	client := issuetracker.GetClient(c)

	issue, err := FollowDuplicationChain(c, cfg.MonorailProject, f.IssueId)
	if err != nil {
		return err
	}
	if issue == nil {
		// Duplication cycle: the chain is unusable, file a fresh issue.
		return recreateIssue(c, f, fresh)
	}

	if issue.Id != f.IssueId {
		// Shortcut the chain for next time.
		f.IssueId = issue.Id
		if err := datastore.Put(c, f); err != nil {
			return err
		}
	}

	if !issue.Open() {
		// Closed issues are left alone so fixes can take effect. Once the
		// grace period passes and flakiness persists, file a new issue
		// instead of reopening.
		graceCutoff := clock.Now(c).Add(-time.Duration(cfg.DaysToReopenIssue) * 24 * time.Hour)
		if issue.Updated.Before(graceCutoff) {
			return recreateIssue(c, f, fresh)
		}
		logging.Infof(c, "Issue %d for flake %s closed recently, waiting for the fix to take effect",
			issue.Id, f.Id)
		return nil
	}

	// Ongoing flakiness means the issue belongs in its triage queue. Step
	// flakes with an owner are exempt: someone is already on it.
	suffix := ""
	queueName, queueLabel := QueueDetails(flake.FlakeName(f))
	if !issue.HasLabel(queueLabel) {
		if !f.IsStepFlake() || issue.OwnerEmail == "" {
			issue.Labels = append(issue.Labels, queueLabel)
			suffix = ReturnToQueueSuffix(queueName)
		}
	}

	comment := UpdateComment(f, len(fresh), suffix)
	if err := client.UpdateIssue(c, issue, comment); err != nil {
		return errors.Annotate(err, "updating issue %d for flake %s", issue.Id, f.Id).Err()
	}
	logging.Infof(c, "Updated issue %d for flake %s with %d new occurrences", issue.Id, f.Id, len(fresh))
	metrics.IssueUpdates.Add(c, 1, "update")
	return recordReported(c, f, issue.Id, fresh)
}

// createIssue files a new issue for the flake.
func createIssue(c context.Context, f *model.Flake, fresh []*model.FlakeOccurrence) error {
	cfg := config.Get(c)
	client := issuetracker.GetClient(c)

	name := flake.FlakeName(f)
	issue := &issuetracker.Issue{
		Project:     cfg.MonorailProject,
		Summary:     IssueSummary(name),
		Description: IssueDescription(f, len(fresh)),
		Status:      issuetracker.StatusUntriaged,
		Labels:      IssueLabels(name),
	}
	created, err := client.CreateIssue(c, issue)
	if err != nil {
		return errors.Annotate(err, "creating issue for flake %s", f.Id).Err()
	}
	logging.Infof(c, "Created issue %d for flake %s", created.Id, f.Id)
	metrics.IssueUpdates.Add(c, 1, "create")
	reportCreationDelays(c, f)

	if _, err := GetOrCreateFlakeIssue(c, created.Id, cfg.ServiceAccount); err != nil {
		return err
	}
	f.IssueId = created.Id
	return recordReported(c, f, created.Id, fresh)
}

// reportCreationDelays reports how long the flake was active before an
// issue was created for it.
func reportCreationDelays(c context.Context, f *model.Flake) {
	period, err := flake.CurrentPeriod(c, f)
	if err != nil || len(period) == 0 {
		return
	}
	now := clock.Now(c)
	metrics.TimeSinceFirstFlake.Set(c, now.Sub(period[0].Time).Seconds())
	if exceeded, ok := flake.ThresholdExceededTime(c, period); ok {
		metrics.TimeSinceThresholdExceeded.Set(c, now.Sub(exceeded).Seconds())
	}
}

// recreateIssue files a new issue referencing the abandoned one.
func recreateIssue(c context.Context, f *model.Flake, fresh []*model.FlakeOccurrence) error {
	logging.Infof(c, "Recreating issue for flake %s (previous issue %d)", f.Id, f.IssueId)
	f.OldIssueId = f.IssueId
	f.IssueId = 0
	return createIssue(c, f, fresh)
}

// recordReported stamps the occurrences with the issue id and advances the
// flake's reported counters. Runs only after the tracker call succeeded.
func recordReported(c context.Context, f *model.Flake, issueId int64, fresh []*model.FlakeOccurrence) error {
	if err := flake.StampOccurrences(c, fresh, issueId); err != nil {
		return err
	}
	now := clock.Now(c)
	f.NumReportedOccurrences = f.NumOccurrences
	f.IssueLastUpdatedTime = now
	if err := datastore.Put(c, f); err != nil {
		return err
	}
	fi := &model.FlakeIssue{Id: issueId}
	switch err := datastore.Get(c, fi); {
	case err == datastore.ErrNoSuchEntity:
		return nil
	case err != nil:
		return err
	}
	fi.LastUpdatedTime = now
	return datastore.Put(c, fi)
}

// GetOrCreateFlakeIssue returns the FlakeIssue record for a tracker issue,
// creating it if this is the first time the issue is seen. reporterEmail
// records who filed the issue, which later decides merge destinations.
func GetOrCreateFlakeIssue(c context.Context, issueId int64, reporterEmail string) (*model.FlakeIssue, error) {
	cfg := config.Get(c)
	fi := &model.FlakeIssue{Id: issueId}
	err := datastore.RunInTransaction(c, func(c context.Context) error {
		switch err := datastore.Get(c, fi); {
		case err == datastore.ErrNoSuchEntity:
			fi.MonorailProject = cfg.MonorailProject
			fi.ReporterEmail = reporterEmail
			fi.CreateTime = clock.Now(c)
			fi.LastUpdatedTime = clock.Now(c)
			return datastore.Put(c, fi)
		default:
			return err
		}
	}, nil)
	if err != nil {
		return nil, errors.Annotate(err, "getting or creating FlakeIssue %d", issueId).Err()
	}
	return fi, nil
}
