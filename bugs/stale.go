// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package bugs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/flake"
	"flaketriage/internal/config"
	"flaketriage/internal/issuetracker"
	"flaketriage/model"
)

// CheckIssueStaleness runs the periodic staleness check for one issue:
//
//   - An open issue whose only recent updates came from this service is
//     stale; it is moved back into its triage queue with an explanatory
//     comment. Staleness counts weekdays only, issues ignored over a
//     weekend are not punished.
//   - An issue that then sits in the queue untouched for the configured
//     number of days gets the monitoring alias CC'd, once.
//   - Closed issues past the reopen grace period are detached from their
//     flakes so the next occurrence files a fresh issue.
//   - A duplication cycle detaches the issue from all flakes.
func CheckIssueStaleness(c context.Context, issueId int64) error {
	cfg := config.Get(c)
	client := issuetracker.GetClient(c)
	now := clock.Now(c)

	issue, err := FollowDuplicationChain(c, cfg.MonorailProject, issueId)
	if err != nil {
		return err
	}
	if issue == nil {
		return detachIssueFromFlakes(c, issueId)
	}

	if !issue.Open() {
		graceCutoff := now.Add(-time.Duration(cfg.DaysToReopenIssue) * 24 * time.Hour)
		if issue.Updated.Before(graceCutoff) {
			return detachIssueFromFlakes(c, issueId)
		}
		return nil
	}

	if issue.Id != issueId {
		if err := repointFlakes(c, issueId, issue.Id); err != nil {
			return err
		}
		issueId = issue.Id
	}

	comments, err := client.ListComments(c, cfg.MonorailProject, issueId)
	if err != nil {
		return err
	}
	sort.Slice(comments, func(i, j int) bool {
		return comments[i].Timestamp.Before(comments[j].Timestamp)
	})

	f, err := flakeForIssue(c, issueId)
	if err != nil {
		return err
	}
	if f == nil {
		logging.Warningf(c, "No flake references issue %d, skipping staleness check", issueId)
		return nil
	}
	queueName, queueLabel := QueueDetails(flake.FlakeName(f))

	// Stale: nobody but this service touched the issue for the configured
	// number of weekdays.
	lastHumanUpdate := issue.Updated
	for i := len(comments) - 1; i >= 0; i-- {
		if comments[i].AuthorEmail != cfg.ServiceAccount {
			lastHumanUpdate = comments[i].Timestamp
			break
		}
		if i == 0 {
			lastHumanUpdate = comments[0].Timestamp
		}
	}
	if weekdaysBetween(lastHumanUpdate, now) >= cfg.DaysTillStale && !issue.HasLabel(queueLabel) {
		issue.Labels = append(issue.Labels, queueLabel)
		comment := fmt.Sprintf(
			"This issue has not been updated for %d weekdays, moving it back into %s. %s",
			cfg.DaysTillStale, queueName, ReturnToQueueSuffix(queueName))
		if err := client.UpdateIssue(c, issue, comment); err != nil {
			return errors.Annotate(err, "returning issue %d to queue", issueId).Err()
		}
		logging.Infof(c, "Returned stale issue %d to %s", issueId, queueName)
		return nil
	}

	// Very stale: sat in the queue ignored. CC the monitoring alias once
	// per issue.
	if !issue.HasLabel(queueLabel) {
		return nil
	}
	var lastUpdated time.Time
	if len(comments) > 0 {
		lastUpdated = comments[len(comments)-1].Timestamp
	} else {
		lastUpdated = issue.Updated
	}
	staleDeadline := now.Add(-time.Duration(cfg.DaysIgnoredInQueueForStaleness) * 24 * time.Hour)
	if lastUpdated.Before(staleDeadline) && !issue.HasCc(cfg.StaleFlakesCC) {
		fi, err := GetOrCreateFlakeIssue(c, issueId, issue.ReporterEmail)
		if err != nil {
			return err
		}
		if fi.StaleCCed {
			return nil
		}
		issue.CcEmails = append(issue.CcEmails, cfg.StaleFlakesCC)
		comment := fmt.Sprintf(
			"Reporting to %s to investigate why this issue is not being processed "+
				"despite being in an appropriate queue for %d days or more.",
			cfg.StaleFlakesCC, cfg.DaysIgnoredInQueueForStaleness)
		if err := client.UpdateIssue(c, issue, comment); err != nil {
			return errors.Annotate(err, "ccing %s on issue %d", cfg.StaleFlakesCC, issueId).Err()
		}
		fi.StaleCCed = true
		if err := datastore.Put(c, fi); err != nil {
			return err
		}
		logging.Infof(c, "Reported issue %d to %s", issueId, cfg.StaleFlakesCC)
	}
	return nil
}

// weekdaysBetween counts whole weekdays between two times.
func weekdaysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	days := 0
	for t := from.Add(24 * time.Hour); !t.After(to); t = t.Add(24 * time.Hour) {
		switch t.Weekday() {
		case time.Saturday, time.Sunday:
		default:
			days++
		}
	}
	return days
}

// detachIssueFromFlakes removes the issue reference from every flake that
// points at it. The flakes keep the old id so a recreated issue can
// reference it.
func detachIssueFromFlakes(c context.Context, issueId int64) error {
	flakes := []*model.Flake{}
	q := datastore.NewQuery("Flake").Eq("issue_id", issueId)
	if err := datastore.GetAll(c, q, &flakes); err != nil {
		return errors.Annotate(err, "finding flakes of issue %d", issueId).Err()
	}
	for _, f := range flakes {
		logging.Infof(c, "Detaching issue %d from flake %s", issueId, f.Id)
		f.OldIssueId = issueId
		f.IssueId = 0
	}
	if len(flakes) == 0 {
		return nil
	}
	return datastore.Put(c, flakes)
}

// repointFlakes updates every flake referencing the old issue to the new
// one, so the duplicate chain is not followed again on the next read.
func repointFlakes(c context.Context, oldIssueId, newIssueId int64) error {
	flakes := []*model.Flake{}
	q := datastore.NewQuery("Flake").Eq("issue_id", oldIssueId)
	if err := datastore.GetAll(c, q, &flakes); err != nil {
		return errors.Annotate(err, "finding flakes of issue %d", oldIssueId).Err()
	}
	for _, f := range flakes {
		logging.Infof(c, "Repointing flake %s from issue %d to %d", f.Id, oldIssueId, newIssueId)
		f.IssueId = newIssueId
	}
	if len(flakes) == 0 {
		return nil
	}
	return datastore.Put(c, flakes)
}

// flakeForIssue returns one flake currently tracked by the issue, or nil.
func flakeForIssue(c context.Context, issueId int64) (*model.Flake, error) {
	flakes := []*model.Flake{}
	q := datastore.NewQuery("Flake").Eq("issue_id", issueId).Limit(1)
	if err := datastore.GetAll(c, q, &flakes); err != nil {
		return nil, errors.Annotate(err, "finding flake of issue %d", issueId).Err()
	}
	if len(flakes) == 0 {
		return nil, nil
	}
	return flakes[0], nil
}
