// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package bugs

import (
	"context"
	"fmt"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/internal/config"
	"flaketriage/internal/issuetracker"
	"flaketriage/model"
)

// GetMostUpdatedIssue resolves the merge chain of a FlakeIssue record to
// its final destination. A visited set bounds the walk, a cycle resolves
// to the record where the cycle was detected.
func GetMostUpdatedIssue(c context.Context, fi *model.FlakeIssue) (*model.FlakeIssue, error) {
	seen := map[int64]bool{fi.Id: true}
	for fi.MergeDestinationId != 0 {
		if seen[fi.MergeDestinationId] {
			logging.Warningf(c, "FlakeIssue merge cycle detected at %d", fi.Id)
			return fi, nil
		}
		next := &model.FlakeIssue{Id: fi.MergeDestinationId}
		switch err := datastore.Get(c, next); {
		case err == datastore.ErrNoSuchEntity:
			return fi, nil
		case err != nil:
			return nil, errors.Annotate(err, "following merge chain at %d", fi.MergeDestinationId).Err()
		}
		seen[next.Id] = true
		fi = next
	}
	return fi, nil
}

// UpdateIssueLeaves repoints every FlakeIssue that already merged into the
// now-obsolete issue at the new destination, flattening the chain.
func UpdateIssueLeaves(c context.Context, obsoleteIssueId, destinationIssueId int64) error {
	if obsoleteIssueId == destinationIssueId {
		return nil
	}
	leaves := []*model.FlakeIssue{}
	q := datastore.NewQuery("FlakeIssue").Eq("merge_destination_id", obsoleteIssueId)
	if err := datastore.GetAll(c, q, &leaves); err != nil {
		return errors.Annotate(err, "finding leaves of issue %d", obsoleteIssueId).Err()
	}
	if len(leaves) == 0 {
		return nil
	}
	for _, leaf := range leaves {
		leaf.MergeDestinationId = destinationIssueId
	}
	return datastore.Put(c, leaves)
}

// MergeOrSplitFlakeIssueByCulprit merges the issues of two flakes that
// share a culprit. The destination is the human-filed issue when exactly
// one side was automation-filed (configurable policy), otherwise the
// first-filed issue wins. Returns the destination issue id, or 0 when no
// merge happened (either issue closed, or they are already merged).
//
// The tracker is updated first: the local merge pointers only advance
// after the tracker call succeeds, so a failed merge is safe to retry.
func MergeOrSplitFlakeIssueByCulprit(c context.Context, issueIdA, issueIdB int64) (int64, error) {
	if issueIdA == issueIdB {
		return issueIdA, nil
	}
	cfg := config.Get(c)
	client := issuetracker.GetClient(c)

	issueA, err := client.GetIssue(c, cfg.MonorailProject, issueIdA)
	if err != nil {
		return 0, err
	}
	issueB, err := client.GetIssue(c, cfg.MonorailProject, issueIdB)
	if err != nil {
		return 0, err
	}
	if !issueA.Open() || !issueB.Open() {
		// Merging into (or from) a closed issue buries the live report.
		logging.Infof(c, "Not merging issues %d and %d: at least one is closed", issueIdA, issueIdB)
		return 0, nil
	}

	fiA, err := GetOrCreateFlakeIssue(c, issueIdA, issueA.ReporterEmail)
	if err != nil {
		return 0, err
	}
	fiB, err := GetOrCreateFlakeIssue(c, issueIdB, issueB.ReporterEmail)
	if err != nil {
		return 0, err
	}

	destination, duplicate := pickMergeDestination(cfg, fiA, fiB)
	dupIssue := issueA
	if duplicate.Id == issueB.Id {
		dupIssue = issueB
	}

	dupIssue.Status = issuetracker.StatusDuplicate
	dupIssue.MergedInto = destination.Id
	comment := fmt.Sprintf(
		"Merging into issue %d: both issues track flakes caused by the same culprit.",
		destination.Id)
	if err := client.UpdateIssue(c, dupIssue, comment); err != nil {
		return 0, errors.Annotate(err, "merging issue %d into %d", duplicate.Id, destination.Id).Err()
	}

	duplicate.MergeDestinationId = destination.Id
	if err := datastore.Put(c, duplicate); err != nil {
		return 0, err
	}
	if err := UpdateIssueLeaves(c, duplicate.Id, destination.Id); err != nil {
		return 0, err
	}
	if err := repointFlakes(c, duplicate.Id, destination.Id); err != nil {
		return 0, err
	}
	logging.Infof(c, "Merged issue %d into %d", duplicate.Id, destination.Id)
	return destination.Id, nil
}

// pickMergeDestination decides which of two issues survives a merge.
func pickMergeDestination(cfg *config.Config, a, b *model.FlakeIssue) (destination, duplicate *model.FlakeIssue) {
	if cfg.PreferHumanFiledIssueOnMerge {
		aAuto := a.ReporterEmail == cfg.ServiceAccount
		bAuto := b.ReporterEmail == cfg.ServiceAccount
		if aAuto != bAuto {
			if aAuto {
				return b, a
			}
			return a, b
		}
	}
	// First-filed wins.
	if b.CreateTime.Before(a.CreateTime) {
		return b, a
	}
	return a, b
}
