// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package flake

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/gae/service/datastore"

	"flaketriage/internal/config"
	"flaketriage/model"
)

// FlakinessPeriod finds the occurrences in the current flakiness period:
// the maximal suffix of occurrences (sorted oldest first) where consecutive
// timestamps are no more than the configured gap apart. Occurrences before
// a larger gap belong to an older period and are not counted.
func FlakinessPeriod(occurrences []*model.FlakeOccurrence, gap time.Duration) []*model.FlakeOccurrence {
	if len(occurrences) == 0 {
		return nil
	}
	start := 0
	for i := len(occurrences) - 1; i > 0; i-- {
		if occurrences[i].Time.Sub(occurrences[i-1].Time) > gap {
			start = i
			break
		}
	}
	return occurrences[start:]
}

// NewOccurrences returns the occurrences of the current flakiness period
// not yet stamped with an issue id and recent enough to count: within the
// recency window of now and within the configured max difference of the
// latest occurrence.
func NewOccurrences(c context.Context, occurrences []*model.FlakeOccurrence) []*model.FlakeOccurrence {
	cfg := config.Get(c)
	now := clock.Now(c)

	period := FlakinessPeriod(occurrences, cfg.FlakinessPeriodGap)
	if len(period) == 0 {
		return nil
	}
	latest := period[len(period)-1].Time

	fresh := []*model.FlakeOccurrence{}
	for _, occ := range period {
		if occ.ReportedIssueId != 0 {
			continue
		}
		if now.Sub(occ.Time) > 24*time.Hour {
			continue
		}
		if latest.Sub(occ.Time) > cfg.MaxTimeDifference {
			continue
		}
		fresh = append(fresh, occ)
	}
	return fresh
}

// IsActionable decides whether a flake has enough fresh evidence for an
// issue tracker action. Sparse occurrences spread over months never
// qualify: only the fresh occurrences of the current period count.
func IsActionable(c context.Context, flake *model.Flake) (bool, []*model.FlakeOccurrence, error) {
	cfg := config.Get(c)
	occurrences, err := occurrencesOf(c, flake)
	if err != nil {
		return false, nil, err
	}
	fresh := NewOccurrences(c, occurrences)
	if len(fresh) < cfg.MinRequiredFlakyRuns {
		return false, nil, nil
	}
	return true, fresh, nil
}

// CurrentPeriod loads the occurrences of the flake's current flakiness
// period, oldest first.
func CurrentPeriod(c context.Context, flake *model.Flake) ([]*model.FlakeOccurrence, error) {
	occurrences, err := occurrencesOf(c, flake)
	if err != nil {
		return nil, err
	}
	return FlakinessPeriod(occurrences, config.Get(c).FlakinessPeriodGap), nil
}

// ThresholdExceededTime returns the time of the occurrence that pushed the
// period over the reporting threshold: the first occurrence with at least
// MinRequiredFlakyRuns occurrences within the preceding day.
func ThresholdExceededTime(c context.Context, period []*model.FlakeOccurrence) (time.Time, bool) {
	cfg := config.Get(c)
	window := []*model.FlakeOccurrence{}
	for _, occ := range period {
		window = append(window, occ)
		kept := window[:0]
		for _, prev := range window {
			if occ.Time.Sub(prev.Time) <= 24*time.Hour {
				kept = append(kept, prev)
			}
		}
		window = kept
		if len(window) >= cfg.MinRequiredFlakyRuns {
			return occ.Time, true
		}
	}
	return time.Time{}, false
}

// flakeUpdateParent returns the key of the singleton ancestor of all
// FlakeUpdate records, creating the singleton if needed.
func flakeUpdateParent(c context.Context) (*datastore.Key, error) {
	singleton := &model.FlakeUpdateSingleton{Id: model.FlakeUpdateSingletonId}
	err := datastore.RunInTransaction(c, func(c context.Context) error {
		switch err := datastore.Get(c, singleton); {
		case err == datastore.ErrNoSuchEntity:
			return datastore.Put(c, singleton)
		default:
			return err
		}
	}, nil)
	if err != nil {
		return nil, errors.Annotate(err, "getting flake update singleton").Err()
	}
	return datastore.KeyForObj(c, singleton), nil
}

// UpdateBudgetExhausted reports whether the rolling 24h issue tracker
// mutation budget is used up. Exhaustion is a deferral outcome, not an
// error: the caller skips the action and the next window picks it up.
func UpdateBudgetExhausted(c context.Context) (bool, error) {
	cfg := config.Get(c)
	parent, err := flakeUpdateParent(c)
	if err != nil {
		return false, err
	}
	dayAgo := clock.Now(c).Add(-24 * time.Hour)
	q := datastore.NewQuery("FlakeUpdate").Ancestor(parent).Gt("time", dayAgo)
	count, err := datastore.Count(c, q)
	if err != nil {
		return false, errors.Annotate(err, "counting flake updates").Err()
	}
	return count >= int64(cfg.MaxUpdatedIssuesPerDay), nil
}

// IncrementUpdateCounter records one issue tracker mutation against the
// rolling budget. Called in the same logical flow as the mutation so the
// counter and the actions never diverge.
func IncrementUpdateCounter(c context.Context) error {
	parent, err := flakeUpdateParent(c)
	if err != nil {
		return err
	}
	return datastore.RunInTransaction(c, func(c context.Context) error {
		return datastore.Put(c, &model.FlakeUpdate{
			Parent: parent,
			Time:   clock.Now(c),
		})
	}, nil)
}

// StampOccurrences marks occurrences as reported to the issue. Only called
// after the issue tracker call succeeded, so a failed or retried action
// counts the same occurrences again. Idempotent: re-stamping with the same
// issue id is a no-op.
func StampOccurrences(c context.Context, occurrences []*model.FlakeOccurrence, issueId int64) error {
	toPut := []*model.FlakeOccurrence{}
	for _, occ := range occurrences {
		if occ.ReportedIssueId == issueId {
			continue
		}
		occ.ReportedIssueId = issueId
		toPut = append(toPut, occ)
	}
	if len(toPut) == 0 {
		return nil
	}
	if err := datastore.Put(c, toPut); err != nil {
		return errors.Annotate(err, "stamping %d occurrences with issue %d", len(toPut), issueId).Err()
	}
	return nil
}
