// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package config holds the service configuration.
// All tunable thresholds of the triage pipeline live here so they can be
// overridden per deployment instead of being buried in the code.
package config

import (
	"context"
	"time"
)

// Config holds tunable settings for the flake triage service.
type Config struct {
	// MonorailProject is the issue tracker project to file bugs in.
	MonorailProject string

	// ServiceAccount is the identity this service uses when talking to the
	// issue tracker. Comments from this account do not count as human
	// activity for staleness purposes.
	ServiceAccount string

	// StaleFlakesCC is the alias CC'd on issues that stayed in the queue
	// unattended for too long. CC'd at most once per issue.
	StaleFlakesCC string

	// FlakinessPeriodGap is the maximum gap between consecutive occurrences
	// for them to belong to the same flakiness period.
	FlakinessPeriodGap time.Duration

	// MinRequiredFlakyRuns is the number of occurrences in the active
	// flakiness period needed before an issue is filed or updated.
	MinRequiredFlakyRuns int

	// MaxTimeDifference bounds how old an occurrence may be, relative to
	// its build finish time, to still count as recent evidence.
	MaxTimeDifference time.Duration

	// MaxUpdatedIssuesPerDay caps issue tracker mutations in a rolling 24h
	// window. The counter is incremented in the same transaction as the
	// decision to act.
	MaxUpdatedIssuesPerDay int

	// MinTimeBetweenIssueUpdates throttles per-issue update comments.
	MinTimeBetweenIssueUpdates time.Duration

	// DaysToReopenIssue is the grace period after an issue closes. If the
	// flake reoccurs later than this, a new issue is filed instead of
	// commenting on the closed one.
	DaysToReopenIssue int

	// DaysTillStale is the number of weekday-aware days with only
	// service-account activity after which an issue is returned to the
	// triage queue.
	DaysTillStale int

	// DaysIgnoredInQueueForStaleness is the number of additional days
	// without third-party updates after which StaleFlakesCC is CC'd.
	DaysIgnoredInQueueForStaleness int

	// MaxIndividualFlakesPerStep caps per-test flakes extracted from one
	// step. Beyond this the whole step is recorded as a single flake.
	MaxIndividualFlakesPerStep int

	// MaxRerunRetryTimes bounds deferrals while waiting for available bots.
	// Once exhausted, the rerun is forced off-peak.
	MaxRerunRetryTimes int

	// RerunTimeout bounds how long the orchestrator waits for one rerun
	// build to complete before recording a timeout outcome.
	RerunTimeout time.Duration

	// PreferHumanFiledIssueOnMerge selects the merge destination when a
	// culprit links two flake issues: if true and exactly one side was
	// filed by a human, that side wins; otherwise first-filed wins.
	PreferHumanFiledIssueOnMerge bool
}

// Default returns the production defaults, mirroring the constants the
// pipeline was originally tuned with.
func Default() *Config {
	return &Config{
		MonorailProject:                "chromium",
		ServiceAccount:                 "flake-triage@appspot.gserviceaccount.com",
		StaleFlakesCC:                  "stale-flakes-reports@google.com",
		FlakinessPeriodGap:             3 * 24 * time.Hour,
		MinRequiredFlakyRuns:           5,
		MaxTimeDifference:              12 * time.Hour,
		MaxUpdatedIssuesPerDay:         50,
		MinTimeBetweenIssueUpdates:     24 * time.Hour,
		DaysToReopenIssue:              3,
		DaysTillStale:                  3,
		DaysIgnoredInQueueForStaleness: 7,
		MaxIndividualFlakesPerStep:     50,
		MaxRerunRetryTimes:             5,
		RerunTimeout:                   6 * time.Hour,
		PreferHumanFiledIssueOnMerge:   true,
	}
}

var configKey = "flaketriage config key"

// Use installs the config into the context.
func Use(c context.Context, cfg *Config) context.Context {
	return context.WithValue(c, &configKey, cfg)
}

// Get returns the config installed in the context, or the defaults.
func Get(c context.Context) *Config {
	if cfg, ok := c.Value(&configKey).(*Config); ok {
		return cfg
	}
	return Default()
}
