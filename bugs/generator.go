// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package bugs drives the lifecycle of issue tracker issues filed for
// flakes and culprits: creation, updates, recreation after closure,
// duplicate chain resolution, merging and staleness handling.
package bugs

import (
	"fmt"

	"flaketriage/flake"
	"flaketriage/model"
)

// Queue labels routing issues to the right rotation.
const (
	SheriffQueueLabel = "Sheriff-Chromium"
	TrooperQueueLabel = "Infra-Troopers"

	sheriffQueueName = "Sheriff Bug Queue"
	trooperQueueName = "Trooper Bug Queue"
)

const (
	sheriffQueueMsg = "If the step/test is infrastructure-related, please add " +
		"Infra-Troopers label and change issue status to Untriaged. When done, " +
		"please remove the issue from Sheriff Bug Queue by removing the " +
		"Sheriff-Chromium label."
	trooperQueueMsg = "If the step/test is not infrastructure-related (e.g. " +
		"flaky test), please add Sheriff-Chromium label and change issue status " +
		"to Untriaged. When done, please remove the issue from Trooper Bug Queue " +
		"by removing the Infra-Troopers label."
	testFooter = "Flaky tests should be disabled within 30 minutes unless " +
		"culprit CL is found and reverted. Please see more details here: " +
		"https://sites.google.com/a/chromium.org/dev/developers/tree-sheriffs/" +
		"sheriffing-bug-queues#triaging-auto-filed-flakiness-bugs"

	flakesUrlTemplate = "https://flake-triage.appspot.com/all_flake_occurrences?flake=%s"
)

// QueueDetails returns the queue name and label for a flake: infra flakes
// go to the trooper queue, everything else to the sheriff queue.
func QueueDetails(flakeName string) (queueName, queueLabel string) {
	if flake.IsInfraFlake(flakeName) {
		return trooperQueueName, TrooperQueueLabel
	}
	return sheriffQueueName, SheriffQueueLabel
}

// IssueSummary is the summary line of an auto-filed flake issue.
func IssueSummary(flakeName string) string {
	return fmt.Sprintf("%q is flaky", flakeName)
}

// IssueLabels returns the labels of a new auto-filed flake issue.
func IssueLabels(flakeName string) []string {
	_, queueLabel := QueueDetails(flakeName)
	return []string{"Type-Bug", "Pri-1", "Cr-Tests-Flaky", "Via-TryFlakes", queueLabel}
}

// FlakesUrl is the link to the occurrence list of a flake.
func FlakesUrl(f *model.Flake) string {
	return fmt.Sprintf(flakesUrlTemplate, f.Id)
}

// IssueDescription renders the description of a new flake issue. When the
// flake previously had an issue that has since closed, the description
// references it.
func IssueDescription(f *model.Flake, newOccurrenceCount int) string {
	name := flake.FlakeName(f)
	queueMsg := sheriffQueueMsg
	if flake.IsInfraFlake(name) {
		queueMsg = trooperQueueMsg
	}
	footer := ""
	if !f.IsStepFlake() {
		footer = testFooter
	}
	description := fmt.Sprintf(
		"%s.\n\n"+
			"This issue was created automatically by the flake-triage app. "+
			"Please find the right owner to fix the respective test/step and "+
			"assign this issue to them. %s\n\n"+
			"We have detected %d recent flakes. List of all flakes can be "+
			"found at %s.\n\n%s",
		IssueSummary(name), queueMsg, newOccurrenceCount, FlakesUrl(f), footer)
	if f.OldIssueId != 0 {
		description = fmt.Sprintf(
			"%s\n\nThis flaky test/step was previously tracked in issue %d.",
			description, f.OldIssueId)
	}
	return description
}

// UpdateComment renders the comment posted when new occurrences are
// reported against an existing issue. suffix is appended when set (e.g.
// the queue-return notice).
func UpdateComment(f *model.Flake, newOccurrenceCount int, suffix string) string {
	comment := fmt.Sprintf(
		"Detected %d new flakes for test/step %q. To see the actual flakes, "+
			"please visit %s. This message was posted automatically by the "+
			"flake-triage app.",
		newOccurrenceCount, flake.FlakeName(f), FlakesUrl(f))
	if suffix != "" {
		comment = comment + " " + suffix
	}
	return comment
}

// ReturnToQueueSuffix is appended to an update comment when the issue was
// moved back into its triage queue.
func ReturnToQueueSuffix(queueName string) string {
	return fmt.Sprintf(
		"Since flakiness is ongoing, the issue was moved back into %s (unless already there).",
		queueName)
}
