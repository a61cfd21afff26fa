// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package bugs

import (
	"context"

	"go.chromium.org/luci/common/logging"

	"flaketriage/internal/issuetracker"
)

// FollowDuplicationChain resolves the duplicate chain starting at an
// issue: while the issue is a duplicate merged into another, follow the
// merged-into reference. A visited set guards against cycles.
//
// Returns the final issue of the chain (possibly the starting issue
// itself), or nil when a duplication cycle was detected. A nil result is
// not an error: callers fall back to recreating a fresh issue.
func FollowDuplicationChain(c context.Context, project string, startingIssueId int64) (*issuetracker.Issue, error) {
	client := issuetracker.GetClient(c)
	issue, err := client.GetIssue(c, project, startingIssueId)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	// Both conditions are needed: the tracker can report Duplicate status
	// without a merged-into reference and vice versa.
	for issue.Status == issuetracker.StatusDuplicate && issue.MergedInto != 0 {
		seen[issue.Id] = true
		if seen[issue.MergedInto] {
			logging.Infof(c, "Detected issue duplication loop starting at %d (via %d)",
				startingIssueId, issue.Id)
			return nil, nil
		}
		issue, err = client.GetIssue(c, project, issue.MergedInto)
		if err != nil {
			return nil, err
		}
	}
	return issue, nil
}
