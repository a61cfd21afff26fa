// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ChangeType is the type of a file change in a revision.
type ChangeType string

const (
	ChangeType_ADD    ChangeType = "add"
	ChangeType_COPY   ChangeType = "copy"
	ChangeType_DELETE ChangeType = "delete"
	ChangeType_MODIFY ChangeType = "modify"
	ChangeType_RENAME ChangeType = "rename"
)

// ChangeLogActor is the author or committer of a revision.
type ChangeLogActor struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Time  string `json:"time"`
}

// ChangeLogDiff is one file change in a revision.
type ChangeLogDiff struct {
	Type    ChangeType `json:"type"`
	OldID   string     `json:"old_id"`
	OldMode int        `json:"old_mode"`
	OldPath string     `json:"old_path"`
	NewID   string     `json:"new_id"`
	NewMode int        `json:"new_mode"`
	NewPath string     `json:"new_path"`
}

// ChangeLog represents the changes of a revision
type ChangeLog struct {
	Commit         string          `json:"commit"`
	Tree           string          `json:"tree"`
	Parents        []string        `json:"parents"`
	Author         ChangeLogActor  `json:"author"`
	Committer      ChangeLogActor  `json:"committer"`
	Message        string          `json:"message"`
	ChangeLogDiffs []ChangeLogDiff `json:"tree_diff"`
}

// ChangeLogResponse represents the response from gitiles for changelog
type ChangeLogResponse struct {
	Log  []*ChangeLog `json:"log"`
	Next string       `json:"next"` // From next revision
}

var (
	reviewUrlPattern        = regexp.MustCompile(`(?m)^Reviewed-on: (https://.+)$`)
	commitPositionPattern   = regexp.MustCompile(`(?m)^Cr-Commit-Position: .*@\{#(\d+)\}`)
	gitilesCommitTimeLayout = "Mon Jan 02 15:04:05 2006"
)

// GetReviewUrl returns the review URL parsed from the commit message.
func (cl *ChangeLog) GetReviewUrl() (string, error) {
	matches := reviewUrlPattern.FindStringSubmatch(cl.Message)
	if matches == nil {
		return "", fmt.Errorf("could not find review url for commit %s", cl.Commit)
	}
	return matches[1], nil
}

// GetReviewTitle returns the first line of the commit message.
func (cl *ChangeLog) GetReviewTitle() string {
	lines := strings.SplitN(cl.Message, "\n", 2)
	return strings.TrimSpace(lines[0])
}

// GetCommitPosition returns the commit position parsed from the commit
// message footer, or an error when the footer is absent (e.g. a commit
// that did not go through the commit queue).
func (cl *ChangeLog) GetCommitPosition() (int, error) {
	matches := commitPositionPattern.FindStringSubmatch(cl.Message)
	if matches == nil {
		return 0, fmt.Errorf("could not find commit position for commit %s", cl.Commit)
	}
	return strconv.Atoi(matches[1])
}

// GetCommitTime returns the committer timestamp of the revision.
func (cl *ChangeLog) GetCommitTime() (time.Time, error) {
	// Gitiles timestamps may carry a trailing timezone offset.
	s := strings.TrimSpace(cl.Committer.Time)
	if t, err := time.Parse(gitilesCommitTimeLayout+" -0700", s); err == nil {
		return t, nil
	}
	return time.Parse(gitilesCommitTimeLayout, s)
}
