// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package gitiles is a thin client for the gitiles JSON endpoints.
package gitiles

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	buildbucketpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/common/errors"

	"flaketriage/model"
	"flaketriage/util"
)

// Client gets information about commits from gitiles.
type Client interface {
	// GetChangeLogs gets a list of ChangeLogs in revision range (exclusive
	// startRevision, inclusive endRevision), newest first.
	GetChangeLogs(c context.Context, repoUrl string, startRevision string, endRevision string) ([]*model.ChangeLog, error)
}

// MockedGitilesClientKey is the context key for a mocked client in tests.
var MockedGitilesClientKey = "mocked gitiles client"

// GetClient returns the gitiles client to use. Tests install a mock via
// MockedGitilesClientKey.
func GetClient(c context.Context) Client {
	if mock, ok := c.Value(&MockedGitilesClientKey).(Client); ok {
		return mock
	}
	return &gitilesClient{}
}

// GetRepoUrl computes the repository URL of a commit.
func GetRepoUrl(c context.Context, commit *buildbucketpb.GitilesCommit) string {
	return fmt.Sprintf("https://%s/%s", commit.Host, commit.Project)
}

// GetChangeLogs gets a list of ChangeLogs in revision range, newest first.
func GetChangeLogs(c context.Context, repoUrl string, startRevision string, endRevision string) ([]*model.ChangeLog, error) {
	return GetClient(c).GetChangeLogs(c, repoUrl, startRevision, endRevision)
}

// GetChangeLogsForRegressionRange returns the changelogs of the commits in
// a regression range (excluding the last passed commit), newest first.
func GetChangeLogsForRegressionRange(c context.Context, rr *model.RegressionRange) ([]*model.ChangeLog, error) {
	if rr.LastPassed.Host != rr.FirstFailed.Host || rr.LastPassed.Project != rr.FirstFailed.Project {
		return nil, errors.Reason("last passed and first failed commits must be in the same repo, got %v and %v", rr.LastPassed, rr.FirstFailed).Err()
	}
	repoUrl := GetRepoUrl(c, rr.LastPassed)
	return GetChangeLogs(c, repoUrl, rr.LastPassed.Id, rr.FirstFailed.Id)
}

type gitilesClient struct{}

func (cl *gitilesClient) GetChangeLogs(c context.Context, repoUrl string, startRevision string, endRevision string) ([]*model.ChangeLog, error) {
	changeLogs := []*model.ChangeLog{}
	next := ""
	for {
		url := fmt.Sprintf("%s/+log/%s..%s?format=JSON&name-status=1", repoUrl, startRevision, endRevision)
		if next != "" {
			url = fmt.Sprintf("%s&s=%s", url, next)
		}
		resp, err := sendRequest(c, url)
		if err != nil {
			return nil, errors.Annotate(err, "querying changelogs from %s", repoUrl).Err()
		}
		page := &model.ChangeLogResponse{}
		if err := json.Unmarshal([]byte(resp), page); err != nil {
			return nil, errors.Annotate(err, "parsing changelog response").Err()
		}
		changeLogs = append(changeLogs, page.Log...)
		if page.Next == "" {
			return changeLogs, nil
		}
		next = page.Next
	}
}

func sendRequest(c context.Context, url string) (string, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return "", err
	}
	body, err := util.SendHTTPRequest(c, req, 30*time.Second)
	if err != nil {
		return "", err
	}
	// Gitiles prepends )]}' to all JSON responses.
	return strings.TrimPrefix(body, ")]}'"), nil
}
