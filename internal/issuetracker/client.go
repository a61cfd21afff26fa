// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package issuetracker is a thin client for the monorail-style issue
// tracker REST endpoints.
package issuetracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.chromium.org/luci/common/errors"

	"flaketriage/util"
)

// Issue states as reported by the tracker.
const (
	StatusUntriaged = "Untriaged"
	StatusAvailable = "Available"
	StatusAssigned  = "Assigned"
	StatusStarted   = "Started"
	StatusFixed     = "Fixed"
	StatusVerified  = "Verified"
	StatusDuplicate = "Duplicate"
	StatusWontFix   = "WontFix"
	StatusArchived  = "Archived"
)

// Issue is one issue tracker issue.
type Issue struct {
	Id            int64     `json:"id"`
	Project       string    `json:"project"`
	Summary       string    `json:"summary"`
	Description   string    `json:"description"`
	Status        string    `json:"status"`
	Labels        []string  `json:"labels"`
	CcEmails      []string  `json:"cc"`
	OwnerEmail    string    `json:"owner"`
	ReporterEmail string    `json:"reporter"`
	MergedInto    int64     `json:"mergedInto"`
	Updated       time.Time `json:"updated"`
	Closed        time.Time `json:"closed"`
}

// Open reports whether the issue is in an open state.
func (i *Issue) Open() bool {
	switch i.Status {
	case StatusFixed, StatusVerified, StatusDuplicate, StatusWontFix, StatusArchived:
		return false
	}
	return true
}

// HasLabel reports whether the issue carries the label (case-sensitive, as
// the tracker preserves label casing for known labels).
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// HasCc reports whether the email is already CC'd.
func (i *Issue) HasCc(email string) bool {
	for _, cc := range i.CcEmails {
		if cc == email {
			return true
		}
	}
	return false
}

// Comment is one comment on an issue.
type Comment struct {
	AuthorEmail string    `json:"author"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

// Client talks to the issue tracker.
type Client interface {
	GetIssue(c context.Context, project string, id int64) (*Issue, error)
	// CreateIssue files a new issue and returns it with its id set.
	CreateIssue(c context.Context, issue *Issue) (*Issue, error)
	// UpdateIssue applies the issue fields and posts comment. Label and CC
	// changes are full replacements of the corresponding fields.
	UpdateIssue(c context.Context, issue *Issue, comment string) error
	ListComments(c context.Context, project string, id int64) ([]*Comment, error)
}

// MockedClientKey is the context key for a fake client in tests.
var MockedClientKey = "mocked issuetracker client"

// GetClient returns the issue tracker client to use.
func GetClient(c context.Context) Client {
	if mock, ok := c.Value(&MockedClientKey).(Client); ok {
		return mock
	}
	return &restClient{host: "monorail-prod.appspot.com"}
}

type restClient struct {
	host string
}

func (r *restClient) url(format string, args ...any) string {
	return fmt.Sprintf("https://%s/_ah/api/monorail/v1%s", r.host, fmt.Sprintf(format, args...))
}

func (r *restClient) GetIssue(c context.Context, project string, id int64) (*Issue, error) {
	req, err := http.NewRequest("GET", r.url("/projects/%s/issues/%d", project, id), nil)
	if err != nil {
		return nil, err
	}
	body, err := util.SendHTTPRequest(c, req, 30*time.Second)
	if err != nil {
		return nil, errors.Annotate(err, "getting issue %d", id).Err()
	}
	issue := &Issue{}
	if err := json.Unmarshal([]byte(body), issue); err != nil {
		return nil, errors.Annotate(err, "parsing issue %d", id).Err()
	}
	return issue, nil
}

func (r *restClient) CreateIssue(c context.Context, issue *Issue) (*Issue, error) {
	payload, err := json.Marshal(issue)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest("POST", r.url("/projects/%s/issues", issue.Project), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := util.SendHTTPRequest(c, req, 30*time.Second)
	if err != nil {
		return nil, errors.Annotate(err, "creating issue").Err()
	}
	created := &Issue{}
	if err := json.Unmarshal([]byte(body), created); err != nil {
		return nil, errors.Annotate(err, "parsing created issue").Err()
	}
	return created, nil
}

func (r *restClient) UpdateIssue(c context.Context, issue *Issue, comment string) error {
	payload, err := json.Marshal(struct {
		*Issue
		Comment string `json:"content"`
	}{issue, comment})
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", r.url("/projects/%s/issues/%d/comments", issue.Project, issue.Id), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if _, err := util.SendHTTPRequest(c, req, 30*time.Second); err != nil {
		return errors.Annotate(err, "updating issue %d", issue.Id).Err()
	}
	return nil
}

func (r *restClient) ListComments(c context.Context, project string, id int64) ([]*Comment, error) {
	req, err := http.NewRequest("GET", r.url("/projects/%s/issues/%d/comments", project, id), nil)
	if err != nil {
		return nil, err
	}
	body, err := util.SendHTTPRequest(c, req, 30*time.Second)
	if err != nil {
		return nil, errors.Annotate(err, "listing comments of issue %d", id).Err()
	}
	resp := struct {
		Items []*Comment `json:"items"`
	}{}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, errors.Annotate(err, "parsing comments of issue %d", id).Err()
	}
	return resp.Items, nil
}
