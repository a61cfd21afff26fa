// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package issuetracker

import (
	"context"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
)

// FakeClient is an in-memory issue tracker for tests.
type FakeClient struct {
	// Issues by id.
	Issues map[int64]*Issue
	// Comments by issue id, in posting order.
	Comments map[int64][]*Comment
	// NextId is the id given to the next created issue.
	NextId int64
	// CommentAuthor is recorded as the author of posted comments.
	CommentAuthor string
	// When set, all mutating calls fail. Used to verify that local state
	// does not advance on tracker errors.
	ErrorOnWrite bool
}

// NewFakeClient returns an empty fake tracker.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Issues:   map[int64]*Issue{},
		Comments: map[int64][]*Comment{},
		NextId:   100,
	}
}

// UseFakeClient installs the fake into the context.
func UseFakeClient(c context.Context, f *FakeClient) context.Context {
	return context.WithValue(c, &MockedClientKey, Client(f))
}

func (f *FakeClient) GetIssue(c context.Context, project string, id int64) (*Issue, error) {
	issue, ok := f.Issues[id]
	if !ok {
		return nil, errors.Reason("issue %d not found", id).Err()
	}
	cp := *issue
	return &cp, nil
}

func (f *FakeClient) CreateIssue(c context.Context, issue *Issue) (*Issue, error) {
	if f.ErrorOnWrite {
		return nil, errors.Reason("issue tracker unavailable").Err()
	}
	cp := *issue
	cp.Id = f.NextId
	cp.Updated = clock.Now(c)
	f.NextId++
	f.Issues[cp.Id] = &cp
	result := cp
	return &result, nil
}

func (f *FakeClient) UpdateIssue(c context.Context, issue *Issue, comment string) error {
	if f.ErrorOnWrite {
		return errors.Reason("issue tracker unavailable").Err()
	}
	if _, ok := f.Issues[issue.Id]; !ok {
		return errors.Reason("issue %d not found", issue.Id).Err()
	}
	cp := *issue
	cp.Updated = clock.Now(c)
	f.Issues[issue.Id] = &cp
	if comment != "" {
		f.Comments[issue.Id] = append(f.Comments[issue.Id], &Comment{
			AuthorEmail: f.CommentAuthor,
			Content:     comment,
			Timestamp:   clock.Now(c),
		})
	}
	return nil
}

func (f *FakeClient) ListComments(c context.Context, project string, id int64) ([]*Comment, error) {
	return f.Comments[id], nil
}
