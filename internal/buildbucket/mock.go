// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package buildbucket

import (
	"context"

	"github.com/golang/mock/gomock"
	buildbucketpb "go.chromium.org/luci/buildbucket/proto"
)

// MockedClient is a mocked Builds client for testing. Ctx carries the mock
// so code under test picks it up via GetClient.
type MockedClient struct {
	Client *buildbucketpb.MockBuildsClient
	Ctx    context.Context
}

// NewMockedClient creates a MockedClient for testing.
func NewMockedClient(c context.Context, ctl *gomock.Controller) *MockedClient {
	mockClient := buildbucketpb.NewMockBuildsClient(ctl)
	return &MockedClient{
		Client: mockClient,
		Ctx:    context.WithValue(c, &MockedBuildClientKey, buildbucketpb.BuildsClient(mockClient)),
	}
}
