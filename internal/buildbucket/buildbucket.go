// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package buildbucket wraps the buildbucket Builds service.
package buildbucket

import (
	"context"
	"net/http"

	buildbucketpb "go.chromium.org/luci/buildbucket/proto"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/grpc/prpc"
	"go.chromium.org/luci/server/auth"
)

const host = "cr-buildbucket.appspot.com"

// MockedBuildClientKey is the context key for a mocked Builds client in
// tests (buildbucketpb.NewMockBuildsClient).
var MockedBuildClientKey = "mocked buildbucket client"

// GetClient returns the Builds client to use.
func GetClient(c context.Context) (buildbucketpb.BuildsClient, error) {
	if mock, ok := c.Value(&MockedBuildClientKey).(buildbucketpb.BuildsClient); ok {
		return mock, nil
	}
	t, err := auth.GetRPCTransport(c, auth.AsSelf)
	if err != nil {
		return nil, errors.Annotate(err, "getting RPC transport").Err()
	}
	return buildbucketpb.NewBuildsPRPCClient(&prpc.Client{
		C:    &http.Client{Transport: t},
		Host: host,
	}), nil
}

// GetBuild returns the build with the requested fields.
func GetBuild(c context.Context, bbid int64, mask *buildbucketpb.BuildMask) (*buildbucketpb.Build, error) {
	client, err := GetClient(c)
	if err != nil {
		return nil, err
	}
	return client.GetBuild(c, &buildbucketpb.GetBuildRequest{
		Id:   bbid,
		Mask: mask,
	})
}

// ScheduleBuild triggers a new build.
func ScheduleBuild(c context.Context, req *buildbucketpb.ScheduleBuildRequest) (*buildbucketpb.Build, error) {
	client, err := GetClient(c)
	if err != nil {
		return nil, err
	}
	return client.ScheduleBuild(c, req)
}

// SearchBuilds queries builds matching a predicate.
func SearchBuilds(c context.Context, req *buildbucketpb.SearchBuildsRequest) (*buildbucketpb.SearchBuildsResponse, error) {
	client, err := GetClient(c)
	if err != nil {
		return nil, err
	}
	return client.SearchBuilds(c, req)
}

// SearchOlderBuilds returns builds on the same builder older than refBuild,
// latest first, with the next page token.
func SearchOlderBuilds(c context.Context, refBuild *buildbucketpb.Build, mask *buildbucketpb.BuildMask, pageSize int32, pageToken string) ([]*buildbucketpb.Build, string, error) {
	res, err := SearchBuilds(c, &buildbucketpb.SearchBuildsRequest{
		Predicate: &buildbucketpb.BuildPredicate{
			Builder: refBuild.Builder,
			Build: &buildbucketpb.BuildRange{
				EndBuildId: refBuild.Id - 1,
			},
		},
		Mask:      mask,
		PageSize:  pageSize,
		PageToken: pageToken,
	})
	if err != nil {
		return nil, "", err
	}
	return res.Builds, res.NextPageToken, nil
}

// CancelBuild cancels a build with a reason.
func CancelBuild(c context.Context, bbid int64, reason string) (*buildbucketpb.Build, error) {
	client, err := GetClient(c)
	if err != nil {
		return nil, err
	}
	return client.CancelBuild(c, &buildbucketpb.CancelBuildRequest{
		Id:              bbid,
		SummaryMarkdown: reason,
	})
}
