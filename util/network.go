// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package util contains utility functions
package util

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/server/auth"
)

// SendHTTPRequest sends a request with timeout using the authenticated
// transport and returns the response body.
func SendHTTPRequest(c context.Context, req *http.Request, timeout time.Duration) (string, error) {
	c, cancel := context.WithTimeout(c, timeout)
	defer cancel()

	transport, err := auth.GetRPCTransport(c, auth.AsSelf)
	if err != nil {
		return "", errors.Annotate(err, "getting RPC transport").Err()
	}

	client := &http.Client{
		Transport: transport,
	}
	resp, err := client.Do(req.WithContext(c))
	if err != nil {
		return "", transient.Tag.Apply(err)
	}

	defer resp.Body.Close()
	status := resp.StatusCode
	if status != http.StatusOK {
		err := errors.Reason("bad response code: %v", status).Err()
		if status >= 500 {
			err = transient.Tag.Apply(err)
		}
		return "", err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Annotate(err, "reading response body").Err()
	}
	return string(body), nil
}
