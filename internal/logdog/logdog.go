// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logdog fetches raw step logs from their logdog view URLs.
package logdog

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.chromium.org/luci/common/errors"

	"flaketriage/util"
)

// MockedLogdogLogKey is the context key for canned logs in tests, a map of
// view URL to log content.
var MockedLogdogLogKey = "mocked logdog logs"

// MockClientContext installs canned logs for testing.
func MockClientContext(c context.Context, logs map[string]string) context.Context {
	return context.WithValue(c, &MockedLogdogLogKey, logs)
}

// GetLogFromViewUrl fetches the raw content of a log given its view URL.
func GetLogFromViewUrl(c context.Context, viewUrl string) (string, error) {
	if mock, ok := c.Value(&MockedLogdogLogKey).(map[string]string); ok {
		if log, ok := mock[viewUrl]; ok {
			return log, nil
		}
		return "", errors.Reason("no mocked log for %s", viewUrl).Err()
	}

	u, err := url.Parse(viewUrl)
	if err != nil {
		return "", errors.Annotate(err, "parsing view url %s", viewUrl).Err()
	}
	q := u.Query()
	q.Set("format", "raw")
	u.RawQuery = q.Encode()

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return "", err
	}
	return util.SendHTTPRequest(c, req, 60*time.Second)
}
