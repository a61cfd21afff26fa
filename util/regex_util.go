// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package util

import (
	"fmt"
	"regexp"
)

// MatchedNamedGroup matches a string against a pattern and returns a map
// of the named groups to the matched values.
// Returns an error if the string does not match the pattern.
func MatchedNamedGroup(pattern *regexp.Regexp, str string) (map[string]string, error) {
	names := pattern.SubexpNames()
	matches := pattern.FindStringSubmatch(str)
	if matches == nil {
		return nil, fmt.Errorf("no match found for %s", pattern)
	}
	result := map[string]string{}
	for i, name := range names {
		if name != "" {
			result[name] = matches[i]
		}
	}
	return result, nil
}
