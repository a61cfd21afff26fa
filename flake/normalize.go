// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package flake tracks occurrences of flaky tests and steps and decides
// when there is enough evidence to act on them.
package flake

import (
	"regexp"
	"strings"
)

// Patterns for the non-deterministic parts of step and test names.
// Normalization strips them so re-runs of "the same" test map to one
// flake identity.
var (
	// "browser_tests (with patch)" or "browser_tests (without patch)".
	patchSuffixPattern = regexp.MustCompile(`\s+\((with|without) patch\)`)
	// "browser_tests on Ubuntu-16.04" or "... on Intel GPU on Linux".
	platformSuffixPattern = regexp.MustCompile(`\s+on\s+\S.*$`)
	// Value-parameterized gtests: "instantiation/suite.test/0".
	valueParameterizedPattern = regexp.MustCompile(`^([\w/]+/)?(\w+\.\w+)(/[\w.]+)?$`)
	// Type-parameterized gtests: "prefix/suite/0.test".
	typeParameterizedPattern = regexp.MustCompile(`^([\w.]+/)?(\w+)/\d+\.(\w+)$`)
	// gtest PRE_ chain in the test part: "suite.PRE_PRE_test".
	preTestPattern = regexp.MustCompile(`^(\w+\.)(?:PRE_)+(\w+)$`)
	// Query string on a layout test path: "fast/css/a.html?dom".
	queryStringPattern = regexp.MustCompile(`^([^?]+\.(?:html|htm|xht|xhtml|svg|php))\?.*$`)
)

// NormalizeStepName canonicalizes a step name: patch-state and platform
// qualifiers are stripped. Idempotent.
func NormalizeStepName(stepName string) string {
	s := patchSuffixPattern.ReplaceAllString(stepName, "")
	s = platformSuffixPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

var webTestExtensions = []string{".html", ".htm", ".xht", ".xhtml", ".svg", ".php"}

func isWebTest(testName string) bool {
	for _, ext := range webTestExtensions {
		if strings.HasSuffix(testName, ext) {
			return true
		}
	}
	return false
}

// NormalizeTestName canonicalizes a test name: gtest parameterization
// (both value and type), PRE_ prefixes and layout test query strings are
// stripped. Idempotent.
func NormalizeTestName(testName string) string {
	if m := queryStringPattern.FindStringSubmatch(testName); m != nil {
		testName = m[1]
	}
	// Web test paths keep their directories, only the query string is
	// non-deterministic.
	if isWebTest(testName) {
		return testName
	}
	if m := typeParameterizedPattern.FindStringSubmatch(testName); m != nil {
		return NormalizeTestName(m[2] + "." + m[3])
	}
	if m := valueParameterizedPattern.FindStringSubmatch(testName); m != nil {
		testName = m[2]
	}
	if m := preTestPattern.FindStringSubmatch(testName); m != nil {
		return m[1] + m[2]
	}
	return testName
}
