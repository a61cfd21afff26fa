// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package flake

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestNormalizeStepName(t *testing.T) {
	t.Parallel()

	Convey("NormalizeStepName", t, func() {
		data := map[string]string{
			"browser_tests (with patch)":                     "browser_tests",
			"browser_tests (without patch)":                  "browser_tests",
			"browser_tests (with patch) on Ubuntu-16.04":     "browser_tests",
			"webkit_layout_tests on Intel GPU on Linux":      "webkit_layout_tests",
			"compile (with patch)":                           "compile",
			"browser_tests":                                  "browser_tests",
			"telemetry_gpu_integration_test (without patch)": "telemetry_gpu_integration_test",
		}
		for k, v := range data {
			So(NormalizeStepName(k), ShouldEqual, v)
		}
	})

	Convey("NormalizeStepName is idempotent", t, func() {
		names := []string{
			"browser_tests (with patch) on Ubuntu-16.04",
			"webkit_layout_tests on Intel GPU on Linux",
			"compile",
		}
		for _, name := range names {
			once := NormalizeStepName(name)
			So(NormalizeStepName(once), ShouldEqual, once)
		}
	})
}

func TestNormalizeTestName(t *testing.T) {
	t.Parallel()

	Convey("NormalizeTestName", t, func() {
		data := map[string]string{
			// Plain gtests are unchanged.
			"Suite.Test": "Suite.Test",
			// Value-parameterized gtests.
			"Instantiation/Suite.Test/0": "Suite.Test",
			"a/Suite.Test/0":             "Suite.Test",
			"Suite.Test/0":               "Suite.Test",
			// Type-parameterized gtests.
			"Prefix/Suite/0.Test": "Suite.Test",
			"Suite/1.Test":        "Suite.Test",
			// PRE_ chains.
			"Suite.PRE_Test":         "Suite.Test",
			"Suite.PRE_PRE_Test":     "Suite.Test",
			"Suite.PRE_PRE_PRE_Test": "Suite.Test",
			// Combined parameterization and PRE_.
			"Instantiation/Suite.PRE_Test/1": "Suite.Test",
			// Layout test query strings.
			"fast/css/a.html?dom":       "fast/css/a.html",
			"external/wpt/b.htm?ref=xy": "external/wpt/b.htm",
			// Layout test paths keep their directories.
			"fast/css/a.html":  "fast/css/a.html",
			"svg/shapes/c.svg": "svg/shapes/c.svg",
		}
		for k, v := range data {
			So(NormalizeTestName(k), ShouldEqual, v)
		}
	})

	Convey("NormalizeTestName is idempotent", t, func() {
		names := []string{
			"Instantiation/Suite.Test/0",
			"Prefix/Suite/0.Test",
			"Suite.PRE_PRE_Test",
			"fast/css/a.html?dom",
			"fast/css/a.html",
		}
		for _, name := range names {
			once := NormalizeTestName(name)
			So(NormalizeTestName(once), ShouldEqual, once)
		}
	})
}
