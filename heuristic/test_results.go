// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package heuristic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"

	"go.chromium.org/luci/common/logging"

	"flaketriage/model"
)

// TestRun is one attempt of one test in one iteration.
type TestRun struct {
	Status              string `json:"status"`
	Valid               bool   `json:"valid"`
	OutputSnippetBase64 string `json:"output_snippet_base64"`
}

// TestResults is the structured per-iteration results of a test step.
// Each iteration maps test name to its attempts.
type TestResults struct {
	PerIterationData []map[string][]*TestRun `json:"per_iteration_data"`
}

// failingStatuses are attempt statuses that count as a failure.
var failingStatuses = map[string]bool{
	"FAILURE":         true,
	"FAILURE_ON_EXIT": true,
	"CRASH":           true,
	"TIMEOUT":         true,
}

// ExtractSignalsFromTestResults extracts the failure signal of a test step.
// A test is reliably failing only if every attempt of every iteration
// failed; a test with any passing, skipped or unknown attempt is flaky and
// excluded from the signal. A step whose failures are all flaky yields an
// empty, non-nil signal.
//
// Malformed JSON never fails the extraction: it falls back to scraping the
// raw output.
func ExtractSignalsFromTestResults(c context.Context, resultsJSON string) (*model.FailureSignal, error) {
	results := &TestResults{}
	if err := json.Unmarshal([]byte(resultsJSON), results); err != nil || len(results.PerIterationData) == 0 {
		logging.Warningf(c, "Unparseable test results JSON, falling back to raw output scraping")
		return ExtractSignalsFromStdoutLog(c, resultsJSON)
	}

	type testOutcome struct {
		failed   int
		total    int
		snippets []string
	}
	outcomes := map[string]*testOutcome{}
	for _, iteration := range results.PerIterationData {
		for testName, runs := range iteration {
			outcome := outcomes[testName]
			if outcome == nil {
				outcome = &testOutcome{}
				outcomes[testName] = outcome
			}
			for _, run := range runs {
				outcome.total++
				if failingStatuses[run.Status] {
					outcome.failed++
					if snippet := decodeSnippet(c, testName, run.OutputSnippetBase64); snippet != "" {
						outcome.snippets = append(outcome.snippets, snippet)
					}
				}
			}
		}
	}

	signal := &model.FailureSignal{}
	for testName, outcome := range outcomes {
		if outcome.failed == 0 {
			continue
		}
		if outcome.failed < outcome.total {
			logging.Infof(c, "Test %s is flaky (%d/%d attempts failed), excluding from signal", testName, outcome.failed, outcome.total)
			signal.FlakyTests = append(signal.FlakyTests, testName)
			continue
		}
		signal.ReliableTests = append(signal.ReliableTests, testName)
		// All snippets of the test feed one scraping pass, so stack frames
		// split across attempts still line up.
		extractFiles(c, signal, strings.Join(outcome.snippets, "\n"), false)
	}
	sort.Strings(signal.ReliableTests)
	sort.Strings(signal.FlakyTests)
	return signal, nil
}

func decodeSnippet(c context.Context, testName string, snippetBase64 string) string {
	if snippetBase64 == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(snippetBase64)
	if err != nil {
		logging.Warningf(c, "Cannot decode output snippet of %s: %v", testName, err)
		return ""
	}
	return string(decoded)
}
