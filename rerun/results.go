// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rerun

import (
	"context"
	"encoding/json"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"flaketriage/model"
)

// CompileRerunResult is the parsed result of a compile rerun, keyed by
// step name.
type CompileRerunResult map[string]*CompileStepResult

// CompileStepResult holds the failed edges of one compile step, keyed by
// the comma-joined output targets of the edge.
type CompileStepResult struct {
	Failures map[string]*CompileEdgeFailure `json:"failures"`
}

// CompileEdgeFailure describes one failed edge.
type CompileEdgeFailure struct {
	Rule string `json:"rule"`
}

// FailedTargets flattens the failed output targets of the step.
func (r *CompileStepResult) FailedTargets() []string {
	targets := []string{}
	for joined := range r.Failures {
		targets = append(targets, strings.Split(joined, ",")...)
	}
	return targets
}

// ParseCompileRerunResult parses the JSON result of a compile rerun.
func ParseCompileRerunResult(data string) (CompileRerunResult, error) {
	result := CompileRerunResult{}
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, errors.Annotate(err, "parsing compile rerun result").Err()
	}
	return result, nil
}

// TestStepResult is the result of one test step at one revision.
type TestStepResult struct {
	Status string `json:"status"`
	// Valid is false when the step could not produce a trustworthy result
	// (e.g. the harness crashed). Invalid results are inconclusive.
	Valid    bool     `json:"valid"`
	Failures []string `json:"failures"`
}

// TestRerunResult is the parsed result of a test rerun, keyed by revision
// then step name.
type TestRerunResult map[string]map[string]*TestStepResult

// ParseTestRerunResult parses the JSON result of a test rerun.
func ParseTestRerunResult(data string) (TestRerunResult, error) {
	result := TestRerunResult{}
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, errors.Annotate(err, "parsing test rerun result").Err()
	}
	return result, nil
}

// DetermineRerunStatus derives the rerun outcome for the analysed failure
// from the raw rerun result JSON.
func DetermineRerunStatus(c context.Context, fa *model.FailureAnalysis, rerun *model.SingleRerun, data string) model.RerunStatus {
	switch fa.FailureType {
	case model.BuildFailureType_Compile:
		result, err := ParseCompileRerunResult(data)
		if err != nil {
			logging.Warningf(c, "Unparseable compile rerun result of build %d: %v", rerun.Id, err)
			return model.RerunStatus_InfraFailed
		}
		stepResult, ok := result[fa.StepName]
		if !ok || len(stepResult.Failures) == 0 {
			return model.RerunStatus_Passed
		}
		return model.RerunStatus_Failed
	case model.BuildFailureType_Test:
		result, err := ParseTestRerunResult(data)
		if err != nil {
			logging.Warningf(c, "Unparseable test rerun result of build %d: %v", rerun.Id, err)
			return model.RerunStatus_InfraFailed
		}
		revisionResult, ok := result[rerun.GitilesCommit.Id]
		if !ok {
			return model.RerunStatus_InfraFailed
		}
		stepResult, ok := revisionResult[fa.StepName]
		if !ok || !stepResult.Valid {
			return model.RerunStatus_InfraFailed
		}
		if len(stepResult.Failures) == 0 && stepResult.Status == "passed" {
			return model.RerunStatus_Passed
		}
		return model.RerunStatus_Failed
	}
	return model.RerunStatus_InfraFailed
}
