// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import (
	"encoding/json"

	"go.chromium.org/luci/gae/service/datastore"
)

// FailureSignal represents the signal extracted from the logs of one failed
// step. For compile steps it carries the failed edges of the build graph,
// for test steps the reliably failing tests. Files maps source file paths
// to the implicated line numbers.
//
// An empty (but non-nil) signal means extraction ran and found nothing
// actionable, which is different from a signal that was never computed.
type FailureSignal struct {
	Nodes []string
	Edges []*FailureSignalEdge
	// A map of {<file_path>:[lines]} represents failure positions in source file
	Files map[string][]int
	// Tests that failed in every attempt of every iteration.
	ReliableTests []string
	// Tests that failed at least once but also passed/were skipped at
	// least once. Excluded from scoring, recorded for flake tracking.
	FlakyTests []string
}

// FailureSignalEdge represents a failed edge in ninja failure log
type FailureSignalEdge struct {
	Rule         string // Rule is like CXX, CC...
	OutputNodes  []string
	Dependencies []string
}

func (s *FailureSignal) AddLine(filePath string, line int) {
	s.AddFilePath(filePath)
	for _, l := range s.Files[filePath] {
		if l == line {
			return
		}
	}
	s.Files[filePath] = append(s.Files[filePath], line)
}

func (s *FailureSignal) AddFilePath(filePath string) {
	if s.Files == nil {
		s.Files = map[string][]int{}
	}
	_, exist := s.Files[filePath]
	if !exist {
		s.Files[filePath] = []int{}
	}
}

// ToJSON serializes the signal for caching in datastore.
func (s *FailureSignal) ToJSON() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FailureSignalFromJSON deserializes a cached signal.
func FailureSignalFromJSON(data string) (*FailureSignal, error) {
	s := &FailureSignal{}
	if err := json.Unmarshal([]byte(data), s); err != nil {
		return nil, err
	}
	return s, nil
}

// StepFailureSignal caches an extracted FailureSignal per (build, step).
// Extraction is re-run only when no cached entity exists.
type StepFailureSignal struct {
	Id       int64          `gae:"$id"`
	Build    *datastore.Key `gae:"$parent"`
	StepName string         `gae:"step_name"`
	// JSON of FailureSignal.
	Signal string `gae:"signal,noindex"`
}

// NinjaLogFailure is one failed edge in the ninja log of a compile step.
type NinjaLogFailure struct {
	Rule         string   `json:"rule"`
	OutputNodes  []string `json:"output_nodes"`
	Dependencies []string `json:"dependencies"`
	Output       string   `json:"output"`
}

// NinjaLog is the parsed json.output[ninja_info] log of a compile step.
type NinjaLog struct {
	Failures []*NinjaLogFailure `json:"failures"`
}

// CompileLogs are the logs of a compile step used for signal extraction.
type CompileLogs struct {
	NinjaLog  *NinjaLog
	StdOutLog string
}
