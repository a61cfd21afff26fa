// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import (
	"math"
	"sort"
	"strings"
)

// SuspectJustification describes why a commit is a suspect.
// Each item carries the log-probability contribution of one feature for one
// file. The total confidence is the sum of the contributions, equivalent to
// multiplying independent probabilities in linear space.
type SuspectJustification struct {
	IsNonBlamable bool
	Items         []*SuspectJustificationItem
}

// SuspectJustificationItem is one reason for a suspect.
type SuspectJustificationItem struct {
	// Score is the log-probability contribution, in (-inf, 0].
	Score    float64
	FilePath string
	Reason   string
}

// GetScore returns the total confidence of the suspect as the sum of
// per-feature log-probabilities.
func (j *SuspectJustification) GetScore() float64 {
	score := 0.0
	for _, item := range j.Items {
		score += item.Score
	}
	return score
}

// IsVetoed reports whether some feature assigned zero probability to this
// suspect. A single strongly-disconfirming feature filters the suspect out
// regardless of the other features.
func (j *SuspectJustification) IsVetoed() bool {
	return math.IsInf(j.GetScore(), -1)
}

// GetReasons returns the reasons of the suspect, one per line, most
// confident first.
func (j *SuspectJustification) GetReasons() string {
	reasons := make([]string, len(j.Items))
	for i, item := range j.Items {
		reasons[i] = item.Reason
	}
	return strings.Join(reasons, "\n")
}

// AddItem adds one feature's contribution for a file.
// If an item for the same file already exists, the reason is appended to
// the existing item (never overwritten) and the scores accumulate.
func (j *SuspectJustification) AddItem(score float64, filePath string, reason string) {
	for _, item := range j.Items {
		if item.FilePath == filePath {
			item.Score += score
			item.Reason = item.Reason + "\n" + reason
			return
		}
	}
	item := &SuspectJustificationItem{
		Score:    score,
		FilePath: filePath,
		Reason:   reason,
	}
	j.Items = append(j.Items, item)
}

// Sort sorts the items by descending score. Ties keep insertion order so
// reasons stay stable across feature evaluation orders.
func (j *SuspectJustification) Sort() {
	sort.SliceStable(j.Items, func(i, k int) bool {
		return j.Items[i].Score > j.Items[k].Score
	})
}
