// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package model

import "sort"

type HeuristicAnalysisResult struct {
	// A slice of possible culprits, sorted by confidence descendingly
	Items []*HeuristicAnalysisResultItem
}

type HeuristicAnalysisResultItem struct {
	Commit    string
	ReviewUrl string
	// Commit position of the commit, used as tie-breaker. Commits without
	// a parseable position get position 0 and win ties, they have been in
	// the blame list the longest.
	CommitPosition int
	Justification  *SuspectJustification
}

// AddItem adds a suspect to HeuristicAnalysisResult.
func (r *HeuristicAnalysisResult) AddItem(commit string, reviewUrl string, commitPosition int, justification *SuspectJustification) {
	item := &HeuristicAnalysisResultItem{
		Commit:         commit,
		ReviewUrl:      reviewUrl,
		CommitPosition: commitPosition,
		Justification:  justification,
	}
	r.Items = append(r.Items, item)
}

// Sort items descendingly based on confidence (commits more likely to be
// the culprit come first). Ties are broken by ascending commit position:
// the older commit wins, it was in the blame list longer.
func (r *HeuristicAnalysisResult) Sort() {
	sort.SliceStable(r.Items, func(i, j int) bool {
		si := r.Items[i].Justification.GetScore()
		sj := r.Items[j].Justification.GetScore()
		if si != sj {
			return si > sj
		}
		return r.Items[i].CommitPosition < r.Items[j].CommitPosition
	})
}
