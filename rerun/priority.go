// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package rerun

import "flaketriage/model"

// Swarming priorities for rerun builds. Lower value runs sooner.
const (
	PriorityCulpritVerification int32 = 60
	PriorityNthSection          int32 = 100
	PriorityOffPeak             int32 = 200

	// Swarming only accepts priorities in [20..255].
	MinPriority int32 = 20
	MaxPriority int32 = 255
)

// CapPriority caps the priority into the range swarming accepts.
func CapPriority(priority int32) int32 {
	if priority < MinPriority {
		return MinPriority
	}
	if priority > MaxPriority {
		return MaxPriority
	}
	return priority
}

// PriorityFor returns the capped priority for a rerun, taking deferrals
// into account: a run forced off-peak yields to everything else.
func PriorityFor(rerunType model.RerunType, offPeak bool) int32 {
	if offPeak {
		return CapPriority(PriorityOffPeak)
	}
	if rerunType == model.RerunType_CulpritVerify {
		return CapPriority(PriorityCulpritVerification)
	}
	return CapPriority(PriorityNthSection)
}
