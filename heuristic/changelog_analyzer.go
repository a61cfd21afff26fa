// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package heuristic

import (
	"context"
	"math"
	"path/filepath"
	"strings"

	"go.chromium.org/luci/common/logging"

	"flaketriage/model"
)

// Per-feature probabilities that a change of the given kind caused the
// failure. Confidence is accumulated in log space, so one feature assigning
// zero probability vetoes the suspect.
const (
	// The changed file itself appears in the failure log.
	probSameFileInLog = 0.995
	// A related file (x.h vs x_impl.cc, source vs object file) appears in
	// the failure log.
	probRelatedFileInLog = 0.8
	// A related file appears in the dependencies of a failed edge.
	probRelatedDependency = 0.6
)

var (
	scoreSameFile    = math.Log(probSameFileInLog)
	scoreRelatedFile = math.Log(probRelatedFileInLog)
	scoreDependency  = math.Log(probRelatedDependency)
	// log(0): the feature rules the suspect out entirely.
	scoreImpossible = math.Inf(-1)
)

func extension(filePath string) string {
	return strings.TrimPrefix(filepath.Ext(filePath), ".")
}

// nonBlamableEmails are authors whose commits are mechanical (release
// bumps, DEPS rolls) and should not be blamed directly.
var nonBlamableEmails = []string{
	"chrome-release-bot@chromium.org",
	"chrome-metrics-team+robot@google.com",
}

var relatedExtensionGroups = [][]string{
	{"h", "hh", "c", "cc", "cpp", "m", "mm", "o", "obj"},
	{"py", "pyc"},
	{"gyp", "gypi"},
}

var commonSuffixes = []string{
	"impl",
	"browser_tests",
	"browser_test",
	"browsertest",
	"browsertests",
	"unittests",
	"unittest",
	"tests",
	"test",
	"gcc",
	"msvc",
	"arm",
	"arm64",
	"mips",
	"portable",
	"x86",
	"android",
	"ios",
	"linux",
	"mac",
	"ozone",
	"posix",
	"win",
	"aura",
	"x",
	"x11",
}

// AnalyzeChangeLogs scores the changelogs of a regression range against a
// failure signal and returns the suspects, most confident first.
func AnalyzeChangeLogs(c context.Context, signal *model.FailureSignal, changelogs []*model.ChangeLog) (*model.HeuristicAnalysisResult, error) {
	result := &model.HeuristicAnalysisResult{}
	for _, changelog := range changelogs {
		justification, err := AnalyzeOneChangeLog(c, signal, changelog)
		if err != nil {
			return nil, err
		}
		if justification.IsNonBlamable || len(justification.Items) == 0 {
			continue
		}
		if justification.IsVetoed() {
			logging.Infof(c, "Commit %s vetoed: %s", changelog.Commit, justification.GetReasons())
			continue
		}
		// Review URL and commit position are informational, a commit
		// without them is still a valid suspect.
		reviewUrl, err := changelog.GetReviewUrl()
		if err != nil {
			logging.Warningf(c, "No review url for commit %s", changelog.Commit)
		}
		commitPosition, err := changelog.GetCommitPosition()
		if err != nil {
			commitPosition = 0
		}
		result.AddItem(changelog.Commit, reviewUrl, commitPosition, justification)
	}
	result.Sort()
	return result, nil
}

// AnalyzeOneChangeLog computes the justification of one changelog against
// the failure signal.
func AnalyzeOneChangeLog(c context.Context, signal *model.FailureSignal, changelog *model.ChangeLog) (*model.SuspectJustification, error) {
	for _, email := range nonBlamableEmails {
		if changelog.Author.Email == email {
			return &model.SuspectJustification{IsNonBlamable: true}, nil
		}
	}

	justification := &model.SuspectJustification{}
	for filePath, lines := range signal.Files {
		for i := range changelog.ChangeLogDiffs {
			checkFileDiff(justification, filePath, lines, &changelog.ChangeLogDiffs[i], false)
		}
	}
	for _, edge := range signal.Edges {
		for _, dependency := range edge.Dependencies {
			for i := range changelog.ChangeLogDiffs {
				checkFileDiff(justification, dependency, nil, &changelog.ChangeLogDiffs[i], true)
			}
		}
	}
	justification.Sort()
	return justification, nil
}

// checkFileDiff matches one changed file of a commit against one file in
// the failure log (or a failed edge dependency) and updates the
// justification.
func checkFileDiff(justification *model.SuspectJustification, fileInLog string, lines []int, diff *model.ChangeLogDiff, isDependency bool) {
	switch diff.Type {
	case model.ChangeType_MODIFY:
		checkOneChange(justification, "modified", diff.NewPath, fileInLog, lines, isDependency)
	case model.ChangeType_ADD, model.ChangeType_COPY:
		checkOneChange(justification, "added", diff.NewPath, fileInLog, lines, isDependency)
	case model.ChangeType_DELETE:
		checkOneChange(justification, "deleted", diff.OldPath, fileInLog, lines, isDependency)
	case model.ChangeType_RENAME:
		checkOneChange(justification, "added", diff.NewPath, fileInLog, lines, isDependency)
		checkOneChange(justification, "deleted", diff.OldPath, fileInLog, lines, isDependency)
	}
}

func checkOneChange(justification *model.SuspectJustification, action string, changedFile string, fileInLog string, lines []int, isDependency bool) {
	if changedFile == "" {
		return
	}
	normalized := NormalizeObjectFilePath(stripRootDirectory(fileInLog))

	if IsSameFile(changedFile, normalized) {
		if action == "deleted" && len(lines) > 0 {
			// The failing tree still compiles lines of this file, so a
			// commit deleting it outright cannot be in the failing tree.
			justification.AddItem(scoreImpossible, changedFile,
				quoted(changedFile)+" was deleted but it still has failing lines in the failure log.")
			return
		}
		justification.AddItem(scoreSameFile, changedFile,
			"The file "+quoted(changedFile)+" was "+action+" and it was in the failure log.")
		return
	}

	if IsRelated(changedFile, normalized) {
		score := scoreRelatedFile
		if isDependency {
			score = scoreDependency
		}
		justification.AddItem(score, changedFile,
			"The file "+quoted(changedFile)+" was "+action+". It was related to the file "+fileInLog+" which was in the failure log.")
	}
}

func quoted(s string) string {
	return `"` + s + `"`
}

// stripRootDirectory makes a log file path relative to the source root.
func stripRootDirectory(filePath string) string {
	return strings.TrimPrefix(filePath, "src/")
}

// IsSameFile checks if the changed file and the file in the failure log
// refer to the same file. Paths in logs may be deeper or shallower than the
// repo-relative path, so suffix matches count.
func IsSameFile(changedFile string, fileInLog string) bool {
	if changedFile == fileInLog {
		return true
	}
	if strings.HasSuffix(changedFile, "/"+fileInLog) {
		return true
	}
	return strings.HasSuffix(fileInLog, "/"+changedFile)
}

// IsRelated checks if two files are related, e.g. x.h vs x_impl.cc, a
// source file vs its object file, file_win.cc vs file_mac.cc.
func IsRelated(changedFile string, fileInLog string) bool {
	if !AreRelelatedExtensions(extension(changedFile), extension(fileInLog)) {
		return false
	}
	return IsSameFile(StripExtensionAndCommonSuffix(changedFile), StripExtensionAndCommonSuffix(fileInLog))
}

// AreRelelatedExtensions checks if the extensions are in the same group.
func AreRelelatedExtensions(extension1 string, extension2 string) bool {
	for _, group := range relatedExtensionGroups {
		in1 := false
		in2 := false
		for _, ext := range group {
			if ext == extension1 {
				in1 = true
			}
			if ext == extension2 {
				in2 = true
			}
		}
		if in1 && in2 {
			return true
		}
	}
	return false
}

// NormalizeObjectFilePath normalizes the file path to an c/c++ object file.
// During compile, a/b/c/file.cc in TARGET will be compiled into object file
// obj/a/b/c/TARGET.file.o, so "obj/" and TARGET need to be removed from the
// path. Non-object files are returned unchanged.
func NormalizeObjectFilePath(filePath string) string {
	if !strings.HasSuffix(filePath, ".o") && !strings.HasSuffix(filePath, ".obj") {
		return filePath
	}
	filePath = strings.TrimPrefix(filePath, "obj/")
	dir := filepath.Dir(filePath)
	name := filepath.Base(filePath)
	parts := strings.SplitN(name, ".", 2)
	if len(parts) == 2 && (strings.HasSuffix(parts[1], ".o") || strings.HasSuffix(parts[1], ".obj")) {
		objectFile := parts[1]
		stem := strings.TrimSuffix(strings.TrimSuffix(objectFile, filepath.Ext(objectFile)), ".")
		// Special case for file.cc.obj and similar names.
		switch stem {
		case "c", "cc", "cpp", "m", "mm":
		default:
			name = parts[1]
		}
	}
	if dir != "." {
		return dir + "/" + name
	}
	return name
}

// StripExtensionAndCommonSuffix strips the extension and common suffixes
// from the file name, to guess relations between files.
// e.g. file_impl.cc, file_unittest.cc, file_impl_mac.h -> file
func StripExtensionAndCommonSuffix(filePath string) string {
	dir := filepath.Dir(filePath)
	name := filepath.Base(filePath)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	for {
		stripped := name
		for _, suffix := range commonSuffixes {
			stripped = strings.TrimSuffix(stripped, "_"+suffix)
		}
		if stripped == name {
			break
		}
		name = stripped
	}
	if dir != "." {
		return dir + "/" + name
	}
	return name
}
