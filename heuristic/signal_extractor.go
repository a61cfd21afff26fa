// Copyright 2022 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package heuristic

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"flaketriage/model"
	"flaketriage/util"
)

const (
	// Patterns for Python stack trace frames.
	PYTHON_STACK_TRACE_FRAME_PATTERN_1 = `File "(?P<file>.+\.py)", line (?P<line>[0-9]+), in (?P<function>.+)`
	PYTHON_STACK_TRACE_FRAME_PATTERN_2 = `(?P<function>[^\s]+) at (?P<file>.+\.py):(?P<line>[0-9]+)`
	// Match file path separator: "/", "//", "\", "\\".
	PATH_SEPARATOR_PATTERN = `(?:/{1,2}|\\{1,2})`

	// Match drive root directory on Windows, like "C:/" or "C:\\".
	WINDOWS_ROOT_PATTERN = `[a-zA-Z]:` + PATH_SEPARATOR_PATTERN

	// Match system root directory on Linux/Mac.
	UNIX_ROOT_PATTERN = `/+`

	// Match system/drive root on Linux/Mac/Windows.
	ROOT_DIR_PATTERN = "(?:" + WINDOWS_ROOT_PATTERN + "|" + UNIX_ROOT_PATTERN + ")"

	// Match file/directory names and also match ., ..
	FILE_NAME_PATTERN = `[\w\.-]+`
)

// ExtractSignals extracts the failure signal for heuristic analysis from
// the logs of a failed compile step.
func ExtractSignals(c context.Context, compileLogs *model.CompileLogs) (*model.FailureSignal, error) {
	if compileLogs.NinjaLog == nil && compileLogs.StdOutLog == "" {
		return nil, errors.Reason("unable to extract signals from empty logs").Err()
	}
	// Prioritise extracting signals from ninja logs instead of stdout logs
	if compileLogs.NinjaLog != nil {
		return ExtractSignalsFromNinjaLog(c, compileLogs.NinjaLog)
	}
	return ExtractSignalsFromStdoutLog(c, compileLogs.StdOutLog)
}

// ExtractSignalsFromNinjaLog extracts the failure signal from a ninja log.
// Malformed failure entries are skipped with a warning, one bad edge must
// not discard the signal of its siblings.
func ExtractSignalsFromNinjaLog(c context.Context, ninjaLog *model.NinjaLog) (*model.FailureSignal, error) {
	signal := &model.FailureSignal{}
	for i, failure := range ninjaLog.Failures {
		if failure == nil || len(failure.OutputNodes) == 0 {
			logging.Warningf(c, "Skipping malformed ninja failure entry %d", i)
			continue
		}
		edge := &model.FailureSignalEdge{
			Rule:         failure.Rule,
			OutputNodes:  failure.OutputNodes,
			Dependencies: normalizeDependencies(failure.Dependencies),
		}
		signal.Edges = append(signal.Edges, edge)
		signal.Nodes = append(signal.Nodes, failure.OutputNodes...)
		extractFiles(c, signal, failure.Output, true)
	}
	return signal, nil
}

// ExtractSignalsFromStdoutLog extracts the failure signal from the raw
// stdout of a step. This is the fallback when no structured log exists.
func ExtractSignalsFromStdoutLog(c context.Context, log string) (*model.FailureSignal, error) {
	signal := &model.FailureSignal{}
	extractFiles(c, signal, log, false)
	return signal, nil
}

// extractFiles scrapes file paths and line numbers from step output.
// Unparseable lines are skipped with a warning.
func extractFiles(c context.Context, signal *model.FailureSignal, output string, skipFirstLine bool) {
	pythonPatterns := []*regexp.Regexp{
		regexp.MustCompile(PYTHON_STACK_TRACE_FRAME_PATTERN_1),
		regexp.MustCompile(PYTHON_STACK_TRACE_FRAME_PATTERN_2),
	}
	filePathLinePattern := regexp.MustCompile(getFileLinePathPattern())

	lines := strings.Split(output, "\n")
	for i, line := range lines {
		// The first line of a ninja failure is the command line, full of
		// source paths that are not signals.
		if i == 0 && skipFirstLine {
			continue
		}
		// Check if the line matches python pattern
		matchedPython := false
		for _, pythonPattern := range pythonPatterns {
			matches, err := util.MatchedNamedGroup(pythonPattern, line)
			if err == nil {
				pyLine, err := strconv.Atoi(matches["line"])
				if err != nil {
					logging.Warningf(c, "Invalid line number in %q", line)
					continue
				}
				signal.AddLine(util.NormalizeFilePath(matches["file"]), pyLine)
				matchedPython = true
				continue
			}
		}
		if matchedPython {
			continue
		}
		// Non-python cases
		matches := filePathLinePattern.FindAllStringSubmatch(line, -1)
		for _, match := range matches {
			if len(match) != 3 {
				logging.Warningf(c, "Unexpected match in %q", line)
				continue
			}
			// match[1] is file, match[2] is line number
			if match[2] == "" {
				signal.AddFilePath(util.NormalizeFilePath(match[1]))
			} else {
				lineInt, err := strconv.Atoi(match[2])
				if err != nil {
					logging.Warningf(c, "Invalid line number in %q", line)
					continue
				}
				signal.AddLine(util.NormalizeFilePath(match[1]), lineInt)
			}
		}
	}
}

func normalizeDependencies(dependencies []string) []string {
	result := []string{}
	for _, dependency := range dependencies {
		result = append(result, util.NormalizeFilePath(dependency))
	}
	return result
}

/*
	Match a full file path and line number.
	It could match files with or without line numbers like below:
		c:\\a\\b.txt:12
		c:\a\b.txt(123)
		c:\a\b.txt:[line 123]
		D:/a/b.txt
		/a/../b/./c.txt
		a/b/c.txt
		//BUILD.gn:246
*/
func getFileLinePathPattern() string {
	pattern := `(`
	pattern += ROOT_DIR_PATTERN + "?"                                    // System/Drive root directory.
	pattern += `(?:` + FILE_NAME_PATTERN + PATH_SEPARATOR_PATTERN + `)*` // Directories.
	pattern += FILE_NAME_PATTERN + `\.` + getFileExtensionPattern()
	pattern += `)`                           // File name and extension.
	pattern += `(?:(?:[\(:]|\[line )(\d+))?` // Line number might not be available.
	return pattern
}

// getFileExtensionPattern matches supported file extensions.
// Sort extension list to avoid non-full match like 'c' matching 'c' in 'cpp'.
func getFileExtensionPattern() string {
	extensions := getSupportedFileExtension()
	sort.Sort(sort.Reverse(sort.StringSlice(extensions)))
	return fmt.Sprintf("(?:%s)", strings.Join(extensions, "|"))
}

// getSupportedFileExtension get file extensions to filter out files from log.
func getSupportedFileExtension() []string {
	return []string{
		"c",
		"cc",
		"cpp",
		"css",
		"exe",
		"gn",
		"gni",
		"gyp",
		"gypi",
		"h",
		"hh",
		"html",
		"idl",
		"isolate",
		"java",
		"js",
		"json",
		"m",
		"mm",
		"mojom",
		"nexe",
		"o",
		"obj",
		"py",
		"pyc",
		"rc",
		"sh",
		"sha1",
		"txt",
	}
}
