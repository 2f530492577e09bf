package agent

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codescout/pkg/models"
)

// Framework describes how one test ecosystem is detected and invoked.
type Framework struct {
	Name    string
	Markers []string
	Command []string

	// SourceExt maps dotted class paths from failure output to files, e.g.
	// com.x.Y -> com/x/Y.java. Empty means failure identifiers are used
	// verbatim.
	SourceExt string
}

// frameworks are probed in order; the first marker hit wins.
var frameworks = []Framework{
	{Name: "maven", Markers: []string{"pom.xml"}, Command: []string{"mvn", "-B", "test"}, SourceExt: ".java"},
	{Name: "gradle", Markers: []string{"build.gradle", "build.gradle.kts"}, Command: []string{"gradle", "test", "--console=plain"}, SourceExt: ".java"},
	{Name: "go", Markers: []string{"go.mod"}, Command: []string{"go", "test", "./..."}},
	{Name: "npm", Markers: []string{"package.json"}, Command: []string{"npm", "test", "--silent"}},
	{Name: "pytest", Markers: []string{"pyproject.toml", "requirements.txt"}, Command: []string{"pytest", "-q"}},
}

// DetectFramework probes the repository root for build-manifest markers.
func DetectFramework(dir string) (*Framework, bool) {
	for i := range frameworks {
		for _, marker := range frameworks[i].Markers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return &frameworks[i], true
			}
		}
	}
	return nil, false
}

// TestFailure is one failing test extracted from the run output.
type TestFailure struct {
	Class   string `json:"class,omitempty"`
	Method  string `json:"method"`
	Message string `json:"message,omitempty"`
}

// TestResult summarizes one sandboxed test run. Executed false means no
// framework was detected or tests were disabled; the review proceeds
// without test evidence.
type TestResult struct {
	Executed  bool          `json:"executed"`
	Framework string        `json:"framework,omitempty"`
	Total     int           `json:"total"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	ExitCode  int           `json:"exit_code"`
	Failures  []TestFailure `json:"failures,omitempty"`
}

var (
	// surefire-style run summary: Tests run: 12, Failures: 2, Errors: 1, Skipped: 3
	countsRe = regexp.MustCompile(`Tests run: (\d+), Failures: (\d+), Errors: (\d+), Skipped: (\d+)`)

	// class#method tokens on failure lines: com.x.OrderTest#rejectsNegative
	classMethodRe = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.]*\.[A-Z][A-Za-z0-9_]*)#([A-Za-z_][A-Za-z0-9_]*)`)

	// go test failure markers: --- FAIL: TestParse
	goFailRe = regexp.MustCompile(`--- FAIL: ([A-Za-z_][A-Za-z0-9_/]*)`)
)

// ParseTestOutput extracts counts and failure identities from a run's
// combined output. Parsing is best-effort: output that matches nothing
// still yields an executed result with the exit code.
func ParseTestOutput(framework *Framework, stdout, stderr string, exitCode int, duration time.Duration) *TestResult {
	result := &TestResult{
		Executed:  true,
		Framework: framework.Name,
		ExitCode:  exitCode,
		Duration:  duration,
	}

	output := stdout + "\n" + stderr

	// The summary line can repeat per module; the last one is the total.
	if matches := countsRe.FindAllStringSubmatch(output, -1); len(matches) > 0 {
		m := matches[len(matches)-1]
		total, _ := strconv.Atoi(m[1])
		failures, _ := strconv.Atoi(m[2])
		errs, _ := strconv.Atoi(m[3])
		skipped, _ := strconv.Atoi(m[4])
		result.Total = total
		result.Failed = failures + errs
		result.Skipped = skipped
		result.Passed = total - result.Failed - skipped
	}

	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "FAIL") {
			continue
		}
		if m := classMethodRe.FindStringSubmatch(line); m != nil {
			key := m[1] + "#" + m[2]
			if !seen[key] {
				seen[key] = true
				result.Failures = append(result.Failures, TestFailure{
					Class:   m[1],
					Method:  m[2],
					Message: strings.TrimSpace(line),
				})
			}
			continue
		}
		if m := goFailRe.FindStringSubmatch(line); m != nil && !seen[m[1]] {
			seen[m[1]] = true
			result.Failures = append(result.Failures, TestFailure{
				Method:  m[1],
				Message: strings.TrimSpace(line),
			})
		}
	}

	if result.Failed == 0 && len(result.Failures) > 0 {
		result.Failed = len(result.Failures)
	}
	return result
}

// MapFailures converts failing tests to findings: one per failure, at the
// file derived from its class path, severity error, full confidence,
// source tests.
func MapFailures(result *TestResult, framework *Framework) []models.Finding {
	if result == nil || !result.Executed {
		return nil
	}

	findings := make([]models.Finding, 0, len(result.Failures))
	for _, failure := range result.Failures {
		file := failure.Class
		if framework.SourceExt != "" && failure.Class != "" {
			file = strings.ReplaceAll(failure.Class, ".", "/") + framework.SourceExt
		}
		if file == "" {
			file = failure.Method
		}

		suggestion := failure.Message
		if suggestion == "" {
			suggestion = "Investigate the failing test."
		}

		findings = append(findings, models.Finding{
			File:                  file,
			StartLine:             1,
			Severity:              models.SeverityError,
			Title:                 "Test Failed: " + failure.Method,
			Suggestion:            suggestion,
			ConfidenceScore:       1.0,
			ConfidenceExplanation: "Deterministic test failure.",
			Source:                models.SourceTests,
		})
	}
	return findings
}
