package processor

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"errorwatch.app/pipeline/internal/model"
)

const maxFrames = 5

var (
	errorTypePattern = regexp.MustCompile(`^([A-Z][a-zA-Z]*Error):`)
	chromeFrame      = regexp.MustCompile(`at\s+(?:(.+?)\s+\()?\s*(.+?):(\d+):(\d+)\)?`)
	firefoxFrame     = regexp.MustCompile(`^(.+?)@(.+?):(\d+):(\d+)`)
)

// ErrorType extracts the leading "SomethingError:" name from a message.
func ErrorType(message string) string {
	if m := errorTypePattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	return "Error"
}

// StackFrames returns up to five "function:line:column" frames from a V8 or
// Firefox style stack trace.
func StackFrames(stack string) []string {
	var frames []string
	for _, line := range strings.Split(stack, "\n") {
		if len(frames) >= maxFrames {
			break
		}
		m := chromeFrame.FindStringSubmatch(line)
		if m == nil {
			m = firefoxFrame.FindStringSubmatch(line)
		}
		if m == nil {
			continue
		}
		fn := m[1]
		if fn == "" {
			fn = "anonymous"
		}
		frames = append(frames, fn+":"+m[3]+":"+m[4])
	}
	return frames
}

func normalizeFile(file string) string {
	file, _, _ = strings.Cut(file, "?")
	file, _, _ = strings.Cut(file, "#")
	return file
}

// FingerprintInput is what the default grouping hashes.
type FingerprintInput struct {
	ProjectID string
	Message   string
	File      string
	Line      int
	Column    *int
	Stack     string
}

// DefaultFingerprint groups by error type, normalized file, position, stack
// depth and the top three frames.
func DefaultFingerprint(in FingerprintInput) string {
	frames := StackFrames(in.Stack)
	top := frames
	if len(top) > 3 {
		top = top[:3]
	}

	column := ""
	if in.Column != nil {
		column = strconv.Itoa(*in.Column)
	}

	return sha1Hex(strings.Join([]string{
		in.ProjectID,
		ErrorType(in.Message),
		normalizeFile(in.File),
		strconv.Itoa(in.Line),
		column,
		strconv.Itoa(len(frames)),
		strings.Join(top, "|"),
	}, "|"))
}

// Fingerprint applies the first matching custom rule (rules ordered by
// priority, highest first) and falls back to DefaultFingerprint.
// Rules with invalid patterns are skipped.
func Fingerprint(in FingerprintInput, rules []model.FingerprintRule) string {
	ordered := slices.Clone(rules)
	slices.SortStableFunc(ordered, func(a, b model.FingerprintRule) int {
		return b.Priority - a.Priority
	})

	for _, rule := range ordered {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			slog.Debug("skipping invalid fingerprint rule", "pattern", rule.Pattern, "error", err)
			continue
		}
		if re.MatchString(in.Message) {
			return sha1Hex(in.ProjectID + "|custom|" + rule.GroupKey)
		}
	}
	return DefaultFingerprint(in)
}

// replayFingerprint groups errors reported alongside a replay bundle.
func replayFingerprint(projectID, message, file string, line int) string {
	return sha1Hex(fmt.Sprintf("%s|%s|%s|%d", projectID, message, file, line))
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
