package security

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/jdziat/durable-research/pkg/core"
)

const (
	MaxNameLength   = 255     // handler and queue names
	MaxHandleLength = 191     // fits a utf8mb4 unique index
	MaxArgsSize     = 1 << 20 // encoded run arguments, in bytes
	MaxAttempts     = 100     // per run
	MaxConcurrency  = 1000    // slots per queue
	MaxErrorLength  = 4096    // runes kept of a stored error
	MaxAnswerLength = 1000    // runes kept of a typed clarification answer
)

var (
	namePattern   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)
	handlePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.]*$`) // uuids start with a digit
)

func checkName(s string, invalid, tooLong error) error {
	switch {
	case len(s) > MaxNameLength:
		return tooLong
	case !namePattern.MatchString(s):
		return invalid
	}
	return nil
}

// ValidateHandlerName checks a name passed to Queue.Register.
func ValidateHandlerName(name string) error {
	return checkName(name, core.ErrInvalidHandlerName, core.ErrHandlerNameTooLong)
}

// ValidateQueueName checks a queue name.
func ValidateQueueName(name string) error {
	return checkName(name, core.ErrInvalidQueueName, core.ErrQueueNameTooLong)
}

// ValidateHandle checks an explicit run handle such as a job id.
func ValidateHandle(handle string) error {
	if len(handle) > MaxHandleLength || !handlePattern.MatchString(handle) {
		return core.ErrInvalidHandle
	}
	return nil
}

// CleanText drops control characters other than tab and newlines and cuts
// s to limit runes, marking a cut with "...".
func CleanText(s string, limit int) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, s)
	if limit <= 3 {
		return s
	}
	if runes := []rune(s); len(runes) > limit {
		return string(runes[:limit-3]) + "..."
	}
	return s
}

// CleanError prepares an error message for storage.
func CleanError(msg string) string {
	return CleanText(msg, MaxErrorLength)
}

func clamp(n, hi int) int {
	return min(max(n, 1), hi)
}

// ClampAttempts bounds an attempt budget to [1, MaxAttempts].
func ClampAttempts(n int) int { return clamp(n, MaxAttempts) }

// ClampConcurrency bounds a slot count to [1, MaxConcurrency].
func ClampConcurrency(n int) int { return clamp(n, MaxConcurrency) }
