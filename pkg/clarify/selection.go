package clarify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jdziat/durable-research/pkg/core"
)

// CallbackPrefix tags clarification callbacks.
const CallbackPrefix = "research_focus"

// AllText is the clarification recorded for the "all" choice.
const AllText = "comprehensive overview covering all aspects"

// Kind discriminates a Selection.
type Kind int

const (
	KindFocus Kind = iota
	KindAll
	KindCustom
)

// Selection is what the user picked from the clarification menu.
type Selection struct {
	Kind  Kind
	Index int // Zero-based, for KindFocus
}

// FocusIndex selects the n-th offered focus area.
func FocusIndex(n int) Selection { return Selection{Kind: KindFocus, Index: n} }

// All selects every focus area.
func All() Selection { return Selection{Kind: KindAll} }

// Custom asks for a typed answer.
func Custom() Selection { return Selection{Kind: KindCustom} }

// String returns the wire token: the index, "all" or "custom".
func (s Selection) String() string {
	switch s.Kind {
	case KindAll:
		return "all"
	case KindCustom:
		return "custom"
	default:
		return strconv.Itoa(s.Index)
	}
}

// Resolve turns the selection into the clarification text. Custom has no
// text of its own and is rejected.
func (s Selection) Resolve(choices []string) (string, error) {
	switch s.Kind {
	case KindAll:
		return AllText, nil
	case KindFocus:
		if s.Index < 0 || s.Index >= len(choices) {
			return "", fmt.Errorf("%w: choice %d of %d", core.ErrInvalidCallback, s.Index, len(choices))
		}
		return choices[s.Index], nil
	default:
		return "", fmt.Errorf("%w: %s has no text", core.ErrInvalidCallback, s)
	}
}

// FormatCallback encodes a selection for jobID.
func FormatCallback(jobID string, s Selection) string {
	return CallbackPrefix + ":" + jobID + ":" + s.String()
}

// ParseCallback decodes callback data. Data that is not a clarification
// callback yields core.ErrNotClarification so callers can route it elsewhere.
func ParseCallback(data string) (string, Selection, error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) == 0 || parts[0] != CallbackPrefix {
		return "", Selection{}, core.ErrNotClarification
	}
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", Selection{}, fmt.Errorf("%w: %q", core.ErrInvalidCallback, data)
	}

	jobID, token := parts[1], parts[2]
	switch token {
	case "all":
		return jobID, All(), nil
	case "custom":
		return jobID, Custom(), nil
	}
	n, err := strconv.Atoi(token)
	if err != nil || n < 0 {
		return "", Selection{}, fmt.Errorf("%w: %q", core.ErrInvalidCallback, data)
	}
	return jobID, FocusIndex(n), nil
}
