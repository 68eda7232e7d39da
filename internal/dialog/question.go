package dialog

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind is the answer type a Question expects.
type Kind string

const (
	KindConfirm     Kind = "confirm"
	KindChoice      Kind = "choice"
	KindMultiSelect Kind = "multi_select"
	KindText        Kind = "text"
	KindNumber      Kind = "number"
)

// Question is a typed prompt. Options apply to choice and multi_select,
// Min/Max to number.
type Question struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"type"`
	Prompt   string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Default  any      `json:"default,omitempty"`
	Required bool     `json:"required,omitempty"`
}

// Turn is one recorded exchange. Turns are append-only.
type Turn struct {
	Question Question  `json:"question"`
	Answer   any       `json:"answer"`
	At       time.Time `json:"timestamp"`
}

// ChangeRecord is one modification of a requirement field. Append-only.
type ChangeRecord struct {
	ID     string    `json:"id"`
	Field  string    `json:"field"`
	Old    any       `json:"old_value"`
	New    any       `json:"new_value"`
	Reason string    `json:"reason"`
	At     time.Time `json:"timestamp"`
}

// Normalize validates value against the question's kind and constraints and
// returns it in canonical form (bool, string, []string or float64).
func (q Question) Normalize(value any) (any, error) {
	switch q.Kind {
	case KindConfirm:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a boolean, got %T", ErrInvalidAnswer, q.Kind, value)
		}
		return b, nil

	case KindChoice:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a string, got %T", ErrInvalidAnswer, q.Kind, value)
		}
		if len(q.Options) > 0 && !slices.Contains(q.Options, s) {
			return nil, fmt.Errorf("%w: %q is not one of the options", ErrInvalidAnswer, s)
		}
		return s, nil

	case KindMultiSelect:
		picked, err := toStrings(value)
		if err != nil {
			return nil, err
		}
		if len(picked) == 0 {
			return nil, fmt.Errorf("%w: at least one option must be selected", ErrInvalidAnswer)
		}
		for _, p := range picked {
			if len(q.Options) > 0 && !slices.Contains(q.Options, p) {
				return nil, fmt.Errorf("%w: %q is not one of the options", ErrInvalidAnswer, p)
			}
		}
		return picked, nil

	case KindText:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a string, got %T", ErrInvalidAnswer, q.Kind, value)
		}
		if q.Required && strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("%w: answer is required", ErrInvalidAnswer)
		}
		return s, nil

	case KindNumber:
		n, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		if q.Min != nil && n < *q.Min {
			return nil, fmt.Errorf("%w: %v is below the minimum %v", ErrInvalidAnswer, n, *q.Min)
		}
		if q.Max != nil && n > *q.Max {
			return nil, fmt.Errorf("%w: %v is above the maximum %v", ErrInvalidAnswer, n, *q.Max)
		}
		return n, nil
	}
	return nil, fmt.Errorf("%w: unsupported question type %q", ErrInvalidAnswer, q.Kind)
}

// ParseInput converts free-form text (as typed on a terminal) into a value
// suitable for Normalize. multi_select input is comma separated.
func (q Question) ParseInput(input string) (any, error) {
	input = strings.TrimSpace(input)
	switch q.Kind {
	case KindConfirm:
		switch strings.ToLower(input) {
		case "y", "yes", "true", "1":
			return true, nil
		case "n", "no", "false", "0":
			return false, nil
		case "":
			if b, ok := q.Default.(bool); ok {
				return b, nil
			}
		}
		return nil, fmt.Errorf("%w: %q is not yes or no", ErrInvalidAnswer, input)
	case KindChoice:
		if input == "" {
			if s, ok := q.Default.(string); ok {
				return s, nil
			}
		}
		if idx, err := strconv.Atoi(input); err == nil && idx >= 1 && idx <= len(q.Options) {
			return q.Options[idx-1], nil
		}
		return input, nil
	case KindMultiSelect:
		var picked []string
		for _, part := range strings.Split(input, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if idx, err := strconv.Atoi(part); err == nil && idx >= 1 && idx <= len(q.Options) {
				part = q.Options[idx-1]
			}
			picked = append(picked, part)
		}
		return picked, nil
	case KindNumber:
		n, err := strconv.ParseFloat(input, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidAnswer, input)
		}
		return n, nil
	}
	return input, nil
}

func toStrings(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return slices.Clone(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: multi_select items must be strings, got %T", ErrInvalidAnswer, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: multi_select expects a list, got %T", ErrInvalidAnswer, value)
}

func toFloat(value any) (float64, error) {
	var n float64
	switch v := value.(type) {
	case float64:
		n = v
	case float32:
		n = float64(v)
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidAnswer, v)
		}
		n = f
	default:
		return 0, fmt.Errorf("%w: number expects a numeric value, got %T", ErrInvalidAnswer, value)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("%w: number must be finite", ErrInvalidAnswer)
	}
	return n, nil
}
