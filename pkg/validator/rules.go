package validator

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// RequiredString validates that a string is not empty after trimming whitespace.
func RequiredString(field, value string) Rule {
	return Rule{
		Check: func() bool {
			return strings.TrimSpace(value) != ""
		},
		Error: ValidationError{Field: field, Message: "field is required"},
	}
}

func MaxLenString(field, value string, max int) Rule {
	return Rule{
		Check: func() bool {
			return utf8.RuneCountInString(value) <= max
		},
		Error: ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters long", max)},
	}
}

func RequiredSlice[T any](field string, value []T) Rule {
	return Rule{
		Check: func() bool {
			return len(value) > 0
		},
		Error: ValidationError{Field: field, Message: "field is required"},
	}
}

// UniqueSlice validates that a slice has no repeated elements.
func UniqueSlice[T comparable](field string, value []T) Rule {
	return Rule{
		Check: func() bool {
			seen := make(map[T]struct{}, len(value))
			for _, v := range value {
				if _, ok := seen[v]; ok {
					return false
				}
				seen[v] = struct{}{}
			}
			return true
		},
		Error: ValidationError{Field: field, Message: "must not contain duplicates"},
	}
}

func InList[T comparable](field string, value T, allowedValues []T) Rule {
	return Rule{
		Check: func() bool {
			for _, allowed := range allowedValues {
				if value == allowed {
					return true
				}
			}
			return false
		},
		Error: ValidationError{Field: field, Message: fmt.Sprintf("must be one of: %v", allowedValues)},
	}
}

// EachInList validates that every element of value is allowed.
func EachInList[T comparable](field string, value []T, allowedValues []T) Rule {
	return Rule{
		Check: func() bool {
			for _, v := range value {
				if !InList(field, v, allowedValues).Check() {
					return false
				}
			}
			return true
		},
		Error: ValidationError{Field: field, Message: fmt.Sprintf("every item must be one of: %v", allowedValues)},
	}
}

// Custom wraps an arbitrary predicate.
func Custom(field string, check func() bool, message string) Rule {
	return Rule{
		Check: check,
		Error: ValidationError{Field: field, Message: message},
	}
}

// NotBeforeTime validates that an optional instant is not earlier than min.
// Nil values pass.
func NotBeforeTime(field string, value *time.Time, min time.Time) Rule {
	return Rule{
		Check: func() bool {
			return value == nil || !value.Before(min)
		},
		Error: ValidationError{Field: field, Message: fmt.Sprintf("must not be before %s", min.Format(time.RFC3339))},
	}
}

// TimeAfter validates that an optional instant is strictly after min.
// Nil values pass.
func TimeAfter(field string, value *time.Time, min time.Time) Rule {
	return Rule{
		Check: func() bool {
			return value == nil || value.After(min)
		},
		Error: ValidationError{Field: field, Message: fmt.Sprintf("must be after %s", min.Format(time.RFC3339))},
	}
}
