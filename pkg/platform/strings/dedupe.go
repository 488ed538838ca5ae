// Package strings provides slice helpers for configuration values and id lists.
package strings

import (
	"strings"
)

// DedupeAndTrim trims each element and drops blanks and repeats, preserving
// first-seen order.
//
//	DedupeAndTrim([]string{" a:9092 ", "b:9092", "a:9092", ""})
//	// []string{"a:9092", "b:9092"}
func DedupeAndTrim(values []string) []string {
	trimmed := make([]string, 0, len(values))
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			trimmed = append(trimmed, t)
		}
	}
	return Dedupe(trimmed)
}

// Dedupe drops repeated values, preserving first-seen order.
func Dedupe[T comparable](values []T) []T {
	seen := make(map[T]struct{}, len(values))
	out := make([]T, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// HasDuplicates reports whether any value repeats.
func HasDuplicates[T comparable](values []T) bool {
	return len(Dedupe(values)) != len(values)
}
