package domain

import "strings"

// NormalizeJobType lower-cases t and maps '-' to '_' so "send-to-groups" and
// "send_to_groups" name the same handler.
func NormalizeJobType(t string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), "-", "_")
}

// SplitJobType splits "namespace:name" into its parts. A type without ':' has no namespace.
func SplitJobType(t string) (namespace, name string) {
	ns, rest, ok := strings.Cut(t, ":")
	if !ok {
		return "", t
	}
	return NormalizeJobType(ns), rest
}

// StripNamespace removes a leading "ns:" or "ns_" from a normalized job type.
// It reports whether the prefix was present.
func StripNamespace(jobType, ns string) (string, bool) {
	if ns == "" {
		return jobType, false
	}
	for _, sep := range []string{":", "_"} {
		if rest, ok := strings.CutPrefix(jobType, ns+sep); ok && rest != "" {
			return rest, true
		}
	}
	return jobType, false
}
