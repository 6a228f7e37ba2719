package transcript

import "strings"

// mergeFragment merges an incremental fragment onto the accumulated buffer.
//
// Providers may resend overlapping text, so naive concatenation would
// duplicate substrings. The merge finds the longest suffix of buffer that is
// a prefix of fragment and appends only the unseen remainder. Two special
// cases short-circuit the scan: a fragment that already contains the whole
// buffer replaces it, and a fragment the buffer already ends with is a no-op.
func mergeFragment(buffer, fragment string) string {
	if fragment == "" {
		return buffer
	}
	if buffer == "" {
		return fragment
	}
	if strings.HasPrefix(fragment, buffer) {
		return fragment
	}
	if strings.HasSuffix(buffer, fragment) {
		return buffer
	}

	max := len(fragment)
	if len(buffer) < max {
		max = len(buffer)
	}
	for k := max; k > 0; k-- {
		if buffer[len(buffer)-k:] == fragment[:k] {
			return buffer + fragment[k:]
		}
	}
	return buffer + fragment
}

// normalizeText trims the text and collapses runs of whitespace into single
// spaces. Dedup comparisons and final emissions both operate on normalized
// text.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
