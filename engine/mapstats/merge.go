package mapstats

import "strings"

func foldName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// MergeLoadOrder combines per-map summaries from multiple WADs in archive
// order with "last definition wins" semantics: a map redefined by a later
// WAD replaces the earlier summary AND moves to the later position.
func MergeLoadOrder(groups ...[]Summary) []Summary {
	var out []Summary
	index := make(map[string]int)
	for _, group := range groups {
		for _, s := range group {
			key := foldName(s.Map)
			if at, ok := index[key]; ok {
				out = append(out[:at], out[at+1:]...)
				for k, v := range index {
					if v > at {
						index[k] = v - 1
					}
				}
			}
			index[key] = len(out)
			out = append(out, s)
		}
	}
	return DedupeKeepLast(out)
}

// DedupeKeepLast removes duplicate map names (case-folded, trimmed),
// keeping the last occurrence of each. Relative order of the survivors is
// preserved. The operation is idempotent.
func DedupeKeepLast(in []Summary) []Summary {
	seen := make(map[string]bool)
	rev := make([]Summary, 0, len(in))
	for i := len(in) - 1; i >= 0; i-- {
		key := foldName(in[i].Map)
		if seen[key] {
			continue
		}
		seen[key] = true
		rev = append(rev, in[i])
	}
	out := make([]Summary, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		out = append(out, rev[i])
	}
	return out
}
