// Package decode provides the stop-condition and logprob helpers the
// Engine consults after a worker samples a new token id. Grounded on
// ollama/ollama/runner/common/{stop.go,logprob.go}, narrowed from text
// matching to token-id matching: the core has no tokenizer (spec §1
// non-goals), so a "stop string" here is a stop token id and matching
// is exact equality rather than substring/suffix search.
package decode

// FindStop reports whether generated contains any of the stop token
// ids, and which one matched first. Mirrors the teacher's FindStop
// shape (bool, matched-value) at the token-id level.
func FindStop(generated []int, stopTokenIDs []int) (bool, int) {
	for _, id := range generated {
		for _, stop := range stopTokenIDs {
			if id == stop {
				return true, stop
			}
		}
	}
	return false, -1
}

// EndsInStop reports whether the most recently generated token id is
// itself a stop token, the token-id analogue of the teacher's
// ContainsStopSuffix: since matching is exact-id rather than
// string-suffix, "ends in a partial stop" collapses to "the last id is
// a complete stop id."
func EndsInStop(generated []int, stopTokenIDs []int) bool {
	if len(generated) == 0 {
		return false
	}
	last := generated[len(generated)-1]
	for _, stop := range stopTokenIDs {
		if last == stop {
			return true
		}
	}
	return false
}

// TruncateStop removes the first occurrence of stop (and everything
// after it) from generated, returning the truncated slice and whether
// truncation happened. Mirrors the teacher's TruncateStop, operating on
// token ids instead of decoded text chunks.
func TruncateStop(generated []int, stop int) ([]int, bool) {
	idx := -1
	for i, id := range generated {
		if id == stop {
			idx = i
			break
		}
	}
	if idx < 0 {
		return generated, false
	}
	return generated[:idx], true
}
