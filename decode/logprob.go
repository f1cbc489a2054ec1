package decode

import (
	"cmp"
	"math"
	"slices"
)

// TokenLogprob pairs a token id with its log probability. Mirrors the
// teacher's llm.TokenLogprob, renamed from decoded-text "Token" to
// "TokenID" since the core has no tokenizer.
type TokenLogprob struct {
	TokenID int
	Logprob float64
}

// Logprob is the sampled token's logprob plus, when requested, the top
// K alternatives at that step — the per-token metadata the original
// source's sampling kernels expose alongside the sampled id.
type Logprob struct {
	TokenLogprob
	TopLogprobs []TokenLogprob
}

// CalculateLogprobs converts raw logits to log probabilities via a
// numerically stable softmax and reports the selected token's logprob,
// plus the top topK alternatives if topK > 0. Mirrors the teacher's
// CalculateLogprobs with the TokenDecoderFunc removed: callers that
// need text can map TokenID through their own tokenizer afterward.
func CalculateLogprobs(logits []float32, selectedToken int, topK int) Logprob {
	if len(logits) == 0 {
		return Logprob{}
	}

	maxLogit := logits[0]
	for _, logit := range logits[1:] {
		if logit > maxLogit {
			maxLogit = logit
		}
	}

	var sumExp float64
	for _, logit := range logits {
		sumExp += math.Exp(float64(logit - maxLogit))
	}
	logSumExp := float32(math.Log(sumExp))

	logProbs := make([]float32, len(logits))
	for i, logit := range logits {
		logProbs[i] = (logit - maxLogit) - logSumExp
	}

	result := Logprob{
		TokenLogprob: TokenLogprob{
			TokenID: selectedToken,
			Logprob: float64(logProbs[selectedToken]),
		},
	}

	if topK > 0 {
		indices := make([]int, len(logProbs))
		for i := range indices {
			indices[i] = i
		}
		slices.SortFunc(indices, func(a, b int) int {
			return cmp.Compare(logProbs[b], logProbs[a])
		})

		k := min(topK, len(indices))
		result.TopLogprobs = make([]TokenLogprob, k)
		for i := 0; i < k; i++ {
			idx := indices[i]
			result.TopLogprobs[i] = TokenLogprob{TokenID: idx, Logprob: float64(logProbs[idx])}
		}
	}

	return result
}
